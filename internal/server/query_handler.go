package server

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/query"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

const defaultQueryLimit = 100

// statusClientClosedRequest is reported when the caller went away.
const statusClientClosedRequest = 499

var httpStatusCodes = map[codes.Code]int{
	codes.OK:                 http.StatusOK,
	codes.Canceled:           statusClientClosedRequest,
	codes.InvalidArgument:    http.StatusBadRequest,
	codes.DeadlineExceeded:   http.StatusGatewayTimeout,
	codes.NotFound:           http.StatusNotFound,
	codes.Aborted:            http.StatusConflict,
	codes.ResourceExhausted:  http.StatusTooManyRequests,
	codes.FailedPrecondition: http.StatusPreconditionFailed,
	codes.Unavailable:        http.StatusServiceUnavailable,
}

// httpStatus maps a gRPC code to the HTTP status the handler replies with.
func httpStatus(code codes.Code) int {
	if s, ok := httpStatusCodes[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// IndexSnapshots hands out the index content a query runs against.
type IndexSnapshots interface {
	Snapshot() *query.IndexState
}

// QueryHandler answers ad hoc node queries through the planner. Paths
// returned by an index are checked against the whole filter before they
// are reported.
type QueryHandler struct {
	planner *query.Planner
	indexes IndexSnapshots
	nodes   query.NodeReader
	logger  *zap.Logger
}

// NewQueryHandler creates a handler for GET requests of the form
// ?path=/content&restriction=all&primary=nt:file&mixin=mix:a&prop=color=red&exists=size&limit=10&explain=true
func NewQueryHandler(planner *query.Planner, indexes IndexSnapshots, nodes query.NodeReader, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{planner: planner, indexes: indexes, nodes: nodes, logger: logger}
}

type queryResponse struct {
	Index     string   `json:"index,omitempty"`
	Cost      *float64 `json:"cost,omitempty"`
	Plan      string   `json:"plan"`
	Fallback  bool     `json:"fallback"`
	Paths     []string `json:"paths,omitempty"`
	Truncated bool     `json:"truncated,omitempty"`
}

var restrictions = map[string]query.PathRestriction{
	"":       query.PathAllChildren,
	"all":    query.PathAllChildren,
	"direct": query.PathDirectChildren,
	"exact":  query.PathExact,
	"any":    query.PathNoRestriction,
}

// ParseFilter builds a filter from query parameters.
func ParseFilter(params map[string][]string) (*query.BasicFilter, error) {
	get := func(key string) string {
		if v := params[key]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	path := get("path")
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path %q is not absolute", path)
	}
	restriction, ok := restrictions[get("restriction")]
	if !ok {
		return nil, fmt.Errorf("unknown restriction %q", get("restriction"))
	}
	f := query.NewFilter(path).WithPathRestriction(restriction)

	primary, mixins := splitList(get("primary")), splitList(get("mixin"))
	if primary != nil || mixins != nil {
		f = f.WithNodeTypes(primary, mixins)
	}
	for _, p := range params["prop"] {
		name, value, found := strings.Cut(p, "=")
		if !found || name == "" {
			return nil, fmt.Errorf("property restriction %q must be name=value", p)
		}
		if r, ok := f.PropertyRestriction(name); ok && r.Values != nil {
			f = f.WithPropertyValues(name, append(slices.Clone(r.Values), value)...)
		} else {
			f = f.WithPropertyValues(name, value)
		}
	}
	for _, name := range params["exists"] {
		f = f.WithPropertyExists(name)
	}
	return f, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func (h *QueryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	params := r.URL.Query()
	f, err := ParseFilter(params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := defaultQueryLimit
	if s := params.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
	}
	explain, _ := strconv.ParseBool(params.Get("explain"))

	root := h.indexes.Snapshot()
	var resp queryResponse
	if explain {
		resp = newQueryResponse(h.planner.PlanFor(f, root))
		h.writeJSON(w, http.StatusOK, resp)
		return
	}

	c, plan := h.planner.Query(r.Context(), f, root)
	defer c.Close()
	resp = newQueryResponse(plan)
	for c.Next() {
		path := c.Path()
		if !plan.Fallback {
			doc, err := h.nodes.Find(r.Context(), model.CollectionNodes, model.IDFromPath(path))
			if err != nil {
				h.fail(w, f, err)
				return
			}
			if doc == nil || !query.Matches(f, path, doc) {
				continue
			}
		}
		if len(resp.Paths) == limit {
			resp.Truncated = true
			break
		}
		resp.Paths = append(resp.Paths, path)
	}
	if err := c.Err(); err != nil {
		h.fail(w, f, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func newQueryResponse(plan query.Plan) queryResponse {
	resp := queryResponse{Index: plan.Index, Plan: plan.Plan, Fallback: plan.Fallback}
	if !math.IsInf(plan.Cost, 0) {
		cost := plan.Cost
		resp.Cost = &cost
	}
	return resp
}

func (h *QueryHandler) fail(w http.ResponseWriter, f query.Filter, err error) {
	st := errors.Status(err)
	code := httpStatus(st.Code())
	fields := []zap.Field{
		zap.String("filter", f.String()),
		zap.String("code", st.Code().String()),
		zap.Int("status", code),
		zap.Error(err),
	}
	if code >= http.StatusInternalServerError {
		h.logger.Error("Query failed", fields...)
	} else {
		h.logger.Warn("Query failed", fields...)
	}
	http.Error(w, st.Message(), code)
}

func (h *QueryHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to write query response", zap.Error(err))
	}
}
