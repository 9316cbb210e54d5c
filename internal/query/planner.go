package query

import (
	"context"
	stderrors "errors"
	"math"

	"github.com/devrev/pairdb/docstore/internal/metrics"
	"go.uber.org/zap"
)

// ErrNoIndex is reported by the cursor of a planner that has no fallback
// when no index can answer a filter.
var ErrNoIndex = stderrors.New("no index can answer the filter")

// Plan describes the planner's choice for one filter.
type Plan struct {
	Index    string
	Cost     float64
	Plan     string
	Fallback bool
}

// Planner picks the cheapest registered index for a filter.
type Planner struct {
	indexes  []QueryIndex
	fallback QueryIndex
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewPlanner returns a planner choosing among indexes in order. fallback
// answers filters no index reports a finite cost for; it may be nil.
func NewPlanner(fallback QueryIndex, m *metrics.Metrics, logger *zap.Logger, indexes ...QueryIndex) *Planner {
	return &Planner{
		indexes:  indexes,
		fallback: fallback,
		metrics:  m,
		logger:   logger,
	}
}

// choose returns the index with the strictly lowest finite cost, the
// earliest registered on ties, or the fallback.
func (p *Planner) choose(f Filter, root *IndexState) (idx QueryIndex, cost float64, fallback bool) {
	cost = math.Inf(1)
	for _, candidate := range p.indexes {
		c := candidate.Cost(f, root)
		p.logger.Debug("Index cost",
			zap.String("index", candidate.Name()),
			zap.Float64("cost", c))
		if c < cost {
			idx, cost = candidate, c
		}
	}
	if idx != nil {
		return idx, cost, false
	}
	if p.fallback != nil {
		return p.fallback, p.fallback.Cost(f, root), true
	}
	return nil, cost, false
}

// PlanFor returns the decision Query would make for f.
func (p *Planner) PlanFor(f Filter, root *IndexState) Plan {
	idx, cost, fallback := p.choose(f, root)
	if idx == nil {
		return Plan{Cost: cost, Plan: "no index for " + f.String()}
	}
	return Plan{
		Index:    idx.Name(),
		Cost:     cost,
		Plan:     idx.Plan(f, root),
		Fallback: fallback,
	}
}

// Query answers f with the cheapest index. Only that index is queried.
func (p *Planner) Query(ctx context.Context, f Filter, root *IndexState) (Cursor, Plan) {
	idx, cost, fallback := p.choose(f, root)
	if idx == nil {
		p.metrics.RecordPlannerFallback()
		p.logger.Warn("No index for filter", zap.String("filter", f.String()))
		return EmptyCursor(ErrNoIndex), Plan{Cost: cost, Plan: "no index for " + f.String()}
	}

	plan := Plan{Index: idx.Name(), Cost: cost, Plan: idx.Plan(f, root), Fallback: fallback}
	if plan.Fallback {
		p.metrics.RecordPlannerFallback()
	}
	p.metrics.RecordPlannerSelection(plan.Index)
	p.logger.Debug("Selected index",
		zap.String("index", plan.Index),
		zap.Float64("cost", cost),
		zap.String("plan", plan.Plan))
	return &countingCursor{Cursor: idx.Query(ctx, f, root), index: plan.Index, metrics: p.metrics}, plan
}

// countingCursor records the number of results once the cursor is closed.
type countingCursor struct {
	Cursor
	index    string
	metrics  *metrics.Metrics
	n        int
	reported bool
}

func (c *countingCursor) Next() bool {
	if c.Cursor.Next() {
		c.n++
		return true
	}
	c.Close()
	return false
}

func (c *countingCursor) Close() {
	c.Cursor.Close()
	if !c.reported {
		c.reported = true
		c.metrics.RecordPlannerResults(c.index, c.n)
	}
}
