package codec

import (
	"fmt"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
)

// EncodeDocument serializes a document as one object. Value maps become
// nested objects keyed by revision strings.
func EncodeDocument(doc *model.Document) (string, error) {
	s, err := Encode(doc.Data())
	if err != nil {
		return "", errors.InvalidArgument(fmt.Sprintf("cannot encode document %s", doc.ID()), err)
	}
	return s, nil
}

// DecodeDocument parses the output of EncodeDocument.
func DecodeDocument(s string) (*model.Document, error) {
	v, err := Decode(s)
	if err != nil {
		return nil, errors.CorruptedData("cannot decode document", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.CorruptedData(fmt.Sprintf("document is a %T, not an object", v), nil)
	}
	id, ok := obj[model.KeyID].(string)
	if !ok {
		return nil, errors.CorruptedData("document has no _id", nil)
	}

	data := make(map[string]any, len(obj))
	for k, raw := range obj {
		switch t := raw.(type) {
		case map[string]any:
			entries := make(map[model.Revision]any, len(t))
			for revStr, val := range t {
				rev, err := model.ParseRevision(revStr)
				if err != nil {
					return nil, errors.CorruptedData(fmt.Sprintf("document %s: bad map key in %s", id, k), err)
				}
				if !isScalar(val) {
					return nil, errors.CorruptedData(fmt.Sprintf("document %s: nested value in %s", id, k), nil)
				}
				entries[rev] = val
			}
			data[k] = model.NewValueMap(entries)
		case []any:
			return nil, errors.CorruptedData(fmt.Sprintf("document %s: array value in %s", id, k), nil)
		default:
			data[k] = raw
		}
	}
	return model.NewDocument(id, data), nil
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, bool, string, int64, float64:
		return true
	default:
		return false
	}
}
