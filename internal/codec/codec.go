package codec

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/devrev/pairdb/docstore/internal/model"
)

// Encode serializes a value tree. Supported values are nil, bool, string,
// integers, finite floats, []any, []string, map[string]any and
// model.ValueMap. Object keys are written in sorted order. Strings and keys
// must be valid UTF-8.
func Encode(v any) (string, error) {
	b := NewBuilder()
	if err := writeValue(b, v); err != nil {
		return "", err
	}
	return b.String(), nil
}

func checkUTF8(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("string %q is not valid UTF-8", s)
	}
	return nil
}

func writeValue(b *Builder, v any) error {
	switch t := model.NormalizeValue(v).(type) {
	case nil:
		b.Null()
	case bool:
		b.Bool(t)
	case string:
		if err := checkUTF8(t); err != nil {
			return err
		}
		b.Value(t)
	case int64:
		b.Int(t)
	case uint64:
		if t > math.MaxInt64 {
			return fmt.Errorf("integer %d out of range", t)
		}
		b.Int(int64(t))
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("cannot encode non-finite float %v", t)
		}
		b.Float(t)
	case []string:
		b.Array()
		for _, s := range t {
			if err := checkUTF8(s); err != nil {
				return err
			}
			b.Value(s)
		}
		b.EndArray()
	case []any:
		b.Array()
		for _, e := range t {
			if err := writeValue(b, e); err != nil {
				return err
			}
		}
		b.EndArray()
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			if err := checkUTF8(k); err != nil {
				return err
			}
			keys = append(keys, k)
		}
		slices.Sort(keys)
		b.Object()
		for _, k := range keys {
			b.Key(k)
			if err := writeValue(b, t[k]); err != nil {
				return err
			}
		}
		b.EndObject()
	case model.ValueMap:
		b.Object()
		for rev, val := range t.All() {
			b.Key(rev.String())
			if err := writeValue(b, val); err != nil {
				return err
			}
		}
		b.EndObject()
	default:
		return fmt.Errorf("cannot encode value of type %T", v)
	}
	return nil
}

// Decode parses a value tree written by Encode. Objects decode to
// map[string]any, arrays to []any, integers to int64 and other numbers to
// float64.
func Decode(s string) (any, error) {
	t := NewTokenizer(s)
	v, err := readValue(t)
	if err != nil {
		return nil, err
	}
	if t.Peek() != TokenEnd {
		return nil, t.unexpected("end")
	}
	return v, nil
}

func readValue(t *Tokenizer) (any, error) {
	switch t.Read() {
	case TokenNull:
		return nil, nil
	case TokenTrue:
		return true, nil
	case TokenFalse:
		return false, nil
	case TokenString:
		return t.Token(), nil
	case TokenNumber:
		return parseNumber(t.Token())
	case TokenArrayStart:
		arr := []any{}
		if t.Matches(TokenArrayEnd) {
			return arr, nil
		}
		for {
			v, err := readValue(t)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
			if t.Matches(TokenArrayEnd) {
				return arr, nil
			}
			if _, err := t.ReadExpected(TokenComma); err != nil {
				return nil, err
			}
		}
	case TokenObjectStart:
		obj := map[string]any{}
		if t.Matches(TokenObjectEnd) {
			return obj, nil
		}
		for {
			key, err := t.ReadExpected(TokenString)
			if err != nil {
				return nil, err
			}
			if _, err := t.ReadExpected(TokenColon); err != nil {
				return nil, err
			}
			v, err := readValue(t)
			if err != nil {
				return nil, err
			}
			obj[key] = v
			if t.Matches(TokenObjectEnd) {
				return obj, nil
			}
			if _, err := t.ReadExpected(TokenComma); err != nil {
				return nil, err
			}
		}
	case TokenError:
		return nil, t.Err()
	default:
		return nil, fmt.Errorf("unexpected %q at position %d", t.Token(), t.Pos())
	}
}

func parseNumber(s string) (any, error) {
	if !strings.ContainsAny(s, ".eE") {
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q: %w", s, err)
		}
		return i, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return f, nil
}
