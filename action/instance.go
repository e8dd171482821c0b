package action

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// ContentInstanceID derives an instance id from validated params for callers
// that send no action id. Params that differ only in key order or number
// spelling (1, 1.0, 1e0) map to the same id.
func ContentInstanceID(params any) (string, error) {
	canonical, err := CanonicalJSON(params)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return "content-" + hex.EncodeToString(sum[:16]), nil
}

// CanonicalJSON encodes v with sorted object keys and normalized numbers.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("action: encode params: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("action: decode params: %w", err)
	}

	tree, err = normalizeNumbers(tree)
	if err != nil {
		return nil, err
	}
	// encoding/json sorts map keys.
	return json.Marshal(tree)
}

func normalizeNumbers(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return nil, fmt.Errorf("action: number %q: %w", t, err)
		}
		return json.Number(d.String()), nil
	case map[string]any:
		for k, child := range t {
			n, err := normalizeNumbers(child)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case []any:
		for i, child := range t {
			n, err := normalizeNumbers(child)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	default:
		return v, nil
	}
}
