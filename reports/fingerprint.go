package reports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

var (
	significantSections     = []string{"summary", "providers", "geographic", "performance", "speed_metrics", "exclusion_metrics", "technology_metrics"}
	significantDataSections = []string{"summary", "providers", "geographic"}
)

// Fingerprint hashes the change-relevant sections of a report payload.
// Key order and number formatting in the payload do not affect the result.
func Fingerprint(payload []byte) (string, error) {
	tree, err := ParseTree(payload)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return FingerprintTree(tree)
}

func FingerprintTree(tree any) (string, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, significantSubset(tree), 0); err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return HashCanonical(buf.Bytes()), nil
}

// Changed reports whether incoming differs from stored in any significant section.
func Changed(stored, incoming []byte) (bool, error) {
	if len(stored) == 0 {
		return true, nil
	}
	a, err := Fingerprint(stored)
	if err != nil {
		return false, err
	}
	b, err := Fingerprint(incoming)
	if err != nil {
		return false, err
	}
	return a != b, nil
}

func HashCanonical(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

func significantSubset(tree any) *Object {
	out := &Object{Values: map[string]any{}}
	root, ok := asObject(tree)
	if !ok {
		return out
	}
	for _, k := range significantSections {
		if v, ok := root.Get(k); ok {
			out.Keys = append(out.Keys, k)
			out.Values[k] = v
		}
	}
	if data, ok := getObject(root, "data"); ok {
		nested := &Object{Values: map[string]any{}}
		for _, k := range significantDataSections {
			if v, ok := data.Get(k); ok {
				nested.Keys = append(nested.Keys, k)
				nested.Values[k] = v
			}
		}
		if nested.Len() > 0 {
			out.Keys = append(out.Keys, "data")
			out.Values["data"] = nested
		}
	}
	return out
}

// writeCanonical serializes v with object keys sorted at every depth.
func writeCanonical(buf *bytes.Buffer, v any, depth int) error {
	if depth > maxTreeDepth {
		return fmt.Errorf("document nested deeper than %d levels", maxTreeDepth)
	}
	switch t := v.(type) {
	case *Object:
		keys := append([]string(nil), t.Keys...)
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t.Values[k], depth+1); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item, depth+1); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			buf.WriteString(t.String())
			return nil
		}
		buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	case nil:
		buf.WriteString("null")
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}
