package reports

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// maxTreeDepth bounds nesting of parsed documents and of their canonical form.
const maxTreeDepth = 32

// Object is a decoded JSON object that remembers its key order.
type Object struct {
	Keys   []string
	Values map[string]any
}

func (o *Object) Get(key string) (any, bool) {
	if o == nil {
		return nil, false
	}
	v, ok := o.Values[key]
	return v, ok
}

func (o *Object) Len() int {
	if o == nil {
		return 0
	}
	return len(o.Keys)
}

// ParseTree decodes JSON into *Object, []any, json.Number, string, bool and nil values.
func ParseTree(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	v, err := decodeValue(dec, 0)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected trailing data after JSON value")
	}
	return v, nil
}

func decodeValue(dec *json.Decoder, depth int) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		if depth >= maxTreeDepth {
			return nil, fmt.Errorf("document nested deeper than %d levels", maxTreeDepth)
		}
		switch t {
		case '{':
			obj := &Object{Values: map[string]any{}}
			for dec.More() {
				kt, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := kt.(string)
				if !ok {
					return nil, fmt.Errorf("object key is %T", kt)
				}
				val, err := decodeValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				if _, dup := obj.Values[key]; !dup {
					obj.Keys = append(obj.Keys, key)
				}
				obj.Values[key] = val
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return obj, nil
		case '[':
			arr := []any{}
			for dec.More() {
				val, err := decodeValue(dec, depth+1)
				if err != nil {
					return nil, err
				}
				arr = append(arr, val)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return arr, nil
		default:
			return nil, fmt.Errorf("unexpected delimiter %q", t)
		}
	default:
		return tok, nil
	}
}

func asObject(v any) (*Object, bool) {
	o, ok := v.(*Object)
	return o, ok && o != nil
}

func getObject(o *Object, key string) (*Object, bool) {
	v, ok := o.Get(key)
	if !ok {
		return nil, false
	}
	return asObject(v)
}

// getPath walks nested objects by key.
func getPath(v any, keys ...string) (any, bool) {
	cur := v
	for _, k := range keys {
		o, ok := asObject(cur)
		if !ok {
			return nil, false
		}
		cur, ok = o.Get(k)
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}

func getString(o *Object, key string) string {
	v, ok := o.Get(key)
	if !ok {
		return ""
	}
	s, _ := asString(v)
	return strings.TrimSpace(s)
}

// asNumber accepts JSON numbers and numeric strings.
func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	default:
		return 0, false
	}
}

func getNumber(o *Object, keys ...string) (float64, bool) {
	for _, k := range keys {
		v, ok := o.Get(k)
		if !ok {
			continue
		}
		if f, ok := asNumber(v); ok {
			return f, true
		}
	}
	return 0, false
}

func getFloat(o *Object, keys ...string) float64 {
	f, _ := getNumber(o, keys...)
	return f
}

func getInt(o *Object, keys ...string) int64 {
	f, _ := getNumber(o, keys...)
	return int64(math.Round(f))
}

var countKeys = []string{"count", "total", "total_count", "excluded", "excluded_count", "excluded_requests", "requests", "request_count", "value"}

// asCount reads a count that is either a scalar or an object carrying one of countKeys.
func asCount(v any) (int64, bool) {
	if f, ok := asNumber(v); ok {
		return int64(math.Round(f)), true
	}
	if o, ok := asObject(v); ok {
		if f, ok := getNumber(o, countKeys...); ok {
			return int64(math.Round(f)), true
		}
	}
	return 0, false
}

var speedAvgKeys = []string{"avg", "avg_speed", "average", "avg_speed_mbps", "mean"}

// asSpeed reads a speed that is either a scalar average or an {avg, max, min} object.
func asSpeed(v any) (SpeedStat, bool) {
	if f, ok := asNumber(v); ok {
		return SpeedStat{Avg: f}, true
	}
	o, ok := asObject(v)
	if !ok {
		return SpeedStat{}, false
	}
	avg, hasAvg := getNumber(o, speedAvgKeys...)
	maxV, hasMax := getNumber(o, "max", "max_speed", "max_speed_mbps")
	minV, hasMin := getNumber(o, "min", "min_speed", "min_speed_mbps")
	if !hasAvg && !hasMax && !hasMin {
		return SpeedStat{}, false
	}
	return SpeedStat{Avg: avg, Max: maxV, Min: minV}, true
}
