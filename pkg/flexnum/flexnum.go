// Package flexnum decodes form-style JSON numbers: a field may arrive as a
// number, a numeric string, an empty string or null.
package flexnum

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Number is an optional numeric field. Empty strings and null leave it
// unset; anything that is neither a number nor a numeric string marks it
// Invalid instead of failing the whole decode, so callers can report the
// problem against the field.
type Number struct {
	Value   float64
	Set     bool
	Invalid bool
}

// Of returns a set Number.
func Of(v float64) Number {
	return Number{Value: v, Set: true}
}

func (n *Number) UnmarshalJSON(data []byte) error {
	*n = Number{}
	data = bytes.TrimSpace(data)

	switch {
	case len(data) == 0, string(data) == "null":
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			n.Invalid = true
			return nil
		}
		return n.parse(s)
	case data[0] == '-' || (data[0] >= '0' && data[0] <= '9'):
		return n.parse(string(data))
	default:
		n.Invalid = true
		return nil
	}
}

func (n *Number) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		n.Invalid = true
		return nil
	}
	n.Value = v
	n.Set = true
	return nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Set {
		return []byte("null"), nil
	}
	return json.Marshal(n.Value)
}

// Ptr returns the value or nil when unset.
func (n Number) Ptr() *float64 {
	if !n.Set {
		return nil
	}
	v := n.Value
	return &v
}

// IsInteger reports whether a set value has no fractional part.
func (n Number) IsInteger() bool {
	return n.Set && n.Value == math.Trunc(n.Value)
}
