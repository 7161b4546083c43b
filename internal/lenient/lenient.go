// Package lenient provides JSON scalar types that never fail to decode.
// Webhook senders disagree on whether numbers and flags are quoted, and a
// wrongly typed optional field must not sink the whole payload.
package lenient

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// String accepts a JSON string, number, boolean or null.
// Objects and arrays decode to the empty string.
type String string

func (s *String) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		*s = ""
		return nil
	}
	switch data[0] {
	case '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			*s = ""
			return nil
		}
		*s = String(v)
	case '{', '[', 'n':
		*s = ""
	default:
		*s = String(data)
	}
	return nil
}

// String returns the trimmed value.
func (s String) String() string { return strings.TrimSpace(string(s)) }

// Or returns the value, or def when it is empty.
func (s String) Or(def string) string {
	if v := s.String(); v != "" {
		return v
	}
	return def
}

// Bool is true for JSON true or the strings "true"/"1".
type Bool bool

func (b *Bool) UnmarshalJSON(data []byte) error {
	var s String
	_ = s.UnmarshalJSON(data)
	v, err := strconv.ParseBool(s.String())
	*b = Bool(err == nil && v)
	return nil
}

// Int accepts a JSON number or a numeric string. Anything else is zero.
type Int int64

func (i *Int) UnmarshalJSON(data []byte) error {
	var s String
	_ = s.UnmarshalJSON(data)
	raw := s.String()
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*i = Int(n)
		return nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*i = Int(f)
		return nil
	}
	*i = 0
	return nil
}

// Or formats the value, or returns def when it is not positive.
func (i Int) Or(def string) string {
	if i <= 0 {
		return def
	}
	return strconv.FormatInt(int64(i), 10)
}
