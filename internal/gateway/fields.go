package gateway

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// Fields is a decoded request envelope. Values stay raw so each adapter can
// tell an absent field from a present one of the wrong type.
type Fields map[string]json.RawMessage

// ParseFields decodes a JSON object. Anything else (invalid JSON, arrays,
// scalars, null) yields nil, which adapters treat as a missing body.
func ParseFields(b []byte) Fields {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' { return nil }
	var f Fields
	if err := json.Unmarshal(b, &f); err != nil { return nil }
	return f
}

func (f Fields) Has(name string) bool {
	_, ok := f[name]
	return ok
}

// String returns the field's value. ok is false when the field is absent or
// is not a JSON string (null included).
func (f Fields) String(name string) (s string, ok bool) {
	raw, present := f[name]
	if !present { return "", false }
	if err := json.Unmarshal(raw, &s); err != nil || isNull(raw) { return "", false }
	return s, true
}

// Int returns the field as an integer. JSON numbers with a fraction or
// exponent, strings, booleans and null are not integers.
func (f Fields) Int(name string) (int, bool) {
	raw, present := f[name]
	if !present { return 0, false }
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.ContainsAny(raw, `.eE"`) { return 0, false }
	n, err := strconv.Atoi(string(raw))
	if err != nil { return 0, false }
	return n, true
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
