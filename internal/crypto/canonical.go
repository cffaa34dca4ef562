package crypto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Canonical produces the deterministic serialisation used for signing:
// object keys sorted ascending, arrays in order, strings quoted per JSON,
// numbers restricted to finite values, null/true/false allowed. Values that
// do not survive a JSON round trip (NaN, Infinity, channels, functions) are
// rejected. v may be any Go value; it is marshalled first so struct tags
// apply.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: %w", err)
	}
	return CanonicalizeJSON(raw)
}

// CanonicalizeJSON re-serialises raw JSON into canonical form.
func CanonicalizeJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("canonical: parse: %w", err)
	}
	// Trailing garbage after the top-level value is not canonicalisable.
	if dec.More() {
		return nil, fmt.Errorf("canonical: trailing data")
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		enc, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("canonical: string: %w", err)
		}
		buf.Write(enc)
	case json.Number:
		return writeCanonicalNumber(buf, t)
	case float64:
		// Only reachable for values injected programmatically.
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return fmt.Errorf("canonical: non-finite number")
		}
		return writeCanonicalNumber(buf, json.Number(strconv.FormatFloat(t, 'g', -1, 64)))
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			enc, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("canonical: key: %w", err)
			}
			buf.Write(enc)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonical: unsupported type %T", v)
	}
	return nil
}

// writeCanonicalNumber normalises a JSON number. Integers are emitted
// without exponent or fraction; decimals keep their shortest form. NaN and
// infinities never parse as json.Number, but scientific notation does and is
// normalised here so equal values serialise identically.
func writeCanonicalNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		// Plain integer, already canonical.
		buf.WriteString(s)
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canonical: number %q: %w", s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonical: non-finite number %q", s)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}
