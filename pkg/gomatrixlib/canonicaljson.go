package gomatrixlib

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
)

// CanonicalJSON re-encodes a JSON document into the canonical form required
// by the matrix signing algorithm: object keys sorted lexicographically by
// their UTF-8 byte sequence, no insignificant whitespace, and integers
// formatted without an exponent. It validates the document as a side effect.
//
// Every hashing, signing and event-ID derivation site must route through
// this function; treat its output as a binary format, not a textual
// convenience.
func CanonicalJSON(input []byte) ([]byte, error) {
	var value interface{}
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("gomatrixlib: invalid JSON: %w", err)
	}
	if err := checkTrailingGarbage(dec); err != nil {
		return nil, err
	}
	canon, err := canonicalise(value)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, canon); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// CanonicalJSONAssumeValid behaves like CanonicalJSON but panics instead of
// returning an error. It must only be called on JSON that is already known
// to be well formed (for example, JSON this process produced itself).
func CanonicalJSONAssumeValid(input []byte) []byte {
	result, err := CanonicalJSON(input)
	if err != nil {
		panic(fmt.Errorf("gomatrixlib: CanonicalJSONAssumeValid given invalid JSON: %w", err))
	}
	return result
}

func checkTrailingGarbage(dec *json.Decoder) error {
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("gomatrixlib: trailing data after JSON document")
	}
	return nil
}

// canonicalise walks a decoded JSON value, rejecting NaN/Infinity (which
// json.Number cannot represent anyway, since Go's decoder already errors on
// those) and normalising numbers that look like integers.
func canonicalise(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case json.Number:
		return canonicaliseNumber(v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, child := range v {
			canon, err := canonicalise(child)
			if err != nil {
				return nil, err
			}
			out[k] = canon
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, child := range v {
			canon, err := canonicalise(child)
			if err != nil {
				return nil, err
			}
			out[i] = canon
		}
		return out, nil
	default:
		return v, nil
	}
}

func canonicaliseNumber(n json.Number) (interface{}, error) {
	s := n.String()
	// Integers are re-emitted verbatim without exponent notation; floats are
	// rejected outright, matching the matrix canonical JSON grammar which
	// only permits integers in event bodies that are hashed/signed.
	if i, err := n.Int64(); err == nil {
		return i, nil
	}
	f, err := n.Float64()
	if err != nil {
		return nil, fmt.Errorf("gomatrixlib: invalid number %q", s)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("gomatrixlib: NaN/Infinity not permitted in canonical JSON")
	}
	return nil, fmt.Errorf("gomatrixlib: non-integer number %q not permitted in canonical JSON", s)
}

func writeCanonical(buf *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case int64:
		fmt.Fprintf(buf, "%d", v)
	case string:
		encoded, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(encoded)
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			if err := writeCanonical(buf, v[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, child := range v {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, child); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("gomatrixlib: unsupported canonical JSON value %T", v)
	}
	return nil
}
