package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Document is an insertion-ordered JSON object used for the before/after
// snapshots and request bodies stored with audit records. Values are limited
// to JSON-compatible types: string, json.Number (or any Go number), bool, nil,
// *Document and []any.
type Document struct {
	keys   []string
	values map[string]any
}

func NewDocument() *Document {
	return &Document{values: make(map[string]any)}
}

// DocumentFromMap converts a plain map into a Document. Go maps carry no
// order, so keys are sorted to keep the result deterministic.
func DocumentFromMap(m map[string]any) *Document {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := NewDocument()
	for _, k := range keys {
		d.Set(k, m[k])
	}
	return d
}

// ParseDocument decodes a JSON object, keeping key order. Anything other than
// an object is an error.
func ParseDocument(data []byte) (*Document, error) {
	d := NewDocument()
	if err := d.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return d, nil
}

// Set stores value under key. A new key is appended; an existing key keeps its
// position. Nested maps are converted to documents.
func (d *Document) Set(key string, value any) *Document {
	if d.values == nil {
		d.values = make(map[string]any)
	}
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = normalize(value)
	return d
}

func (d *Document) Get(key string) (any, bool) {
	if d == nil {
		return nil, false
	}
	v, ok := d.values[key]
	return v, ok
}

func (d *Document) Has(key string) bool {
	_, ok := d.Get(key)
	return ok
}

// Keys returns a copy of the keys in insertion order.
func (d *Document) Keys() []string {
	if d == nil {
		return nil
	}
	return append([]string(nil), d.keys...)
}

func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Clone returns a shallow copy.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := &Document{
		keys:   append([]string(nil), d.keys...),
		values: make(map[string]any, len(d.values)),
	}
	for k, v := range d.values {
		out.values[k] = v
	}
	return out
}

// Map returns the document as a plain map, recursively. Used where key order
// does not matter, e.g. structural comparison.
func (d *Document) Map() map[string]any {
	if d == nil {
		return nil
	}
	out := make(map[string]any, len(d.keys))
	for _, k := range d.keys {
		out[k] = plain(d.values[k])
	}
	return out
}

func (d *Document) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range d.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(d.values[k])
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (d *Document) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("document: expected JSON object, got %v", tok)
	}

	parsed, err := decodeObject(dec)
	if err != nil {
		return err
	}
	d.keys = parsed.keys
	d.values = parsed.values
	return nil
}

// decodeObject reads object members after the opening brace has been consumed.
func decodeObject(dec *json.Decoder) (*Document, error) {
	d := NewDocument()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("document: expected object key, got %v", tok)
		}
		value, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		d.Set(key, value)
	}
	// closing brace
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return d, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}
	switch delim {
	case '{':
		return decodeObject(dec)
	case '[':
		items := []any{}
		for dec.More() {
			v, err := decodeValue(dec)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return items, nil
	default:
		return nil, fmt.Errorf("document: unexpected delimiter %v", delim)
	}
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return DocumentFromMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = normalize(t[i])
		}
		return out
	default:
		return v
	}
}

func plain(v any) any {
	switch t := v.(type) {
	case *Document:
		return t.Map()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = plain(t[i])
		}
		return out
	default:
		return v
	}
}
