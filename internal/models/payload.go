package models

import (
	"bytes"
	"encoding/json"
)

// DiscriminatorKey is the payload field whose value selects a composition rule.
const DiscriminatorKey = "type"

// Payload is a decoded request document. It is usually a JSON object, but any
// well-formed JSON value is accepted; lookups on non-object documents simply
// find nothing.
type Payload struct {
	doc    any
	fields map[string]any
}

// NewPayload wraps an already decoded JSON document.
func NewPayload(doc any) *Payload {
	p := &Payload{doc: doc}
	if fields, ok := doc.(map[string]any); ok {
		p.fields = fields
	}
	return p
}

// String returns the value stored under key when it is a JSON string and the
// empty string otherwise. It never fails.
func (p *Payload) String(key string) string {
	if p == nil || p.fields == nil {
		return ""
	}
	if s, ok := p.fields[key].(string); ok {
		return s
	}
	return ""
}

// Has reports whether key is present in the document, whatever its type.
func (p *Payload) Has(key string) bool {
	if p == nil || p.fields == nil {
		return false
	}
	_, ok := p.fields[key]
	return ok
}

// Discriminator returns the string value of the "type" field.
func (p *Payload) Discriminator() string {
	return p.String(DiscriminatorKey)
}

// IsObject reports whether the document is a JSON object.
func (p *Payload) IsObject() bool {
	return p != nil && p.fields != nil
}

// JSON re-serializes the whole document in compact form with object keys in
// sorted order.
func (p *Payload) JSON() string {
	if p == nil {
		return "null"
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p.doc); err != nil {
		return ""
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n"))
}
