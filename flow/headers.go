package flow

import (
	"strings"
)

// Field is a single header line.
type Field struct {
	Name  string
	Value string
}

// Headers is an ordered multi-map. Lookups are case-insensitive, duplicates and
// insertion order are kept.
type Headers struct {
	fields []Field
}

func NewHeaders(fields ...Field) Headers {
	return Headers{fields: append([]Field(nil), fields...)}
}

func (h *Headers) Add(name, value string) {
	h.fields = append(h.fields, Field{Name: name, Value: value})
}

// Insert adds a field at index, shifting later fields.
func (h *Headers) Insert(index int, name, value string) {
	if index < 0 || index >= len(h.fields) {
		h.Add(name, value)
		return
	}
	h.fields = append(h.fields, Field{})
	copy(h.fields[index+1:], h.fields[index:])
	h.fields[index] = Field{Name: name, Value: value}
}

func (h *Headers) Get(name string) string {
	for _, field := range h.fields {
		if strings.EqualFold(field.Name, name) {
			return field.Value
		}
	}
	return ""
}

func (h *Headers) Has(name string) bool {
	for _, field := range h.fields {
		if strings.EqualFold(field.Name, name) {
			return true
		}
	}
	return false
}

func (h *Headers) Values(name string) []string {
	var values []string
	for _, field := range h.fields {
		if strings.EqualFold(field.Name, name) {
			values = append(values, field.Value)
		}
	}
	return values
}

// Set replaces every field named name with a single one, kept at the position
// of the first match.
func (h *Headers) Set(name, value string) {
	index := -1
	fields := h.fields[:0]
	for _, field := range h.fields {
		if strings.EqualFold(field.Name, name) {
			if index != -1 {
				continue
			}
			index = len(fields)
			field.Value = value
		}
		fields = append(fields, field)
	}
	h.fields = fields
	if index == -1 {
		h.Add(name, value)
	}
}

func (h *Headers) Del(name string) {
	fields := h.fields[:0]
	for _, field := range h.fields {
		if !strings.EqualFold(field.Name, name) {
			fields = append(fields, field)
		}
	}
	h.fields = fields
}

func (h *Headers) Fields() []Field {
	return h.fields
}

func (h *Headers) Len() int {
	return len(h.fields)
}

func (h *Headers) Clone() Headers {
	return Headers{fields: append([]Field(nil), h.fields...)}
}

// HasToken reports whether any comma separated value of name contains token.
func (h *Headers) HasToken(name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

func (h *Headers) Equal(other Headers) bool {
	if len(h.fields) != len(other.fields) {
		return false
	}
	for i := range h.fields {
		if !strings.EqualFold(h.fields[i].Name, other.fields[i].Name) || h.fields[i].Value != other.fields[i].Value {
			return false
		}
	}
	return true
}
