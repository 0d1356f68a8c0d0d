package servex

import (
	"net/textproto"
)

// Header is a multimap of HTTP header fields. Lookup is case-insensitive;
// iteration preserves first-insertion order of keys and insertion order of
// values within a key.
type Header struct {
	keys []string
	m    map[string][]string
}

func NewHeader() *Header {
	return &Header{m: make(map[string][]string)}
}

// Get returns the first value for key, or "".
func (h *Header) Get(key string) string {
	if h == nil {
		return ""
	}
	if vv := h.m[textproto.CanonicalMIMEHeaderKey(key)]; len(vv) > 0 {
		return vv[0]
	}
	return ""
}

// Values returns all values for key in insertion order. The returned slice
// is shared; callers must not modify it.
func (h *Header) Values(key string) []string {
	if h == nil {
		return nil
	}
	return h.m[textproto.CanonicalMIMEHeaderKey(key)]
}

// Set replaces all values for key with value.
func (h *Header) Set(key, value string) {
	k := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := h.m[k]; !ok {
		h.keys = append(h.keys, k)
	}
	h.m[k] = []string{value}
}

// Add appends value to the values for key.
func (h *Header) Add(key, value string) {
	k := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := h.m[k]; !ok {
		h.keys = append(h.keys, k)
	}
	h.m[k] = append(h.m[k], value)
}

// Del removes all values for key.
func (h *Header) Del(key string) {
	k := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := h.m[k]; !ok {
		return
	}
	delete(h.m, k)
	for i, kk := range h.keys {
		if kk == k {
			h.keys = append(h.keys[:i], h.keys[i+1:]...)
			break
		}
	}
}

// Has reports whether key is present.
func (h *Header) Has(key string) bool {
	if h == nil {
		return false
	}
	_, ok := h.m[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// Len returns the number of distinct keys.
func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.keys)
}

// Each calls fn for every (key, value) pair in insertion order.
func (h *Header) Each(fn func(key, value string)) {
	if h == nil {
		return
	}
	for _, k := range h.keys {
		for _, v := range h.m[k] {
			fn(k, v)
		}
	}
}

func (h *Header) clone() *Header {
	c := NewHeader()
	h.Each(func(k, v string) { c.Add(k, v) })
	return c
}

// headerFromWire builds a Header from the codec's map plus its key order.
func headerFromWire(m map[string][]string, order []string) *Header {
	h := NewHeader()
	for _, k := range order {
		for _, v := range m[k] {
			h.Add(k, v)
		}
	}
	return h
}
