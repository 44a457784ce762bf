package dsl

import (
	"encoding/json"
	"regexp"
)

// fieldNamePattern is the grammar every normalized field name must match.
var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// ValidFieldName reports whether name matches the field-name grammar.
func ValidFieldName(name string) bool {
	return fieldNamePattern.MatchString(name)
}

// Record is the normalized field-name to value mapping handed between
// pipeline steps. Field order is preserved (insertion order) so CSV
// output columns stay stable. Values are scalars or JSON-shaped data;
// numbers are canonically float64 once they cross an evaluation or
// staging boundary.
//
// Records are treated as immutable per step: a step builds a new record
// from its input rather than mutating it, so staged items processed in
// parallel never alias mutable state.
type Record struct {
	keys   []string
	values map[string]interface{}
}

// NewRecord returns an empty record.
func NewRecord() *Record {
	return &Record{values: make(map[string]interface{})}
}

// RecordFromMap builds a record from a plain map. Iteration order of the
// map is not stable, so callers that care about column order should Set
// fields explicitly instead.
func RecordFromMap(m map[string]interface{}) *Record {
	r := NewRecord()
	for k, v := range m {
		r.Set(k, v)
	}
	return r
}

// Set adds or overwrites a field, keeping first-insertion order.
func (r *Record) Set(name string, value interface{}) {
	if _, ok := r.values[name]; !ok {
		r.keys = append(r.keys, name)
	}
	r.values[name] = value
}

// Get returns the value of a field and whether it is present.
func (r *Record) Get(name string) (interface{}, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Fields returns the field names in insertion order.
func (r *Record) Fields() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of fields.
func (r *Record) Len() int {
	return len(r.keys)
}

// Clone returns an independent copy of the record.
func (r *Record) Clone() *Record {
	out := NewRecord()
	for _, k := range r.keys {
		out.Set(k, r.values[k])
	}
	return out
}

// Project applies a field mapping (source name -> destination name) and
// returns a new record. An empty mapping passes every field through
// untouched.
func (r *Record) Project(mapping map[string]string) *Record {
	if len(mapping) == 0 {
		return r.Clone()
	}
	out := NewRecord()
	for _, k := range r.keys {
		if dest, ok := mapping[k]; ok {
			out.Set(dest, r.values[k])
		}
	}
	return out
}

// ToMap returns the record as a plain map, losing field order.
func (r *Record) ToMap() map[string]interface{} {
	out := make(map[string]interface{}, len(r.keys))
	for _, k := range r.keys {
		out[k] = r.values[k]
	}
	return out
}

// MarshalJSON renders the record as a JSON object in field order.
func (r *Record) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, k := range r.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return append(buf, '}'), nil
}

// UnmarshalJSON parses a JSON object. Key order follows Go's map
// iteration and is not guaranteed; staged records re-enter through this
// boundary, where order no longer matters.
func (r *Record) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*r = *RecordFromMap(m)
	return nil
}
