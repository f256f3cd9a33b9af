// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

type (
	FieldID int

	FieldKind uint8

	FieldDef struct {
		ID   FieldID
		Name string
		Kind FieldKind
	}

	// Field holds the values of one attribute on one session;
	// only the owning worker mutates it.
	Field struct {
		Def  *FieldDef
		ints mapset.Set[uint32]
		strs mapset.Set[string]
	}

	fieldRegistry struct {
		mu       sync.RWMutex
		capacity int
		defs     []*FieldDef
		byName   map[string]*FieldDef
	}
)

const (
	FieldKindInt FieldKind = iota
	FieldKindString
)

const (
	tagsFieldName     = "tags"
	protocolFieldName = "protocols"
)

var (
	errFieldCapacity = errors.New("attribute map capacity exceeded")
	errFieldKind     = errors.New("field already defined with another kind")
)

func newFieldRegistry(capacity int) *fieldRegistry {
	return &fieldRegistry{
		capacity: capacity,
		defs:     make([]*FieldDef, 0, capacity),
		byName:   make(map[string]*FieldDef, capacity),
	}
}

// define is idempotent by name.
func (r *fieldRegistry) define(name string, kind FieldKind) (*FieldDef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def, ok := r.byName[name]; ok {
		if def.Kind != kind {
			return nil, errors.Join(errFieldKind, fmt.Errorf("field: %s", name))
		}
		return def, nil
	}
	if len(r.defs) >= r.capacity {
		return nil, errors.Join(errFieldCapacity, fmt.Errorf("field: %s | max: %d", name, r.capacity))
	}

	def := &FieldDef{ID: FieldID(len(r.defs)), Name: name, Kind: kind}
	r.defs = append(r.defs, def)
	r.byName[name] = def
	return def, nil
}

func (r *fieldRegistry) byID(id FieldID) *FieldDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 0 || int(id) >= len(r.defs) {
		return nil
	}
	return r.defs[id]
}

func (r *fieldRegistry) lookup(name string) (*FieldDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byName[name]
	return def, ok
}

func (f *Field) Len() int {
	if f.Def.Kind == FieldKindInt {
		return f.ints.Cardinality()
	}
	return f.strs.Cardinality()
}

// Ints returns the sorted values of an int field.
func (f *Field) Ints() []uint32 {
	if f.ints == nil {
		return nil
	}
	values := f.ints.ToSlice()
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	return values
}

// Strings returns the sorted values of a string field.
func (f *Field) Strings() []string {
	if f.strs == nil {
		return nil
	}
	values := f.strs.ToSlice()
	sort.Strings(values)
	return values
}

// field returns the slot for `id`, allocating it on first use;
// writing a field that was never defined is a programming error.
func (s *Session) field(id FieldID, kind FieldKind) *Field {
	if int(id) < 0 || int(id) >= len(s.fields) {
		panic(fmt.Sprintf("field %d out of attribute map capacity %d", id, len(s.fields)))
	}
	if f := s.fields[id]; f != nil {
		return f
	}
	def := s.worker.tracker.fields.byID(id)
	if def == nil || def.Kind != kind {
		panic(fmt.Sprintf("field %d is not defined as kind %d", id, kind))
	}
	f := &Field{Def: def}
	switch kind {
	case FieldKindInt:
		f.ints = mapset.NewThreadUnsafeSet[uint32]()
	case FieldKindString:
		f.strs = mapset.NewThreadUnsafeSet[string]()
	}
	s.fields[id] = f
	return f
}

// IntAdd adds `value` to an int field; false if it was already present.
func (s *Session) IntAdd(id FieldID, value uint32) bool {
	return s.field(id, FieldKindInt).ints.Add(value)
}

// StringAdd adds `value` to a string field; false if it was already present.
func (s *Session) StringAdd(id FieldID, value string) bool {
	return s.field(id, FieldKindString).strs.Add(value)
}

func (s *Session) HasInt(id FieldID, value uint32) bool {
	if int(id) < 0 || int(id) >= len(s.fields) || s.fields[id] == nil || s.fields[id].ints == nil {
		return false
	}
	return s.fields[id].ints.Contains(value)
}

func (s *Session) HasString(id FieldID, value string) bool {
	if int(id) < 0 || int(id) >= len(s.fields) || s.fields[id] == nil || s.fields[id].strs == nil {
		return false
	}
	return s.fields[id].strs.Contains(value)
}

// Fields returns the populated attributes ordered by field id.
func (s *Session) Fields() []*Field {
	fields := make([]*Field, 0, len(s.fields))
	for _, f := range s.fields {
		if f != nil && f.Len() > 0 {
			fields = append(fields, f)
		}
	}
	return fields
}
