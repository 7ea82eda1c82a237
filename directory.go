// directory.go: In-memory parameter directory keyed by component, name and index
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"sort"
	"sync"
)

// NoIndex marks a parameter whose position in the remote table is unknown
const NoIndex = -1

// Parameter is a snapshot of one directory entry. Values returned by the
// Directory are copies; mutating them has no effect on the directory.
type Parameter struct {
	ComponentID int
	Name        string
	Index       int
	Value       Value
	Group       string
	Metadata    *Metadata
}

// componentTable holds the parameters of a single component
type componentTable struct {
	order   []string // insertion order
	byName  map[string]*Parameter
	byIndex map[int]string
}

func newComponentTable() *componentTable {
	return &componentTable{
		byName:  make(map[string]*Parameter),
		byIndex: make(map[int]string),
	}
}

// Directory is the single source of truth for what the engine believes
// the remote parameter values are. Parameters are created the first time
// any response reveals them and are never removed during a session.
//
// All methods are safe for concurrent use. The engine's owner goroutine is
// the only writer; readers may be anywhere.
type Directory struct {
	mu          sync.RWMutex
	components  map[int]*componentTable
	meta        MetadataProvider
	groups      map[int]map[string][]string
	groupsDirty bool
}

// NewDirectory creates an empty directory. meta may be nil, in which case
// every parameter receives generic metadata.
func NewDirectory(meta MetadataProvider) *Directory {
	return &Directory{
		components: make(map[int]*componentTable),
		meta:       meta,
		groups:     make(map[int]map[string][]string),
	}
}

// SetMetadataProvider replaces the provider and rebinds the metadata and
// group of every known parameter.
func (d *Directory) SetMetadataProvider(p MetadataProvider) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.meta = p
	for _, table := range d.components {
		for _, name := range table.order {
			param := table.byName[name]
			param.Metadata = metadataFor(p, name, param.Value.Type())
			param.Group = groupOf(param.Metadata)
		}
	}
	d.groupsDirty = true
}

// Metadata returns the metadata the directory would assign to name
func (d *Directory) Metadata(name string, t ValueType) *Metadata {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return metadataFor(d.meta, name, t)
}

// Exists reports whether the parameter is known
func (d *Directory) Exists(componentID int, name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	table, ok := d.components[componentID]
	if !ok {
		return false
	}
	_, ok = table.byName[name]
	return ok
}

// Names returns the parameter names of a component in insertion order
func (d *Directory) Names(componentID int) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	table, ok := d.components[componentID]
	if !ok {
		return nil
	}
	names := make([]string, len(table.order))
	copy(names, table.order)
	return names
}

// Lookup returns the parameter and true, or the zero Parameter and false
// when the parameter is not known.
func (d *Directory) Lookup(componentID int, name string) (Parameter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	table, ok := d.components[componentID]
	if !ok {
		return Parameter{}, false
	}
	param, ok := table.byName[name]
	if !ok {
		return Parameter{}, false
	}
	return *param, true
}

// LookupIndex resolves a parameter by its index in the remote table
func (d *Directory) LookupIndex(componentID, index int) (Parameter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	table, ok := d.components[componentID]
	if !ok {
		return Parameter{}, false
	}
	name, ok := table.byIndex[index]
	if !ok {
		return Parameter{}, false
	}
	return *table.byName[name], true
}

// Upsert inserts or overwrites a parameter value. index may be NoIndex.
// When a known index moves to a different name, the newer name wins.
// It reports whether the name was new.
func (d *Directory) Upsert(componentID, index int, name string, v Value) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	table, ok := d.components[componentID]
	if !ok {
		table = newComponentTable()
		d.components[componentID] = table
	}

	param, exists := table.byName[name]
	if !exists {
		meta := metadataFor(d.meta, name, v.Type())
		param = &Parameter{
			ComponentID: componentID,
			Name:        name,
			Index:       NoIndex,
			Metadata:    meta,
			Group:       groupOf(meta),
		}
		table.byName[name] = param
		table.order = append(table.order, name)
		d.groupsDirty = true
	}

	if param.Metadata != nil && param.Metadata.Generic && param.Metadata.Type != v.Type() {
		param.Metadata = GenericMetadata(name, v.Type())
	}
	param.Value = v

	if index >= 0 && index != param.Index {
		if previous, taken := table.byIndex[index]; taken && previous != name {
			table.byName[previous].Index = NoIndex
		}
		if param.Index >= 0 {
			delete(table.byIndex, param.Index)
		}
		param.Index = index
		table.byIndex[index] = name
	}
	return !exists
}

// Components returns the ids of all components with at least one parameter
func (d *Directory) Components() []int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]int, 0, len(d.components))
	for id := range d.components {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Count returns the number of parameters known for a component
func (d *Directory) Count(componentID int) int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if table, ok := d.components[componentID]; ok {
		return len(table.order)
	}
	return 0
}

// Snapshot returns every parameter of a component ordered by index.
// Parameters without an index follow, in insertion order.
func (d *Directory) Snapshot(componentID int) []Parameter {
	d.mu.RLock()
	defer d.mu.RUnlock()

	table, ok := d.components[componentID]
	if !ok {
		return nil
	}
	out := make([]Parameter, 0, len(table.order))
	for _, name := range table.order {
		out = append(out, *table.byName[name])
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Index, out[j].Index
		switch {
		case a < 0 && b < 0:
			return false
		case a < 0:
			return false
		case b < 0:
			return true
		default:
			return a < b
		}
	})
	return out
}

// GroupMap returns group name to member names for a component. Members keep
// insertion order. The index is rebuilt lazily after new names appear.
func (d *Directory) GroupMap(componentID int) map[string][]string {
	d.mu.Lock()
	if d.groupsDirty {
		d.rebuildGroupsLocked()
	}
	groups := d.groups[componentID]
	out := make(map[string][]string, len(groups))
	for group, names := range groups {
		members := make([]string, len(names))
		copy(members, names)
		out[group] = members
	}
	d.mu.Unlock()
	return out
}

// rebuildGroupsLocked recomputes the group index (caller holds mu)
func (d *Directory) rebuildGroupsLocked() {
	groups := make(map[int]map[string][]string, len(d.components))
	for id, table := range d.components {
		byGroup := make(map[string][]string)
		for _, name := range table.order {
			group := table.byName[name].Group
			byGroup[group] = append(byGroup[group], name)
		}
		groups[id] = byGroup
	}
	d.groups = groups
	d.groupsDirty = false
}

func groupOf(m *Metadata) string {
	if m == nil || m.Group == "" {
		return DefaultGroup
	}
	return m.Group
}

// ResolveDefaultComponent picks the component that unqualified lookups
// address. A preferred id wins when that component is present; otherwise
// the component declaring the most parameters wins, ties going to the
// lowest id. counts maps component id to declared parameter count.
func ResolveDefaultComponent(counts map[int]int, preferred int) (int, bool) {
	if preferred > 0 {
		if _, ok := counts[preferred]; ok {
			return preferred, true
		}
	}
	best, bestCount, found := 0, -1, false
	for id, count := range counts {
		if id <= 0 {
			continue
		}
		if count > bestCount || (count == bestCount && id < best) {
			best, bestCount, found = id, count, true
		}
	}
	return best, found
}
