// directory_test.go: Parameter directory tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustInt(t *testing.T, n int64, typ ValueType) Value {
	t.Helper()
	v, err := IntValue(n, typ)
	if err != nil {
		t.Fatalf("IntValue(%d, %v) failed: %v", n, typ, err)
	}
	return v
}

func TestDirectory_UpsertAndLookup(t *testing.T) {
	d := NewDirectory(nil)

	if !d.Upsert(1, 0, "A", mustInt(t, 1, TypeInt32)) {
		t.Error("first upsert should report a new name")
	}
	if d.Upsert(1, 0, "A", mustInt(t, 2, TypeInt32)) {
		t.Error("second upsert should not report a new name")
	}

	p, ok := d.Lookup(1, "A")
	if !ok || p.Value.Int() != 2 || p.Index != 0 || p.ComponentID != 1 {
		t.Fatalf("Lookup = %+v, %v", p, ok)
	}
	if p.Metadata == nil || !p.Metadata.Generic || p.Group != DefaultGroup {
		t.Errorf("parameter without catalog entry should get generic metadata: %+v", p.Metadata)
	}

	// returned values are copies
	p.Name = "changed"
	if again, _ := d.Lookup(1, "A"); again.Name != "A" {
		t.Error("Lookup must return a copy")
	}

	if _, ok := d.Lookup(2, "A"); ok {
		t.Error("names are scoped per component")
	}
	if name, ok := d.LookupIndex(1, 0); !ok || name.Name != "A" {
		t.Errorf("LookupIndex(1, 0) = %+v, %v", name, ok)
	}
}

func TestDirectory_IndexMoves(t *testing.T) {
	d := NewDirectory(nil)
	d.Upsert(1, 0, "A", mustInt(t, 1, TypeInt32))
	d.Upsert(1, 1, "B", mustInt(t, 2, TypeInt32))

	// the remote renumbered: B now lives at index 0
	d.Upsert(1, 0, "B", mustInt(t, 2, TypeInt32))

	a, _ := d.Lookup(1, "A")
	b, _ := d.Lookup(1, "B")
	if a.Index != NoIndex || b.Index != 0 {
		t.Errorf("indices after move: A=%d B=%d", a.Index, b.Index)
	}
	if _, ok := d.LookupIndex(1, 1); ok {
		t.Error("the old index of B should be free")
	}

	// an upsert without an index keeps the known one
	d.Upsert(1, NoIndex, "B", mustInt(t, 5, TypeInt32))
	if b, _ := d.Lookup(1, "B"); b.Index != 0 || b.Value.Int() != 5 {
		t.Errorf("B = %+v", b)
	}
}

func TestDirectory_SnapshotOrder(t *testing.T) {
	d := NewDirectory(nil)
	d.Upsert(1, NoIndex, "W", mustInt(t, 0, TypeUint8))
	d.Upsert(1, 2, "C", mustInt(t, 0, TypeUint8))
	d.Upsert(1, NoIndex, "V", mustInt(t, 0, TypeUint8))
	d.Upsert(1, 0, "A", mustInt(t, 0, TypeUint8))

	var names []string
	for _, p := range d.Snapshot(1) {
		names = append(names, p.Name)
	}
	if diff := cmp.Diff([]string{"A", "C", "W", "V"}, names); diff != "" {
		t.Errorf("snapshot order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"W", "C", "V", "A"}, d.Names(1)); diff != "" {
		t.Errorf("names should keep insertion order (-want +got):\n%s", diff)
	}
	if d.Snapshot(9) != nil || d.Names(9) != nil {
		t.Error("unknown component should have no parameters")
	}
}

func TestDirectory_ComponentsAndCount(t *testing.T) {
	d := NewDirectory(nil)
	d.Upsert(7, 0, "X", mustInt(t, 0, TypeInt8))
	d.Upsert(1, 0, "A", mustInt(t, 0, TypeInt8))
	d.Upsert(1, 1, "B", mustInt(t, 0, TypeInt8))

	if diff := cmp.Diff([]int{1, 7}, d.Components()); diff != "" {
		t.Errorf("components mismatch (-want +got):\n%s", diff)
	}
	if d.Count(1) != 2 || d.Count(7) != 1 || d.Count(3) != 0 {
		t.Errorf("counts = %d, %d, %d", d.Count(1), d.Count(7), d.Count(3))
	}
	if !d.Exists(7, "X") || d.Exists(7, "A") {
		t.Error("Exists mismatch")
	}
}

func TestDirectory_MetadataRebinding(t *testing.T) {
	d := NewDirectory(nil)
	d.Upsert(1, 0, "ATT_P", mustInt(t, 3, TypeInt32))
	d.Upsert(1, 1, "SYS_ID", mustInt(t, 1, TypeUint8))

	before := d.GroupMap(1)
	if diff := cmp.Diff(map[string][]string{DefaultGroup: {"ATT_P", "SYS_ID"}}, before); diff != "" {
		t.Errorf("generic groups mismatch (-want +got):\n%s", diff)
	}

	d.SetMetadataProvider(mapProvider{
		"ATT_P": {Name: "ATT_P", Group: "Attitude", Type: TypeInt32, Units: "deg"},
	})

	p, _ := d.Lookup(1, "ATT_P")
	if p.Metadata.Generic || p.Metadata.Units != "deg" || p.Group != "Attitude" {
		t.Errorf("ATT_P metadata not rebound: %+v", p.Metadata)
	}
	want := map[string][]string{
		"Attitude":   {"ATT_P"},
		DefaultGroup: {"SYS_ID"},
	}
	if diff := cmp.Diff(want, d.GroupMap(1)); diff != "" {
		t.Errorf("catalog groups mismatch (-want +got):\n%s", diff)
	}

	// callers cannot corrupt the group index
	got := d.GroupMap(1)
	got["Attitude"][0] = "mutated"
	if diff := cmp.Diff(want, d.GroupMap(1)); diff != "" {
		t.Errorf("GroupMap must return copies (-want +got):\n%s", diff)
	}
}

func TestDirectory_GenericMetadataFollowsType(t *testing.T) {
	d := NewDirectory(nil)
	d.Upsert(1, 0, "A", mustInt(t, 1, TypeUint8))
	d.Upsert(1, 0, "A", mustInt(t, 1, TypeInt32))

	p, _ := d.Lookup(1, "A")
	if p.Metadata.Type != TypeInt32 {
		t.Errorf("generic metadata type = %v, want int32", p.Metadata.Type)
	}
}

func TestResolveDefaultComponent(t *testing.T) {
	tests := []struct {
		name      string
		counts    map[int]int
		preferred int
		want      int
		ok        bool
	}{
		{"empty", map[int]int{}, 0, 0, false},
		{"most parameters", map[int]int{1: 10, 2: 40}, 0, 2, true},
		{"tie goes to lowest id", map[int]int{3: 5, 2: 5}, 0, 2, true},
		{"preferred present", map[int]int{1: 10, 2: 40}, 1, 1, true},
		{"preferred absent", map[int]int{1: 10, 2: 40}, 5, 2, true},
		{"broadcast id ignored", map[int]int{0: 99, 4: 1}, 0, 4, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ResolveDefaultComponent(tt.counts, tt.preferred)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ResolveDefaultComponent = %d, %v; want %d, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestDirectory_ConcurrentReaders(t *testing.T) {
	d := NewDirectory(nil)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			v, _ := IntValue(int64(i), TypeInt32)
			d.Upsert(1, i%50, "P"+string(rune('A'+i%50)), v)
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_ = d.Snapshot(1)
				_ = d.GroupMap(1)
				_, _ = d.Lookup(1, "PA")
			}
		}()
	}
	wg.Wait()

	if d.Count(1) != 50 {
		t.Errorf("Count = %d, want 50", d.Count(1))
	}
}
