// metadata.go: Per-parameter descriptive metadata and the provider contract
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"fmt"
)

// DefaultGroup is the group assigned to parameters whose metadata does not
// name one.
const DefaultGroup = "Default"

// EnumValue is a single named code of an enumerated parameter
type EnumValue struct {
	Code        Value
	Description string
}

// Metadata describes a parameter: its declared type, range, enumerated
// values and documentation. A Metadata is immutable once published by a
// provider.
type Metadata struct {
	Name             string
	Group            string
	Type             ValueType
	ShortDescription string
	LongDescription  string
	Units            string
	Decimals         int
	Min              *Value
	Max              *Value
	Default          *Value
	Enum             []EnumValue
	RebootRequired   bool

	// Generic is true for metadata synthesized from the wire type alone
	Generic bool
}

// MetadataProvider supplies metadata by parameter name.
type MetadataProvider interface {
	Lookup(name string) (*Metadata, bool)
}

// GenericMetadata builds the fallback metadata for a parameter that no
// provider knows about. Only the type is meaningful.
func GenericMetadata(name string, t ValueType) *Metadata {
	return &Metadata{
		Name:    name,
		Group:   DefaultGroup,
		Type:    t,
		Generic: true,
	}
}

// CheckRange verifies v against the declared min and max, if any. The
// returned error carries ErrCodeConversionError so write callers see one
// error class for every value that cannot be applied.
func (m *Metadata) CheckRange(v Value) error {
	if m == nil {
		return nil
	}
	if m.Min != nil && v.Float() < m.Min.Float() {
		return conversionError(v.String(), v.Type(), fmt.Sprintf("below minimum %s", m.Min.String()))
	}
	if m.Max != nil && v.Float() > m.Max.Float() {
		return conversionError(v.String(), v.Type(), fmt.Sprintf("above maximum %s", m.Max.String()))
	}
	return nil
}

// EnumDescription returns the label of v when the parameter is enumerated
func (m *Metadata) EnumDescription(v Value) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, e := range m.Enum {
		if e.Code.Float() == v.Float() {
			return e.Description, true
		}
	}
	return "", false
}

// metadataFor resolves metadata through p, falling back to generic metadata
func metadataFor(p MetadataProvider, name string, t ValueType) *Metadata {
	if p != nil {
		if m, ok := p.Lookup(name); ok && m != nil {
			return m
		}
	}
	return GenericMetadata(name, t)
}
