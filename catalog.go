// catalog.go: YAML metadata catalog
//
// A catalog describes parameters by name, organized in groups:
//
//	version: 3
//	groups:
//	  - name: Attitude
//	    parameters:
//	      - name: ATT_ROLL_P
//	        type: FLOAT
//	        default: 6.5
//	        short_desc: Roll P gain
//	        min: 0
//	        max: 12
//	        unit: 1/s
//	        decimal: 2
//	        reboot_required: false
//	        values:
//	          - code: 0
//	            description: Disabled
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"os"
	"sort"
	"strings"

	"github.com/agilira/go-errors"
	"go.uber.org/zap"
	"go.yaml.in/yaml/v3"
)

// MinCatalogVersion is the oldest catalog format that can be read
const MinCatalogVersion = 3

type catalogDocument struct {
	Version int            `yaml:"version"`
	Groups  []catalogGroup `yaml:"groups"`
}

type catalogGroup struct {
	Name       string         `yaml:"name"`
	Parameters []catalogParam `yaml:"parameters"`
}

type catalogParam struct {
	Name           string         `yaml:"name"`
	Type           string         `yaml:"type"`
	Default        string         `yaml:"default"`
	ShortDesc      string         `yaml:"short_desc"`
	LongDesc       string         `yaml:"long_desc"`
	Min            string         `yaml:"min"`
	Max            string         `yaml:"max"`
	Unit           string         `yaml:"unit"`
	Decimal        *int           `yaml:"decimal"`
	RebootRequired bool           `yaml:"reboot_required"`
	Values         []catalogValue `yaml:"values"`
}

type catalogValue struct {
	Code        string `yaml:"code"`
	Description string `yaml:"description"`
}

// Catalog is a MetadataProvider loaded from a YAML descriptor. It is
// immutable after loading and safe for concurrent use.
type Catalog struct {
	version  int
	params   map[string]*Metadata
	groups   map[string][]string
	warnings []error
}

// LoadCatalog reads and parses a catalog file
func LoadCatalog(path string, logger *zap.Logger) (*Catalog, error) {
	if err := ValidateSecurePath(path); err != nil {
		return nil, err
	}
	// #nosec G304 -- path validated above
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeIOError, "failed to read metadata catalog").
			WithContext("path", path)
	}
	return ParseCatalog(data, logger)
}

// ParseCatalog parses a catalog document. Structural problems (bad YAML,
// old version, a parameter without name or with an unknown type) fail the
// whole load. Problems confined to one attribute are recorded as warnings
// and the attribute is left unset. A duplicated name replaces the earlier
// definition and is reported as a DuplicateDefinition warning.
func ParseCatalog(data []byte, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var doc catalogDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, ErrCodeMetadataError, "malformed metadata catalog")
	}
	if doc.Version < MinCatalogVersion {
		return nil, errors.New(ErrCodeMetadataError, "metadata catalog version too old").
			WithContext("version", doc.Version).
			WithContext("min_version", MinCatalogVersion)
	}

	c := &Catalog{
		version: doc.Version,
		params:  make(map[string]*Metadata),
		groups:  make(map[string][]string),
	}

	for _, group := range doc.Groups {
		if strings.TrimSpace(group.Name) == "" {
			return nil, errors.New(ErrCodeMetadataError, "metadata group without name")
		}
		for _, p := range group.Parameters {
			meta, err := c.buildMetadata(group.Name, p, logger)
			if err != nil {
				return nil, err
			}
			if prev, dup := c.params[meta.Name]; dup {
				warning := errors.New(ErrCodeDuplicateDefinition, "duplicate parameter definition").
					WithContext("name", meta.Name).
					WithContext("previous_group", prev.Group).
					WithContext("group", meta.Group)
				c.warnings = append(c.warnings, warning)
				logger.Warn("duplicate parameter in metadata catalog",
					zap.String("param", meta.Name),
					zap.String("previous_group", prev.Group),
					zap.String("group", meta.Group))
			}
			c.params[meta.Name] = meta
		}
	}

	for name, meta := range c.params {
		c.groups[meta.Group] = append(c.groups[meta.Group], name)
	}
	for _, names := range c.groups {
		sort.Strings(names)
	}

	logger.Debug("metadata catalog loaded",
		zap.Int("version", c.version),
		zap.Int("params", len(c.params)),
		zap.Int("warnings", len(c.warnings)))
	return c, nil
}

func (c *Catalog) buildMetadata(group string, p catalogParam, logger *zap.Logger) (*Metadata, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, errors.New(ErrCodeMetadataError, "metadata parameter without name").
			WithContext("group", group)
	}
	t, err := ParseValueType(p.Type)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeMetadataError, "metadata parameter with unknown type").
			WithContext("name", name).
			WithContext("type", p.Type)
	}

	meta := &Metadata{
		Name:             name,
		Group:            group,
		Type:             t,
		ShortDescription: strings.ReplaceAll(strings.TrimSpace(p.ShortDesc), "\n", " "),
		LongDescription:  strings.ReplaceAll(strings.TrimSpace(p.LongDesc), "\n", " "),
		Units:            p.Unit,
		RebootRequired:   p.RebootRequired,
	}

	warn := func(attr, raw string) {
		c.warnings = append(c.warnings, errors.New(ErrCodeMetadataError, "invalid "+attr+" value").
			WithContext("name", name).
			WithContext("type", t.String()).
			WithContext("value", raw))
		logger.Warn("invalid metadata attribute",
			zap.String("param", name),
			zap.String("attribute", attr),
			zap.String("value", raw))
	}

	// min, max and default convert leniently: a value that cannot be
	// represented leaves the attribute unset
	if p.Min != "" {
		if v, ok := ParseValueLenient(p.Min, t); ok {
			meta.Min = &v
		} else {
			warn("min", p.Min)
		}
	}
	if p.Max != "" {
		if v, ok := ParseValueLenient(p.Max, t); ok {
			meta.Max = &v
		} else {
			warn("max", p.Max)
		}
	}
	if p.Default != "" {
		if v, ok := ParseValueLenient(p.Default, t); ok {
			meta.Default = &v
			if meta.CheckRange(v) != nil {
				warn("default", p.Default)
			}
		} else {
			warn("default", p.Default)
		}
	}

	if p.Decimal != nil {
		if *p.Decimal >= 0 {
			meta.Decimals = *p.Decimal
		} else {
			warn("decimal", "negative")
		}
	}

	// enumerated codes convert strictly
	for _, ev := range p.Values {
		code, err := ParseValue(ev.Code, t)
		if err != nil {
			warn("enum code", ev.Code)
			continue
		}
		meta.Enum = append(meta.Enum, EnumValue{Code: code, Description: ev.Description})
	}
	return meta, nil
}

// Lookup implements MetadataProvider
func (c *Catalog) Lookup(name string) (*Metadata, bool) {
	if c == nil {
		return nil, false
	}
	m, ok := c.params[name]
	return m, ok
}

// Version returns the catalog format version
func (c *Catalog) Version() int { return c.version }

// Len returns the number of described parameters
func (c *Catalog) Len() int { return len(c.params) }

// Names returns every described parameter name, sorted
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.params))
	for name := range c.params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Groups maps each group to its sorted parameter names
func (c *Catalog) Groups() map[string][]string {
	out := make(map[string][]string, len(c.groups))
	for g, names := range c.groups {
		out[g] = append([]string(nil), names...)
	}
	return out
}

// Warnings returns the non-fatal problems found while loading
func (c *Catalog) Warnings() []error {
	return append([]error(nil), c.warnings...)
}
