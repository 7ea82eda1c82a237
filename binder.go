// binder.go: Binding of Go variables to synchronized parameter values
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"fmt"
	"math"
	"strconv"
	"unsafe"

	"github.com/agilira/go-errors"
)

type bindKind uint8

const (
	bindString bindKind = iota
	bindInt
	bindInt64
	bindBool
	bindFloat64
)

// binding keeps a raw pointer plus a kind discriminator. The typed Bind*
// methods are the only way to create one, so the pointer always matches
// the kind.
type binding struct {
	target   unsafe.Pointer
	name     string
	defValue string
	kind     bindKind
}

// ParamBinder copies parameter values of one component into Go variables.
// Bindings are collected first and applied in one pass by Apply; a
// parameter that is not known yet gets the binding's default.
//
//	var rollP float64
//	var armed bool
//	err := hermes.NewParamBinder(engine.Directory(), 1).
//		BindFloat64(&rollP, "ATT_ROLL_P", 6.5).
//		BindBool(&armed, "COM_ARMED").
//		Apply()
type ParamBinder struct {
	directory   *Directory
	componentID int
	bindings    []binding
	err         error
}

// NewParamBinder creates a binder reading from dir
func NewParamBinder(dir *Directory, componentID int) *ParamBinder {
	pb := &ParamBinder{
		directory:   dir,
		componentID: componentID,
		bindings:    make([]binding, 0, 16),
	}
	if dir == nil {
		pb.err = errors.New(ErrCodeInvalidConfig, "parameter binder requires a directory")
	}
	return pb
}

// BindFromEngine creates a binder for an engine's component; DefaultComponent
// resolves through the default component rule
func BindFromEngine(e *Engine, componentID int) *ParamBinder {
	if componentID == DefaultComponent {
		id, ok := e.DefaultComponentID()
		if !ok {
			pb := NewParamBinder(e.Directory(), componentID)
			pb.err = errors.New(ErrCodeUnknownParameter, "no default component is known yet")
			return pb
		}
		componentID = id
	}
	return NewParamBinder(e.Directory(), componentID)
}

func (pb *ParamBinder) add(target unsafe.Pointer, name, def string, kind bindKind) *ParamBinder {
	if pb.err != nil {
		return pb
	}
	pb.bindings = append(pb.bindings, binding{target: target, name: name, defValue: def, kind: kind})
	return pb
}

// BindString binds the canonical text form of a parameter
func (pb *ParamBinder) BindString(target *string, name string, defaultValue ...string) *ParamBinder {
	def := ""
	if len(defaultValue) > 0 {
		def = defaultValue[0]
	}
	return pb.add(unsafe.Pointer(target), name, def, bindString) // #nosec G103 -- typed by the Bind* signature
}

// BindInt binds an integer parameter
func (pb *ParamBinder) BindInt(target *int, name string, defaultValue ...int) *ParamBinder {
	def := "0"
	if len(defaultValue) > 0 {
		def = strconv.Itoa(defaultValue[0])
	}
	return pb.add(unsafe.Pointer(target), name, def, bindInt) // #nosec G103 -- typed by the Bind* signature
}

// BindInt64 binds an integer parameter
func (pb *ParamBinder) BindInt64(target *int64, name string, defaultValue ...int64) *ParamBinder {
	def := "0"
	if len(defaultValue) > 0 {
		def = strconv.FormatInt(defaultValue[0], 10)
	}
	return pb.add(unsafe.Pointer(target), name, def, bindInt64) // #nosec G103 -- typed by the Bind* signature
}

// BindBool binds a parameter as a flag: any non-zero value is true
func (pb *ParamBinder) BindBool(target *bool, name string, defaultValue ...bool) *ParamBinder {
	def := "false"
	if len(defaultValue) > 0 && defaultValue[0] {
		def = "true"
	}
	return pb.add(unsafe.Pointer(target), name, def, bindBool) // #nosec G103 -- typed by the Bind* signature
}

// BindFloat64 binds a numeric parameter as float64
func (pb *ParamBinder) BindFloat64(target *float64, name string, defaultValue ...float64) *ParamBinder {
	def := "0"
	if len(defaultValue) > 0 {
		def = strconv.FormatFloat(defaultValue[0], 'g', -1, 64)
	}
	return pb.add(unsafe.Pointer(target), name, def, bindFloat64) // #nosec G103 -- typed by the Bind* signature
}

// Apply resolves every binding. It stops at the first error; bindings
// applied before it keep their new values.
func (pb *ParamBinder) Apply() error {
	if pb.err != nil {
		return pb.err
	}
	for _, b := range pb.bindings {
		if err := pb.applyBinding(b); err != nil {
			return errors.Wrap(err, ErrCodeConversionError, "failed to bind parameter '"+b.name+"'").
				WithContext("component", pb.componentID)
		}
	}
	return nil
}

// Missing returns the bound names the directory does not know yet
func (pb *ParamBinder) Missing() []string {
	if pb.directory == nil {
		return nil
	}
	var missing []string
	for _, b := range pb.bindings {
		if !pb.directory.Exists(pb.componentID, b.name) {
			missing = append(missing, b.name)
		}
	}
	return missing
}

func (pb *ParamBinder) applyBinding(b binding) error {
	p, ok := pb.directory.Lookup(pb.componentID, b.name)
	if !ok {
		return applyDefault(b)
	}
	v := p.Value

	switch b.kind {
	case bindString:
		*(*string)(b.target) = v.String()
	case bindInt:
		n, err := integral(v)
		if err != nil {
			return err
		}
		*(*int)(b.target) = int(n)
	case bindInt64:
		n, err := integral(v)
		if err != nil {
			return err
		}
		*(*int64)(b.target) = n
	case bindBool:
		*(*bool)(b.target) = v.Float() != 0
	case bindFloat64:
		*(*float64)(b.target) = v.Float()
	default:
		return errors.New(ErrCodeInvalidConfig, fmt.Sprintf("unsupported binding kind: %d", b.kind))
	}
	return nil
}

func applyDefault(b binding) error {
	var err error
	switch b.kind {
	case bindString:
		*(*string)(b.target) = b.defValue
	case bindInt:
		*(*int)(b.target), err = strconv.Atoi(b.defValue)
	case bindInt64:
		*(*int64)(b.target), err = strconv.ParseInt(b.defValue, 10, 64)
	case bindBool:
		*(*bool)(b.target), err = strconv.ParseBool(b.defValue)
	case bindFloat64:
		*(*float64)(b.target), err = strconv.ParseFloat(b.defValue, 64)
	}
	return err
}

// integral returns v as an integer; floats must have no fractional part
func integral(v Value) (int64, error) {
	if v.Type().IsInteger() {
		return v.Int(), nil
	}
	f := v.Float()
	if f != math.Trunc(f) {
		return 0, conversionError(v.String(), v.Type(), "not an integral value")
	}
	return int64(f), nil
}
