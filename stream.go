// stream.go: Text stream import and export of whole parameter sets
//
// The stream is tab separated, one parameter per line:
//
//	# Onboard parameters
//	#
//	# Component-Id	Name	Value	Type
//	1	ATT_ROLL_P	6.5	float
//
// Lines starting with # and blank lines are ignored. A five column variant
// with a leading target id is also accepted, and the type column may hold
// either a type name or a numeric wire type code.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/agilira/go-errors"
	"go.uber.org/zap"
)

// StreamEntry is one parsed stream line
type StreamEntry struct {
	Line        int
	ComponentID int
	Name        string
	Value       string
	Type        ValueType
}

// wire type codes found in streams written by other ground software
var streamTypeCodes = map[int]ValueType{
	1:  TypeUint8,
	2:  TypeInt8,
	3:  TypeUint16,
	4:  TypeInt16,
	5:  TypeUint32,
	6:  TypeInt32,
	9:  TypeFloat,
	10: TypeDouble,
}

// ParseStream parses a complete stream, failing on the first malformed line
func ParseStream(r io.Reader) ([]StreamEntry, error) {
	var entries []StreamEntry
	var first error
	err := scanStream(r, func(e StreamEntry) {
		entries = append(entries, e)
	}, func(err error) {
		if first == nil {
			first = err
		}
	})
	if err != nil {
		return nil, err
	}
	if first != nil {
		return nil, first
	}
	return entries, nil
}

// scanStream calls fn for each well-formed line and bad for each malformed
// one. Only read errors abort the scan.
func scanStream(r io.Reader, fn func(StreamEntry), bad func(error)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(strings.TrimSpace(text), "#") {
			continue
		}
		entry, err := parseStreamLine(line, text)
		if err != nil {
			bad(err)
			continue
		}
		fn(entry)
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, ErrCodeIOError, "failed to read parameter stream")
	}
	return nil
}

func parseStreamLine(line int, text string) (StreamEntry, error) {
	fields := strings.Split(text, "\t")
	switch len(fields) {
	case 4:
	case 5:
		fields = fields[1:]
	default:
		return StreamEntry{}, streamError(line, "expected 4 or 5 tab separated fields").
			WithContext("fields", len(fields))
	}

	component, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil || component <= 0 {
		return StreamEntry{}, streamError(line, "invalid component id").WithContext("component", fields[0])
	}
	name := strings.TrimSpace(fields[1])
	if name == "" {
		return StreamEntry{}, streamError(line, "empty parameter name")
	}
	t, err := parseStreamType(fields[3])
	if err != nil {
		return StreamEntry{}, streamError(line, "unknown value type").WithContext("type", fields[3])
	}
	return StreamEntry{
		Line:        line,
		ComponentID: component,
		Name:        name,
		Value:       strings.TrimSpace(fields[2]),
		Type:        t,
	}, nil
}

func parseStreamType(s string) (ValueType, error) {
	s = strings.TrimSpace(s)
	if code, err := strconv.Atoi(s); err == nil {
		if t, ok := streamTypeCodes[code]; ok {
			return t, nil
		}
		return TypeUnknown, errors.New(ErrCodeStreamFormat, "unknown wire type code")
	}
	return ParseValueType(s)
}

func streamError(line int, msg string) *errors.Error {
	return errors.New(ErrCodeStreamFormat, msg).WithContext("line", line)
}

// ValidateStream checks entries against metadata: the stream type must
// match the declared type, and values must convert strictly and respect
// the declared range. It returns one error per offending entry.
func ValidateStream(entries []StreamEntry, provider MetadataProvider) []error {
	var problems []error
	for _, e := range entries {
		meta := metadataFor(provider, e.Name, e.Type)
		t := e.Type
		if !meta.Generic && meta.Type != e.Type {
			problems = append(problems, streamError(e.Line, "type differs from metadata").
				WithContext("name", e.Name).
				WithContext("stream_type", e.Type.String()).
				WithContext("declared_type", meta.Type.String()))
			t = meta.Type
		}
		v, err := ParseValue(e.Value, t)
		if err != nil {
			problems = append(problems, errors.Wrap(err, ErrCodeStreamFormat, "value does not convert").
				WithContext("line", e.Line).
				WithContext("name", e.Name))
			continue
		}
		if err := meta.CheckRange(v); err != nil {
			problems = append(problems, errors.Wrap(err, ErrCodeStreamFormat, "value out of range").
				WithContext("line", e.Line).
				WithContext("name", e.Name))
		}
	}
	return problems
}

// WriteStream writes params in stream format. Parameters are written in
// the order given.
func WriteStream(w io.Writer, params []Parameter) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("# Onboard parameters\n#\n# Component-Id\tName\tValue\tType\n"); err != nil {
		return errors.Wrap(err, ErrCodeIOError, "failed to write parameter stream")
	}
	for _, p := range params {
		if _, err := fmt.Fprintf(bw, "%d\t%s\t%s\t%s\n", p.ComponentID, p.Name, p.Value.String(), p.Value.Type()); err != nil {
			return errors.Wrap(err, ErrCodeIOError, "failed to write parameter stream")
		}
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, ErrCodeIOError, "failed to write parameter stream")
	}
	return nil
}

// ReadParametersFromStream applies every stream line through the same write
// path as SetParameter. The stream type is used only when neither metadata
// nor a known value declares one. Lines that fail are skipped; the returned
// report lists them, one per line, and is empty when everything applied.
// The error is non-nil only when the stream cannot be read.
func (e *Engine) ReadParametersFromStream(r io.Reader) (string, error) {
	return e.ReadParametersFromStreamContext(context.Background(), r)
}

// ReadParametersFromStreamContext is ReadParametersFromStream with a bound on
// how long a line may wait for queue space. Streams larger than the event
// queue are applied in batches as the owner loop drains it.
func (e *Engine) ReadParametersFromStreamContext(ctx context.Context, r io.Reader) (string, error) {
	var report strings.Builder
	applied, failed := 0, 0

	err := scanStream(r, func(entry StreamEntry) {
		err := e.setParameter(entry.ComponentID, entry.Name, entry.Value, entry.Type, "stream")
		if ErrorCode(err) == ErrCodeQueueFull {
			if err = e.awaitQueueSpace(ctx); err == nil {
				err = e.setParameter(entry.ComponentID, entry.Name, entry.Value, entry.Type, "stream")
			}
		}
		if err != nil {
			failed++
			fmt.Fprintf(&report, "line %d: %s: %v\n", entry.Line, entry.Name, err)
			return
		}
		applied++
	}, func(err error) {
		failed++
		fmt.Fprintf(&report, "%v\n", err)
	})
	if err != nil {
		return report.String(), err
	}

	e.logger.Info("parameter stream imported",
		zap.Int("applied", applied),
		zap.Int("failed", failed))
	e.audit.Log(AuditInfo, "stream_import", AllComponents, "", nil, nil, map[string]interface{}{
		"applied": applied,
		"failed":  failed,
	})
	return report.String(), nil
}

// WriteParametersToStream exports every known parameter, component by
// component in ascending id order, each component in index order
func (e *Engine) WriteParametersToStream(w io.Writer) error {
	var params []Parameter
	for _, id := range e.directory.Components() {
		params = append(params, e.directory.Snapshot(id)...)
	}
	return WriteStream(w, params)
}
