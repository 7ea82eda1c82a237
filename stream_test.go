// stream_test.go: Parameter stream import and export tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseStream(t *testing.T) {
	input := "# Onboard parameters\n" +
		"#\n" +
		"\n" +
		"1\tATT_ROLL_P\t6.5\tfloat\r\n" +
		"1\tSYS_ID\t 42 \t6\n" +
		"255\t2\tCAM_MODE\t3\tuint8_t\n"

	entries, err := ParseStream(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseStream failed: %v", err)
	}
	want := []StreamEntry{
		{Line: 4, ComponentID: 1, Name: "ATT_ROLL_P", Value: "6.5", Type: TypeFloat},
		{Line: 5, ComponentID: 1, Name: "SYS_ID", Value: "42", Type: TypeInt32},
		{Line: 6, ComponentID: 2, Name: "CAM_MODE", Value: "3", Type: TypeUint8},
	}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
}

func TestParseStream_Malformed(t *testing.T) {
	tests := map[string]string{
		"too few fields":    "1\tA\t1\n",
		"too many fields":   "1\t1\tA\t1\tint32\textra\n",
		"bad component":     "one\tA\t1\tint32\n",
		"zero component":    "0\tA\t1\tint32\n",
		"empty name":        "1\t \t1\tint32\n",
		"unknown type":      "1\tA\t1\tcomplex\n",
		"unknown type code": "1\tA\t1\t7\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseStream(strings.NewReader("1\tOK\t1\tint32\n" + input))
			if ErrorCode(err) != ErrCodeStreamFormat {
				t.Errorf("code = %q, want %q", ErrorCode(err), ErrCodeStreamFormat)
			}
		})
	}
}

func TestValidateStream(t *testing.T) {
	limit, _ := IntValue(10, TypeUint8)
	provider := mapProvider{
		"GAIN": {Name: "GAIN", Type: TypeUint8, Max: &limit},
	}
	entries := []StreamEntry{
		{Line: 1, ComponentID: 1, Name: "GAIN", Value: "42", Type: TypeInt32},
		{Line: 2, ComponentID: 1, Name: "GAIN", Value: "7", Type: TypeUint8},
		{Line: 3, ComponentID: 1, Name: "OTHER", Value: "x", Type: TypeInt32},
		{Line: 4, ComponentID: 1, Name: "OTHER", Value: "-3", Type: TypeInt32},
	}

	problems := ValidateStream(entries, provider)
	// line 1 has the wrong type and is out of range, line 3 does not convert
	if len(problems) != 3 {
		t.Fatalf("problems = %v", problems)
	}
	for _, p := range problems {
		if ErrorCode(p) != ErrCodeStreamFormat {
			t.Errorf("code = %q", ErrorCode(p))
		}
	}
}

func TestEngine_WriteParametersToStream(t *testing.T) {
	h := newHarness(t)
	h.syncComponent(1, "A", "B")

	var buf bytes.Buffer
	if err := h.engine.WriteParametersToStream(&buf); err != nil {
		t.Fatalf("WriteParametersToStream failed: %v", err)
	}
	want := "# Onboard parameters\n#\n# Component-Id\tName\tValue\tType\n" +
		"1\tA\t0\tint32\n" +
		"1\tB\t1\tint32\n"
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Errorf("stream mismatch (-want +got):\n%s", diff)
	}

	entries, err := ParseStream(&buf)
	if err != nil || len(entries) != 2 {
		t.Fatalf("exported stream should parse back: %v, %v", entries, err)
	}
}

func TestEngine_ReadParametersFromStream(t *testing.T) {
	h := newHarness(t)
	h.syncComponent(1, "A", "B")

	input := "# restored\n" +
		"1\tA\t42\tint32\n" +
		"1\tB\tabc\tint32\n" +
		"1\tA\t7\n" +
		"bogus line\n" +
		"255\t1\tB\t9\t6\n"

	report, err := h.engine.ReadParametersFromStream(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadParametersFromStream failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(report), "\n")
	if len(lines) != 3 {
		t.Fatalf("report should list 3 failed lines, got %q", report)
	}
	if !strings.HasPrefix(lines[0], "line 3: B:") {
		t.Errorf("first failure = %q", lines[0])
	}

	h.step()
	writes := ofKind(h.link.take(), "write")
	var names []string
	for _, w := range writes {
		names = append(names, w.name)
	}
	if diff := cmp.Diff([]string{"A", "B"}, names); diff != "" {
		t.Errorf("writes mismatch (-want +got):\n%s", diff)
	}
	if p, _ := h.engine.Fact(1, "A"); p.Value.Int() != 42 {
		t.Errorf("A = %v, want 42", p.Value)
	}
	if p, _ := h.engine.Fact(1, "B"); p.Value.Int() != 9 {
		t.Errorf("B = %v, want 9", p.Value)
	}
}

func TestEngine_ReadParametersFromStream_Clean(t *testing.T) {
	h := newHarness(t)
	h.syncComponent(1, "A")

	report, err := h.engine.ReadParametersFromStream(strings.NewReader("1\tA\t5\tint32\n"))
	if err != nil || report != "" {
		t.Errorf("report %q, err %v", report, err)
	}
}

func TestEngine_ReadParametersFromStream_LargerThanQueue(t *testing.T) {
	h := newHarness(t)

	const n = 1500
	var input strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&input, "1\tP%04d\t%d\tint32\n", i, i)
	}

	report, err := h.engine.ReadParametersFromStream(strings.NewReader(input.String()))
	if err != nil || report != "" {
		t.Fatalf("report %q, err %v", report, err)
	}
	h.step()

	if got := len(ofKind(h.link.take(), "write")); got != n {
		t.Errorf("writes = %d, want %d", got, n)
	}
	if got := len(h.engine.ParameterNames(1)); got != n {
		t.Errorf("parameters = %d, want %d", got, n)
	}
	if p, _ := h.engine.Fact(1, "P1499"); p.Value.Int() != 1499 {
		t.Errorf("P1499 = %v", p.Value)
	}
}

// loadComponent synchronizes one component whose parameters are values,
// named P0000 onwards
func loadComponent(h *harness, componentID int, values []Value) {
	h.t.Helper()
	if err := h.engine.RefreshAllParameters(componentID); err != nil {
		h.t.Fatal(err)
	}
	h.step()
	for i, v := range values {
		h.report(componentID, fmt.Sprintf("P%04d", i), i, len(values), v)
		if i%256 == 255 {
			h.step()
		}
	}
	h.step()
	if state := h.engine.ComponentState(componentID); state != StateReady {
		h.t.Fatalf("component %d state = %v, want ready", componentID, state)
	}
}

func mixedValues(t *testing.T, n int) []Value {
	t.Helper()
	values := make([]Value, n)
	for i := range values {
		var (
			v   Value
			err error
		)
		switch i % 3 {
		case 0:
			v, err = IntValue(int64(i-n/2), TypeInt32)
		case 1:
			v, err = FloatValue(float64(i)*0.37, TypeFloat)
		default:
			v, err = FloatValue(float64(i)/7, TypeDouble)
		}
		if err != nil {
			t.Fatal(err)
		}
		values[i] = v
	}
	return values
}

func TestEngine_StreamRoundTrip(t *testing.T) {
	leakCheck(t)

	src := newHarness(t)
	loadComponent(src, 1, mixedValues(t, 1500))
	pi, err := FloatValue(math.Pi, TypeDouble)
	if err != nil {
		t.Fatal(err)
	}
	loadComponent(src, 2, []Value{mustInt(t, 200, TypeUint8), mustInt(t, -5, TypeInt16), pi})

	var exported bytes.Buffer
	if err := src.engine.WriteParametersToStream(&exported); err != nil {
		t.Fatalf("WriteParametersToStream failed: %v", err)
	}

	dst, err := New(&fakeTransport{}, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = dst.Close() }()
	if err := dst.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	report, err := dst.ReadParametersFromStream(&exported)
	if err != nil || report != "" {
		t.Fatalf("report %q, err %v", report, err)
	}
	waitFor(t, "imported parameters", func() bool { return dst.Stats().Parameters == 1503 })

	for _, id := range []int{1, 2} {
		for _, want := range src.engine.directory.Snapshot(id) {
			got, ok := dst.Fact(id, want.Name)
			if !ok || !got.Value.Equal(want.Value) {
				t.Errorf("component %d %s = %v (%v), want %v (%v)",
					id, want.Name, got.Value, got.Value.Type(), want.Value, want.Value.Type())
			}
		}
	}
}
