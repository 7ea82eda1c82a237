// binder_test.go: Parameter binding tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func binderDirectory(t *testing.T) *Directory {
	t.Helper()
	dir := NewDirectory(nil)
	roll, err := FloatValue(6.5, TypeFloat)
	if err != nil {
		t.Fatal(err)
	}
	whole, err := FloatValue(3, TypeDouble)
	if err != nil {
		t.Fatal(err)
	}
	dir.Upsert(1, 0, "ATT_ROLL_P", roll)
	dir.Upsert(1, 1, "SYS_ID", mustInt(t, 42, TypeInt32))
	dir.Upsert(1, 2, "COM_ARMED", mustInt(t, 1, TypeUint8))
	dir.Upsert(1, 3, "NAV_LOITER", whole)
	return dir
}

func TestParamBinder_Apply(t *testing.T) {
	dir := binderDirectory(t)

	var (
		rollP    float64
		sysID    int
		sysID64  int64
		armed    bool
		loiter   int
		rollText string
		missing  = "keep"
	)
	err := NewParamBinder(dir, 1).
		BindFloat64(&rollP, "ATT_ROLL_P").
		BindInt(&sysID, "SYS_ID").
		BindInt64(&sysID64, "SYS_ID").
		BindBool(&armed, "COM_ARMED").
		BindInt(&loiter, "NAV_LOITER").
		BindString(&rollText, "ATT_ROLL_P").
		BindString(&missing, "NOT_THERE", "fallback").
		Apply()
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if rollP != 6.5 || sysID != 42 || sysID64 != 42 || !armed || loiter != 3 {
		t.Errorf("bound = %v %d %d %v %d", rollP, sysID, sysID64, armed, loiter)
	}
	if rollText != "6.5" || missing != "fallback" {
		t.Errorf("strings = %q, %q", rollText, missing)
	}
}

func TestParamBinder_Defaults(t *testing.T) {
	var (
		i   int
		i64 int64
		b   bool
		f   float64
		s   string
	)
	pb := NewParamBinder(NewDirectory(nil), 1).
		BindInt(&i, "A", 7).
		BindInt64(&i64, "B", -9).
		BindBool(&b, "C", true).
		BindFloat64(&f, "D", 0.25).
		BindString(&s, "E")
	if err := pb.Apply(); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if i != 7 || i64 != -9 || !b || f != 0.25 || s != "" {
		t.Errorf("defaults = %d %d %v %v %q", i, i64, b, f, s)
	}
	if diff := cmp.Diff([]string{"A", "B", "C", "D", "E"}, pb.Missing()); diff != "" {
		t.Errorf("Missing() mismatch (-want +got):\n%s", diff)
	}
}

func TestParamBinder_FractionalIntoInt(t *testing.T) {
	dir := binderDirectory(t)
	var n int
	err := NewParamBinder(dir, 1).BindInt(&n, "ATT_ROLL_P").Apply()
	if ErrorCode(err) != ErrCodeConversionError {
		t.Errorf("code = %q, want %q", ErrorCode(err), ErrCodeConversionError)
	}
}

func TestParamBinder_NilDirectory(t *testing.T) {
	var s string
	pb := NewParamBinder(nil, 1).BindString(&s, "A")
	if err := pb.Apply(); ErrorCode(err) != ErrCodeInvalidConfig {
		t.Errorf("code = %q", ErrorCode(err))
	}
	if pb.Missing() != nil {
		t.Error("nil directory has nothing to report")
	}
}

func TestBindFromEngine(t *testing.T) {
	h := newHarness(t)

	var a int
	if err := BindFromEngine(h.engine, DefaultComponent).BindInt(&a, "A").Apply(); ErrorCode(err) != ErrCodeUnknownParameter {
		t.Errorf("no default component: code = %q", ErrorCode(err))
	}

	h.syncComponent(1, "A", "B")
	var b int
	if err := BindFromEngine(h.engine, 1).BindInt(&b, "B").Apply(); err != nil || b != 1 {
		t.Errorf("B = %d, err %v", b, err)
	}
}
