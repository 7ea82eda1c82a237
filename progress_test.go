// progress_test.go: Progress emission and completion signal tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestProgress_StepsAndCompletionOrder(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ProgressStep = 0.25 })
	if err := h.engine.RefreshAllParameters(1); err != nil {
		t.Fatal(err)
	}
	h.step()

	for i := 0; i < 8; i++ {
		h.report(1, string(rune('A'+i)), i, 8, int32Value(t, int64(i)))
		h.step()
	}

	if diff := cmp.Diff([]float64{0.25, 0.5, 0.75, 1}, h.progress); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"progress", "progress", "progress", "progress", "ready"}, h.hooks); diff != "" {
		t.Errorf("hook order mismatch (-want +got):\n%s", diff)
	}
}

func TestProgress_CountsFailedIndices(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ProgressStep = 0.5 })
	if err := h.engine.RefreshAllParameters(1); err != nil {
		t.Fatal(err)
	}
	h.step()
	h.report(1, "A", 0, 2, int32Value(t, 1))
	h.step()

	if diff := cmp.Diff([]float64{0.5}, h.progress); diff != "" {
		t.Fatalf("progress mismatch (-want +got):\n%s", diff)
	}
	for i := 0; i < 4; i++ {
		h.advance(time.Second)
	}

	if diff := cmp.Diff([]float64{0.5, 1}, h.progress); diff != "" {
		t.Errorf("a failed index should still complete the cycle (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{true}, h.ready); diff != "" {
		t.Errorf("ready mismatch (-want +got):\n%s", diff)
	}
}

func TestProgress_NewCycleStartsOver(t *testing.T) {
	h := newHarness(t)
	h.syncComponent(1, "A", "B")
	if p := h.engine.Progress(); p != 1 {
		t.Fatalf("Progress = %v, want 1", p)
	}

	if err := h.engine.RefreshAllParameters(1); err != nil {
		t.Fatal(err)
	}
	h.step()
	if p := h.engine.Progress(); p != 0 {
		t.Errorf("Progress = %v after a new cycle started, want 0", p)
	}
	if ready, _ := h.engine.ParametersReady(); ready {
		t.Error("ready should be cleared for the new cycle")
	}

	h.report(1, "A", 0, 2, int32Value(t, 1))
	h.report(1, "B", 1, 2, int32Value(t, 2))
	h.step()
	if diff := cmp.Diff([]bool{false, false}, h.ready); diff != "" {
		t.Errorf("each cycle signals once (-want +got):\n%s", diff)
	}
}

func TestProgress_NoCycleNoSignal(t *testing.T) {
	h := newHarness(t)
	h.step()
	h.advance(time.Minute)

	if len(h.progress) != 0 || len(h.ready) != 0 {
		t.Errorf("idle engine emitted progress=%v ready=%v", h.progress, h.ready)
	}
	if ready, _ := h.engine.ParametersReady(); ready {
		t.Error("idle engine should not be ready")
	}
}
