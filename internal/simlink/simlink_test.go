// simlink_test.go: End-to-end synchronization against the simulated remote
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package simlink

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/agilira/hermes"
	"go.uber.org/goleak"
)

// leakCheck verifies that no goroutine outlives the test. The shared
// timecache clock is started first so it is part of the baseline.
func leakCheck(t *testing.T) func() {
	_ = timecache.CachedTime()
	opt := goleak.IgnoreCurrent()
	return func() { goleak.VerifyNone(t, opt) }
}

func fastConfig() hermes.Config {
	return hermes.Config{
		InitialRequestTimeout: 100 * time.Millisecond,
		ValueTimeout:          30 * time.Millisecond,
		CacheLookupTimeout:    150 * time.Millisecond,
		QuiescenceInterval:    50 * time.Millisecond,
		TickInterval:          5 * time.Millisecond,
		MaxListRetries:        5,
		MaxReadRetries:        50,
		MaxWriteRetries:       20,
		Clock:                 time.Now,
	}
}

type harness struct {
	remote *Remote
	engine *hermes.Engine
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func startHarness(t *testing.T, remote *Remote, cfg hermes.Config) *harness {
	t.Helper()
	engine, err := hermes.New(remote, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	remote.Bind(engine)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{remote: remote, engine: engine, cancel: cancel}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		_ = remote.Run(ctx)
	}()
	if err := engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return h
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	if err := h.engine.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	h.cancel()
	h.wg.Wait()
}

func waitReady(t *testing.T, e *hermes.Engine, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ready, missing := e.ParametersReady(); ready {
			return missing
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("parameters not ready within %v (progress %.2f)", timeout, e.Progress())
	return true
}

func TestNew_RejectsInvalidLoss(t *testing.T) {
	if _, err := New(Options{Loss: 1}); err == nil {
		t.Fatal("expected error for loss 1")
	}
	if _, err := New(Options{Loss: -0.1}); err == nil {
		t.Fatal("expected error for negative loss")
	}
}

func TestRemote_AnswersListRequest(t *testing.T) {
	remote, err := New(Options{Components: 2, Params: 5})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sink := &countingSink{}
	remote.Bind(sink)

	if err := remote.SendListRequest(hermes.AllComponents); err != nil {
		t.Fatalf("SendListRequest failed: %v", err)
	}
	remote.process(<-remote.requests)

	if sink.values != 10 {
		t.Errorf("expected 10 value reports, got %d", sink.values)
	}
	if sink.hashes != 2 {
		t.Errorf("expected 2 identity hashes, got %d", sink.hashes)
	}
}

func TestRemote_WriteChangesIdentityHash(t *testing.T) {
	remote, err := New(Options{Params: 4})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	before := remote.IdentityHash(1)

	v, err := hermes.IntValue(42, hermes.TypeInt32)
	if err != nil {
		t.Fatalf("IntValue failed: %v", err)
	}
	_ = remote.SendWriteRequest(1, "SIM1_P000", v.ToWire())
	remote.process(<-remote.requests)

	got, ok := remote.Value(1, "SIM1_P000")
	if !ok || got.Int() != 42 {
		t.Fatalf("expected written value 42, got %v (ok=%v)", got, ok)
	}
	if remote.IdentityHash(1) == before {
		t.Error("identity hash should change with values")
	}

	// a write with the wrong type is answered with the current value
	f, _ := hermes.FloatValue(1.5, hermes.TypeFloat)
	_ = remote.SendWriteRequest(1, "SIM1_P000", f.ToWire())
	remote.process(<-remote.requests)
	if got, _ := remote.Value(1, "SIM1_P000"); got.Int() != 42 {
		t.Errorf("mistyped write should be rejected, got %v", got)
	}
}

type countingSink struct {
	mu     sync.Mutex
	values int
	hashes int
}

func (s *countingSink) HandleValue(hermes.ValueEvent) {
	s.mu.Lock()
	s.values++
	s.mu.Unlock()
}

func (s *countingSink) HandleIdentityHash(int, string) {
	s.mu.Lock()
	s.hashes++
	s.mu.Unlock()
}

func TestEndToEnd_LossyLink(t *testing.T) {
	defer leakCheck(t)()

	remote, err := New(Options{Components: 2, Params: 40, Loss: 0.2, Seed: 7, AnnounceInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h := startHarness(t, remote, fastConfig())
	defer h.stop(t)

	if err := h.engine.RefreshAllParameters(hermes.AllComponents); err != nil {
		t.Fatalf("RefreshAllParameters failed: %v", err)
	}
	if missing := waitReady(t, h.engine, 10*time.Second); missing {
		t.Fatal("expected a complete parameter set despite 20% loss")
	}

	for _, id := range []int{1, 2} {
		names := h.engine.ParameterNames(id)
		if len(names) != 40 {
			t.Errorf("component %d: expected 40 parameters, got %d", id, len(names))
		}
	}
	if _, lost, _ := remote.Stats(); lost == 0 {
		t.Error("expected the simulated link to lose messages")
	}
}

func TestEndToEnd_WriteAndPersist(t *testing.T) {
	defer leakCheck(t)()

	remote, err := New(Options{Params: 8, AnnounceInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h := startHarness(t, remote, fastConfig())
	defer h.stop(t)

	_ = h.engine.RefreshAllParameters(hermes.AllComponents)
	waitReady(t, h.engine, 5*time.Second)

	if err := h.engine.SetParameter(1, "SIM1_P001", "2.5"); err != nil {
		t.Fatalf("SetParameter failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for remote.Persists(1) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if remote.Persists(1) == 0 {
		t.Fatal("expected a persist command after the write settled")
	}
	got, _ := remote.Value(1, "SIM1_P001")
	if got.Float() != 2.5 {
		t.Errorf("expected remote value 2.5, got %v", got)
	}
}

func TestEndToEnd_CacheFastPath(t *testing.T) {
	defer leakCheck(t)()

	cfg := fastConfig()
	cfg.CachePath = filepath.Join(t.TempDir(), "params.yaml")

	remote, err := New(Options{Params: 16, AnnounceInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	first := startHarness(t, remote, cfg)
	_ = first.engine.RefreshAllParameters(hermes.AllComponents)
	waitReady(t, first.engine, 5*time.Second)

	// the save happens right after completion on the owner loop
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store, _ := hermes.NewCacheStore(cfg.CachePath, nil)
		if summaries, err := store.Components(); err == nil && len(summaries) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	first.stop(t)

	second := startHarness(t, remote, cfg)
	defer second.stop(t)
	_ = second.engine.RefreshAllParameters(hermes.AllComponents)
	waitReady(t, second.engine, 5*time.Second)

	if hits := second.engine.Stats().CacheHits; hits != 1 {
		t.Errorf("expected one cache hit, got %d", hits)
	}
	if n := len(second.engine.ParameterNames(1)); n != 16 {
		t.Errorf("expected 16 cached parameters, got %d", n)
	}
}
