// hermes_test.go: Engine lifecycle, command API and shared test helpers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	goerrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

// sentRequest is one call recorded by fakeTransport
type sentRequest struct {
	kind      string
	component int
	name      string
	index     int
	wire      WireValue
}

// fakeTransport records every request and optionally fails them all
type fakeTransport struct {
	mu   sync.Mutex
	sent []sentRequest
	err  error
}

func (f *fakeTransport) record(r sentRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, r)
	return f.err
}

func (f *fakeTransport) SendListRequest(componentID int) error {
	return f.record(sentRequest{kind: "list", component: componentID})
}

func (f *fakeTransport) SendReadRequest(componentID int, name string, index int) error {
	return f.record(sentRequest{kind: "read", component: componentID, name: name, index: index})
}

func (f *fakeTransport) SendWriteRequest(componentID int, name string, value WireValue) error {
	return f.record(sentRequest{kind: "write", component: componentID, name: name, wire: value})
}

func (f *fakeTransport) SendPersistCommand(componentID int) error {
	return f.record(sentRequest{kind: "persist", component: componentID})
}

// take returns everything sent since the last call
func (f *fakeTransport) take() []sentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.sent
	f.sent = nil
	return out
}

func ofKind(reqs []sentRequest, kind string) []sentRequest {
	var out []sentRequest
	for _, r := range reqs {
		if r.kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// harness drives an engine turn by turn on a fake clock, without the
// owner goroutine
type harness struct {
	t        *testing.T
	engine   *Engine
	link     *fakeTransport
	now      time.Time
	ready    []bool
	progress []float64
	hooks    []string
	errs     []error
}

func testConfig() Config {
	return Config{
		InitialRequestTimeout: 5 * time.Second,
		ValueTimeout:          time.Second,
		CacheLookupTimeout:    2 * time.Second,
		QuiescenceInterval:    2 * time.Second,
		TickInterval:          50 * time.Millisecond,
		MaxListRetries:        2,
		MaxReadRetries:        3,
		MaxWriteRetries:       2,
	}
}

func newHarness(t *testing.T, configure ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		t:    t,
		link: &fakeTransport{},
		now:  time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	config := testConfig()
	config.Clock = func() time.Time { return h.now }
	config.OnReady = func(missing bool) {
		h.ready = append(h.ready, missing)
		h.hooks = append(h.hooks, "ready")
	}
	config.OnProgress = func(fraction float64) {
		h.progress = append(h.progress, fraction)
		h.hooks = append(h.hooks, "progress")
	}
	config.ErrorHandler = func(err error, _ int) {
		h.errs = append(h.errs, err)
	}
	for _, fn := range configure {
		fn(&config)
	}

	engine, err := New(h.link, config)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	h.engine = engine
	return h
}

func (h *harness) step() {
	h.engine.turn(h.now)
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
	h.step()
}

func (h *harness) report(componentID int, name string, index, count int, v Value) {
	h.engine.HandleValue(ValueEvent{
		ComponentID: componentID,
		Name:        name,
		Index:       index,
		Count:       count,
		Wire:        v.ToWire(),
	})
}

// syncComponent runs a complete per-component cycle answering every index
// with an int32 equal to the index
func (h *harness) syncComponent(componentID int, names ...string) {
	h.t.Helper()
	if err := h.engine.RefreshAllParameters(componentID); err != nil {
		h.t.Fatalf("RefreshAllParameters failed: %v", err)
	}
	h.step()
	for i, name := range names {
		h.report(componentID, name, i, len(names), int32Value(h.t, int64(i)))
	}
	h.step()
	if state := h.engine.ComponentState(componentID); state != StateReady {
		h.t.Fatalf("component %d state = %v, want ready", componentID, state)
	}
	h.link.take()
}

func (h *harness) errorCodes() []string {
	codes := make([]string, 0, len(h.errs))
	for _, err := range h.errs {
		codes = append(codes, ErrorCode(err))
	}
	return codes
}

func int32Value(t *testing.T, n int64) Value {
	t.Helper()
	v, err := IntValue(n, TypeInt32)
	if err != nil {
		t.Fatalf("IntValue(%d) failed: %v", n, err)
	}
	return v
}

// mapProvider is a MetadataProvider backed by a map
type mapProvider map[string]*Metadata

func (m mapProvider) Lookup(name string) (*Metadata, bool) {
	meta, ok := m[name]
	return meta, ok
}

// leakCheck fails the test if goroutines started during it outlive it.
// The timecache ticker is started lazily and is shared, so it is primed
// before the baseline is taken.
func leakCheck(t *testing.T) {
	t.Helper()
	_ = timecache.CachedTime()
	opts := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, opts) })
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(nil, Config{}); ErrorCode(err) != ErrCodeInvalidConfig {
		t.Errorf("nil transport: code = %q, want %q", ErrorCode(err), ErrCodeInvalidConfig)
	}

	_, err := New(&fakeTransport{}, Config{PreferredComponentID: -3})
	if ErrorCode(err) != ErrCodeInvalidConfig {
		t.Errorf("negative preferred component: code = %q", ErrorCode(err))
	}

	_, err = New(&fakeTransport{}, Config{CachePath: "../escape.yaml"})
	if err == nil {
		t.Error("traversal cache path should be rejected")
	}

	engine, err := New(&fakeTransport{}, Config{})
	if err != nil {
		t.Fatalf("zero config should get defaults: %v", err)
	}
	defer func() { _ = engine.Close() }()
	if engine.SessionID() == "" {
		t.Error("session id should be set")
	}
	if engine.IsRunning() {
		t.Error("engine should not run before Start")
	}
}

func TestEngine_StartStopClose(t *testing.T) {
	leakCheck(t)

	engine, err := New(&fakeTransport{}, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := engine.Stop(); ErrorCode(err) != ErrCodeEngineStopped {
		t.Errorf("Stop before Start: code = %q", ErrorCode(err))
	}
	if err := engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := engine.Start(); ErrorCode(err) != ErrCodeEngineBusy {
		t.Errorf("second Start: code = %q", ErrorCode(err))
	}
	if !engine.IsRunning() {
		t.Error("engine should be running")
	}

	if err := engine.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := engine.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}

	if err := engine.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if engine.IsRunning() {
		t.Error("Close should stop the loop")
	}
	if err := engine.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}
	if err := engine.Start(); ErrorCode(err) != ErrCodeEngineStopped {
		t.Errorf("Start after Close: code = %q", ErrorCode(err))
	}
	if err := engine.RefreshAllParameters(AllComponents); ErrorCode(err) != ErrCodeEngineStopped {
		t.Errorf("refresh after Close: code = %q", ErrorCode(err))
	}
	if err := engine.SetParameter(1, "A", 1); ErrorCode(err) != ErrCodeEngineStopped {
		t.Errorf("write after Close: code = %q", ErrorCode(err))
	}
}

func TestEngine_ConcurrentStartStop(t *testing.T) {
	leakCheck(t)

	link := &fakeTransport{}
	engine, err := New(link, Config{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = engine.Close() }()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = engine.Start()
				_ = engine.Stop()
			}
		}()
	}
	wg.Wait()

	if engine.IsRunning() {
		t.Fatal("every Start was paired with a Stop")
	}
	if err := engine.Start(); err != nil {
		t.Fatalf("Start after concurrent cycling failed: %v", err)
	}
	if err := engine.RefreshAllParameters(1); err != nil {
		t.Fatalf("RefreshAllParameters failed: %v", err)
	}
	waitFor(t, "list request from the restarted loop", func() bool {
		link.mu.Lock()
		defer link.mu.Unlock()
		return len(link.sent) > 0
	})
}

// echoTransport answers a list request by reporting every parameter of
// component 1 straight back into the engine
type echoTransport struct {
	engine atomic.Pointer[Engine]
	params []string
}

func (t *echoTransport) SendListRequest(int) error {
	e := t.engine.Load()
	for i, name := range t.params {
		v, _ := IntValue(int64(i), TypeUint16)
		e.HandleValue(ValueEvent{ComponentID: 1, Name: name, Index: i, Count: len(t.params), Wire: v.ToWire()})
	}
	return nil
}

func (t *echoTransport) SendReadRequest(int, string, int) error      { return nil }
func (t *echoTransport) SendWriteRequest(int, string, WireValue) error { return nil }
func (t *echoTransport) SendPersistCommand(int) error                  { return nil }

func TestEngine_OwnerLoopSynchronizes(t *testing.T) {
	leakCheck(t)

	link := &echoTransport{params: []string{"BAT_CAPACITY", "BAT_CELLS", "BAT_LOW_VOLT"}}
	ready := make(chan bool, 1)
	engine, err := New(link, Config{
		InitialRequestTimeout: 100 * time.Millisecond,
		ValueTimeout:          100 * time.Millisecond,
		TickInterval:          5 * time.Millisecond,
		OnReady:               func(missing bool) { ready <- missing },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	link.engine.Store(engine)
	defer func() { _ = engine.Close() }()

	if err := engine.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := engine.RefreshAllParameters(AllComponents); err != nil {
		t.Fatalf("RefreshAllParameters failed: %v", err)
	}

	select {
	case missing := <-ready:
		if missing {
			t.Error("no parameter should be missing")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("engine never reported ready")
	}

	if diff := cmp.Diff(link.params, engine.ParameterNames(DefaultComponent)); diff != "" {
		t.Errorf("parameter names mismatch (-want +got):\n%s", diff)
	}
	p, ok := engine.Fact(1, "BAT_LOW_VOLT")
	if !ok || p.Value.Int() != 2 || p.Value.Type() != TypeUint16 {
		t.Errorf("BAT_LOW_VOLT = %+v, %v", p.Value, ok)
	}
}

func TestEngine_QueueFull(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.QueueCapacity = 2 })

	for i := 0; i < 2; i++ {
		if err := h.engine.RefreshAllParameters(1); err != nil {
			t.Fatalf("refresh %d failed: %v", i, err)
		}
	}
	if err := h.engine.RefreshAllParameters(1); ErrorCode(err) != ErrCodeQueueFull {
		t.Errorf("third refresh: code = %q, want %q", ErrorCode(err), ErrCodeQueueFull)
	}

	// value reports are dropped silently, like lost messages
	h.report(1, "A", 0, 1, int32Value(t, 1))
	if got := h.engine.Stats().Queue["items_dropped"]; got != 2 {
		t.Errorf("items_dropped = %d, want 2", got)
	}

	h.step()
	if err := h.engine.RefreshAllParameters(1); err != nil {
		t.Errorf("queue should accept commands after a turn: %v", err)
	}
}

func TestEngine_CommandValidation(t *testing.T) {
	h := newHarness(t)

	if err := h.engine.RefreshAllParameters(-7); ErrorCode(err) != ErrCodeInvalidConfig {
		t.Errorf("negative component: code = %q", ErrorCode(err))
	}
	if err := h.engine.RefreshParameter(1, ""); ErrorCode(err) != ErrCodeUnknownParameter {
		t.Errorf("empty name: code = %q", ErrorCode(err))
	}
	if err := h.engine.RefreshParameter(DefaultComponent, "A"); ErrorCode(err) != ErrCodeUnknownParameter {
		t.Errorf("default component before discovery: code = %q", ErrorCode(err))
	}
	if err := h.engine.SetParameter(0, "A", 1); ErrorCode(err) != ErrCodeInvalidConfig {
		t.Errorf("broadcast write: code = %q", ErrorCode(err))
	}
	if err := h.engine.SetParameter(1, "NOPE", 1); ErrorCode(err) != ErrCodeUnknownParameter {
		t.Errorf("write without known type: code = %q", ErrorCode(err))
	}

	// DefaultComponent falls back to a broadcast refresh when unresolved
	if err := h.engine.RefreshAllParameters(DefaultComponent); err != nil {
		t.Fatalf("default refresh failed: %v", err)
	}
	h.step()
	sent := h.link.take()
	if len(sent) != 1 || sent[0].kind != "list" || sent[0].component != AllComponents {
		t.Errorf("expected one broadcast list request, got %+v", sent)
	}
}

func TestEngine_Queries(t *testing.T) {
	meta := mapProvider{
		"ATT_A": {Name: "ATT_A", Group: "Attitude", Type: TypeInt32},
		"ATT_B": {Name: "ATT_B", Group: "Attitude", Type: TypeInt32},
	}
	h := newHarness(t)
	h.syncComponent(1, "ATT_A", "ATT_B", "SYS_C")

	if !h.engine.ParameterExists(1, "SYS_C") || h.engine.ParameterExists(1, "NOPE") {
		t.Error("ParameterExists mismatch")
	}
	if h.engine.ParameterExists(2, "SYS_C") {
		t.Error("parameters are component scoped")
	}
	if id, ok := h.engine.DefaultComponentID(); !ok || id != 1 {
		t.Errorf("DefaultComponentID = %d, %v", id, ok)
	}

	want := map[string][]string{DefaultGroup: {"ATT_A", "ATT_B", "SYS_C"}}
	if diff := cmp.Diff(want, h.engine.GroupMap(DefaultComponent)); diff != "" {
		t.Errorf("generic groups mismatch (-want +got):\n%s", diff)
	}

	if err := h.engine.SetMetadataProvider(meta); err != nil {
		t.Fatalf("SetMetadataProvider failed: %v", err)
	}
	h.step()

	want = map[string][]string{
		"Attitude":   {"ATT_A", "ATT_B"},
		DefaultGroup: {"SYS_C"},
	}
	if diff := cmp.Diff(want, h.engine.GroupMap(1)); diff != "" {
		t.Errorf("catalog groups mismatch (-want +got):\n%s", diff)
	}
	if got := h.engine.GroupMap(42); len(got) != 0 {
		t.Errorf("unknown component should have no groups, got %v", got)
	}

	p, ok := h.engine.Fact(DefaultComponent, "ATT_B")
	if !ok || p.Metadata == nil || p.Metadata.Generic || p.Group != "Attitude" {
		t.Errorf("ATT_B should carry catalog metadata: %+v", p)
	}
}

func TestEngine_TransportFailureIsAbsorbed(t *testing.T) {
	h := newHarness(t)
	h.link.err = goerrors.New("link down")

	if err := h.engine.RefreshAllParameters(1); err != nil {
		t.Fatalf("refresh should not report transport failures: %v", err)
	}
	h.step()

	stats := h.engine.Stats()
	if stats.TransportErrs != 1 || stats.Requests != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if diff := cmp.Diff([]string{ErrCodeTransportError}, h.errorCodes()); diff != "" {
		t.Errorf("absorbed errors mismatch (-want +got):\n%s", diff)
	}
	if state := h.engine.ComponentState(1); state != StateAwaitingCount {
		t.Errorf("state = %v, want awaiting_count", state)
	}
}

func TestEngine_HookPanicIsContained(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.OnReady = func(bool) { panic("observer bug") }
	})
	h.syncComponent(1, "A")

	if ready, missing := h.engine.ParametersReady(); !ready || missing {
		t.Errorf("ParametersReady = %v, %v", ready, missing)
	}
	if err := h.engine.SetParameter(1, "A", 9); err != nil {
		t.Fatalf("engine should keep working after a hook panic: %v", err)
	}
	h.step()
	if writes := ofKind(h.link.take(), "write"); len(writes) != 1 {
		t.Errorf("expected one write, got %d", len(writes))
	}
}

func TestErrorClassifiers(t *testing.T) {
	_, convErr := ParseValue("abc", TypeInt32)
	_, protoErr := FromWire(WireValue{})

	if !IsConversionError(convErr) || IsProtocolError(convErr) {
		t.Error("conversion error misclassified")
	}
	if !IsProtocolError(protoErr) || IsTimeoutExhausted(protoErr) {
		t.Error("protocol error misclassified")
	}
	if ErrorCode(goerrors.New("plain")) != "" || ErrorCode(nil) != "" {
		t.Error("errors without code should report an empty code")
	}
}
