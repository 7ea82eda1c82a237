// hermes: Parameter synchronization engine for lossy telemetry links
//
// Philosophy:
// - One owner goroutine runs the state machine and every timer
// - Transport callbacks never touch shared state; they enqueue events
// - Retries are bounded; exhausting them degrades, never aborts
// - A content-hash keyed cache skips the network when nothing changed
//
// Example Usage:
//   engine, err := hermes.New(link, hermes.Config{
//       CachePath: "/var/lib/app/params.yaml",
//       OnReady: func(missing bool) { log.Printf("parameters ready, gaps=%v", missing) },
//   })
//   if err != nil {
//       return err
//   }
//   engine.Start()
//   defer engine.Close()
//
//   engine.RefreshAllParameters(hermes.AllComponents)
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"context"
	goerrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Error codes for hermes operations
const (
	ErrCodeConversionError     = "HERMES_CONVERSION_ERROR"
	ErrCodeProtocolError       = "HERMES_PROTOCOL_ERROR"
	ErrCodeTimeoutExhausted    = "HERMES_TIMEOUT_EXHAUSTED"
	ErrCodeCacheMiss           = "HERMES_CACHE_MISS"
	ErrCodeCacheCorrupt        = "HERMES_CACHE_CORRUPT"
	ErrCodeDuplicateDefinition = "HERMES_DUPLICATE_DEFINITION"
	ErrCodeInvalidConfig       = "HERMES_INVALID_CONFIG"
	ErrCodeEngineStopped       = "HERMES_ENGINE_STOPPED"
	ErrCodeEngineBusy          = "HERMES_ENGINE_BUSY"
	ErrCodeQueueFull           = "HERMES_QUEUE_FULL"
	ErrCodeUnknownParameter    = "HERMES_UNKNOWN_PARAMETER"
	ErrCodeIOError             = "HERMES_IO_ERROR"
	ErrCodeStreamFormat        = "HERMES_STREAM_FORMAT"
	ErrCodeMetadataError       = "HERMES_METADATA_ERROR"
	ErrCodeSourceError         = "HERMES_SOURCE_ERROR"
	ErrCodeTransportError      = "HERMES_TRANSPORT_ERROR"
	ErrCodeInvalidAuditConfig  = "HERMES_INVALID_AUDIT_CONFIG"

	ErrCodeInvalidTimeout       = "HERMES_INVALID_TIMEOUT"
	ErrCodeInvalidRetryLimit    = "HERMES_INVALID_RETRY_LIMIT"
	ErrCodeInvalidQueueCapacity = "HERMES_INVALID_QUEUE_CAPACITY"
	ErrCodeInvalidProgressStep  = "HERMES_INVALID_PROGRESS_STEP"
	ErrCodeInvalidBufferSize    = "HERMES_INVALID_BUFFER_SIZE"
	ErrCodeInvalidFlushInterval = "HERMES_INVALID_FLUSH_INTERVAL"
	ErrCodeInvalidOutputFile    = "HERMES_INVALID_OUTPUT_FILE"
	ErrCodeUnwritableOutputFile = "HERMES_UNWRITABLE_OUTPUT_FILE"
	ErrCodeTickTooSlow          = "HERMES_TICK_TOO_SLOW"
)

// Component addressing
const (
	// DefaultComponent addresses the component chosen by the default
	// component rule for the current synchronization cycle.
	DefaultComponent = -1

	// AllComponents is the broadcast target of a full refresh
	AllComponents = 0
)

// Transport is the outbound half of the link to the remote system. Sends
// are fire-and-forget: a nil error only means the request was handed to
// the link, not that it arrived.
type Transport interface {
	SendListRequest(componentID int) error
	// SendReadRequest reads by name when name is non-empty, by index otherwise
	SendReadRequest(componentID int, name string, index int) error
	SendWriteRequest(componentID int, name string, value WireValue) error
	SendPersistCommand(componentID int) error
}

// ValueEvent is one inbound value report. Count is the number of
// parameters the component declares; Index is NoIndex when the remote did
// not say.
type ValueEvent struct {
	ComponentID int
	Name        string
	Index       int
	Count       int
	Wire        WireValue
}

// ErrorHandler is called for every error the engine absorbs instead of
// returning: dropped responses, transport send failures, cache failures.
type ErrorHandler func(err error, componentID int)

// Engine owns one synchronization session against one remote target.
//
// Commands (refresh, write) and transport callbacks are queued into an MPSC
// ring and applied by a single owner goroutine, which also drives every
// timer. Readers query the engine from any goroutine.
type Engine struct {
	config    Config
	transport Transport
	directory *Directory
	cache     *CacheStore
	audit     *AuditLogger
	metrics   *Metrics
	logger    *zap.Logger
	sessionID string
	now       func() time.Time

	events *eventRing
	wake   chan struct{}

	// scheduling state, owned by the loop goroutine and guarded by mu
	// for readers
	mu               sync.Mutex
	sets             map[int]*componentSet
	knownHash        map[int]string
	cycle            syncCycle
	defaultComponent int
	defaultResolved  bool
	defaultFrozen    bool
	ready            bool
	readyMissing     bool
	progress         float64

	counters engineCounters

	// lifecycleMu serializes Start, Stop and Close so that the loop
	// channels are never swapped under a running loop
	lifecycleMu sync.Mutex
	running     atomic.Bool
	closed    atomic.Bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// engineCounters are lifetime statistics
type engineCounters struct {
	requests       atomic.Int64
	retries        atomic.Int64
	protocolErrors atomic.Int64
	readFailures   atomic.Int64
	writeFailures  atomic.Int64
	persists       atomic.Int64
	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
	transportErrs  atomic.Int64
}

// New creates an engine bound to transport. The engine does nothing until
// a refresh is requested; Start launches the owner goroutine.
func New(transport Transport, config Config) (*Engine, error) {
	if transport == nil {
		return nil, errors.New(ErrCodeInvalidConfig, "transport cannot be nil")
	}
	cfg := config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	logger := cfg.Logger.With(zap.String("session", sessionID))

	var cache *CacheStore
	if cfg.CachePath != "" {
		store, err := NewCacheStore(cfg.CachePath, logger)
		if err != nil {
			return nil, err
		}
		cache = store
	}

	auditLogger, err := NewAuditLogger(cfg.Audit, sessionID)
	if err != nil {
		// an unusable audit trail never blocks synchronization
		logger.Warn("audit disabled", zap.Error(err))
		auditLogger, _ = NewAuditLogger(AuditConfig{Enabled: false}, sessionID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:           *cfg,
		transport:        transport,
		directory:        NewDirectory(cfg.Metadata),
		cache:            cache,
		audit:            auditLogger,
		metrics:          cfg.Metrics,
		logger:           logger,
		sessionID:        sessionID,
		now:              cfg.Clock,
		events:           newEventRing(cfg.QueueCapacity),
		wake:             make(chan struct{}, 1),
		sets:             make(map[int]*componentSet),
		knownHash:        make(map[int]string),
		defaultComponent: AllComponents,
		stopCh:           make(chan struct{}),
		stoppedCh:        make(chan struct{}),
		ctx:              ctx,
		cancel:           cancel,
	}
	return e, nil
}

// Start launches the owner loop
func (e *Engine) Start() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.closed.Load() {
		return errors.New(ErrCodeEngineStopped, "engine is closed")
	}
	if !e.running.CompareAndSwap(false, true) {
		return errors.New(ErrCodeEngineBusy, "engine is already running")
	}
	go e.loop(e.ctx, e.stopCh, e.stoppedCh)
	return nil
}

// Stop halts the owner loop and waits for it to exit. Queued events are
// kept and processed if the engine is started again.
func (e *Engine) Stop() error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	return e.stopLocked()
}

// stopLocked stops the loop and prepares fresh channels for the next
// Start (caller holds lifecycleMu)
func (e *Engine) stopLocked() error {
	if !e.running.Load() {
		return errors.New(ErrCodeEngineStopped, "engine is not running")
	}
	e.cancel()
	close(e.stopCh)
	<-e.stoppedCh

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.stopCh = make(chan struct{})
	e.stoppedCh = make(chan struct{})
	e.running.Store(false)
	return nil
}

// IsRunning returns true if the owner loop is running
func (e *Engine) IsRunning() bool {
	return e.running.Load()
}

// Close stops the engine if needed and releases the audit trail. A closed
// engine rejects every command.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.lifecycleMu.Lock()
	if e.running.Load() {
		_ = e.stopLocked()
	}
	e.lifecycleMu.Unlock()
	e.events.close()
	if e.audit != nil {
		if err := e.audit.Close(); err != nil {
			return errors.Wrap(err, ErrCodeIOError, "failed to close audit logger")
		}
	}
	return nil
}

// loop is the owner goroutine: every wake-up or tick runs one turn
func (e *Engine) loop(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-e.wake:
			e.turn(e.now())
		case <-ticker.C:
			e.turn(e.now())
		}
	}
}

// enqueue pushes a command event and wakes the loop
func (e *Engine) enqueue(ev engineEvent) error {
	if e.closed.Load() {
		return errors.New(ErrCodeEngineStopped, "engine is closed")
	}
	if !e.events.push(ev) {
		return errors.New(ErrCodeQueueFull, "event queue is full").
			WithContext("event", ev.kind.String()).
			WithContext("capacity", e.events.capacity)
	}
	e.signal()
	return nil
}

// awaitQueueSpace blocks until the owner loop has drained the event queue
// to half its capacity. A stopped engine drains it inline.
func (e *Engine) awaitQueueSpace(ctx context.Context) error {
	backoff := time.Millisecond
	for e.events.pending() > e.events.capacity/2 {
		if e.closed.Load() {
			return errors.New(ErrCodeEngineStopped, "engine is closed")
		}
		if e.drainIfStopped() {
			continue
		}
		e.signal()
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), ErrCodeQueueFull, "event queue did not drain").
				WithContext("capacity", e.events.capacity)
		case <-timer.C:
		}
		if backoff < e.config.TickInterval {
			backoff *= 2
		}
	}
	return nil
}

// drainIfStopped runs one turn on the caller's goroutine when the owner
// loop is not running
func (e *Engine) drainIfStopped() bool {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()
	if e.running.Load() {
		return false
	}
	e.turn(e.now())
	return true
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// HandleValue accepts a value report from the transport. It never blocks;
// if the queue is full the report is dropped like a lost message and the
// retry machinery recovers it.
func (e *Engine) HandleValue(ev ValueEvent) {
	if !e.events.push(engineEvent{
		kind:      eventValue,
		component: ev.ComponentID,
		name:      ev.Name,
		index:     ev.Index,
		count:     ev.Count,
		wire:      ev.Wire,
	}) {
		e.logger.Debug("value report dropped", zap.Int("component", ev.ComponentID), zap.String("param", ev.Name))
		return
	}
	e.signal()
}

// HandleIdentityHash accepts the remote's self-reported parameter set hash
func (e *Engine) HandleIdentityHash(componentID int, hash string) {
	if !e.events.push(engineEvent{kind: eventIdentity, component: componentID, hash: hash}) {
		e.logger.Debug("identity hash dropped", zap.Int("component", componentID))
		return
	}
	e.signal()
}

// RefreshAllParameters starts a full synchronization of one component, or
// of every component for AllComponents. The cache fast path is tried first
// when a cache is configured.
func (e *Engine) RefreshAllParameters(componentID int) error {
	if componentID == DefaultComponent {
		if id, ok := e.DefaultComponentID(); ok {
			componentID = id
		} else {
			componentID = AllComponents
		}
	}
	if componentID < 0 {
		return errors.New(ErrCodeInvalidConfig, "invalid component id").
			WithContext("component", componentID)
	}
	return e.enqueue(engineEvent{kind: eventRefreshAll, component: componentID})
}

// RefreshParameter re-reads a single parameter by name
func (e *Engine) RefreshParameter(componentID int, name string) error {
	id, err := e.resolveTarget(componentID)
	if err != nil {
		return err
	}
	if name == "" {
		return errors.New(ErrCodeUnknownParameter, "parameter name cannot be empty")
	}
	return e.enqueue(engineEvent{kind: eventRefreshName, component: id, name: name})
}

// RefreshParametersPrefix re-reads every known parameter whose name starts
// with prefix.
func (e *Engine) RefreshParametersPrefix(componentID int, prefix string) error {
	id, err := e.resolveTarget(componentID)
	if err != nil {
		return err
	}
	return e.enqueue(engineEvent{kind: eventRefreshPrefix, component: id, name: prefix})
}

// SetParameter converts value to the parameter's declared type and queues
// the write. Conversion and range failures are returned immediately as
// ErrCodeConversionError and nothing is sent.
func (e *Engine) SetParameter(componentID int, name string, value interface{}) error {
	return e.setParameter(componentID, name, value, TypeUnknown, "api")
}

// SetMetadataProvider swaps the metadata source. Existing parameters are
// rebound on the owner loop.
func (e *Engine) SetMetadataProvider(p MetadataProvider) error {
	return e.enqueue(engineEvent{kind: eventMetadata, meta: p})
}

func (e *Engine) setParameter(componentID int, name string, value interface{}, fallback ValueType, origin string) error {
	if e.closed.Load() {
		return errors.New(ErrCodeEngineStopped, "engine is closed")
	}
	id, err := e.resolveTarget(componentID)
	if err != nil {
		return err
	}
	if name == "" {
		return errors.New(ErrCodeUnknownParameter, "parameter name cannot be empty")
	}

	t := e.declaredType(id, name, fallback)
	if !t.IsValid() {
		return errors.New(ErrCodeUnknownParameter, "parameter type is unknown").
			WithContext("component", id).
			WithContext("param", name)
	}

	v, err := ConvertValue(value, t)
	if err != nil {
		return err
	}
	if err := e.directory.Metadata(name, t).CheckRange(v); err != nil {
		return err
	}
	return e.enqueue(engineEvent{kind: eventWrite, component: id, name: name, value: v, origin: origin})
}

// declaredType resolves the write type: catalog metadata first, then the
// currently known type, then fallback.
func (e *Engine) declaredType(componentID int, name string, fallback ValueType) ValueType {
	if m := e.directory.Metadata(name, TypeUnknown); m != nil && !m.Generic && m.Type.IsValid() {
		return m.Type
	}
	if p, ok := e.directory.Lookup(componentID, name); ok {
		return p.Value.Type()
	}
	return fallback
}

// resolveTarget maps DefaultComponent to a concrete id
func (e *Engine) resolveTarget(componentID int) (int, error) {
	if componentID != DefaultComponent {
		if componentID <= 0 {
			return 0, errors.New(ErrCodeInvalidConfig, "invalid component id").
				WithContext("component", componentID)
		}
		return componentID, nil
	}
	id, ok := e.DefaultComponentID()
	if !ok {
		return 0, errors.New(ErrCodeUnknownParameter, "no default component is known yet")
	}
	return id, nil
}

// resolveQuery is resolveTarget for read-only queries
func (e *Engine) resolveQuery(componentID int) (int, bool) {
	if componentID == DefaultComponent {
		return e.DefaultComponentID()
	}
	return componentID, componentID > 0
}

// ParameterExists reports whether the parameter is known
func (e *Engine) ParameterExists(componentID int, name string) bool {
	id, ok := e.resolveQuery(componentID)
	return ok && e.directory.Exists(id, name)
}

// ParameterNames lists the names of a component in discovery order
func (e *Engine) ParameterNames(componentID int) []string {
	id, ok := e.resolveQuery(componentID)
	if !ok {
		return nil
	}
	return e.directory.Names(id)
}

// Fact returns a copy of the parameter and true, or false if it is unknown
func (e *Engine) Fact(componentID int, name string) (Parameter, bool) {
	id, ok := e.resolveQuery(componentID)
	if !ok {
		return Parameter{}, false
	}
	return e.directory.Lookup(id, name)
}

// GroupMap returns group name to parameter names for a component
func (e *Engine) GroupMap(componentID int) map[string][]string {
	id, ok := e.resolveQuery(componentID)
	if !ok {
		return map[string][]string{}
	}
	return e.directory.GroupMap(id)
}

// Directory exposes the parameter directory for read access
func (e *Engine) Directory() *Directory {
	return e.directory
}

// ParametersReady reports whether the current cycle has completed and
// whether it completed with gaps.
func (e *Engine) ParametersReady() (ready bool, missing bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready, e.readyMissing
}

// Progress returns the last computed synchronization progress in [0, 1]
func (e *Engine) Progress() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// ComponentState returns the synchronization state of a component
func (e *Engine) ComponentState(componentID int) ComponentState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if set, ok := e.sets[componentID]; ok {
		return set.state
	}
	return StateIdle
}

// DefaultComponentID returns the component unqualified lookups address
func (e *Engine) DefaultComponentID() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.defaultResolved {
		return e.defaultComponent, true
	}
	counts := make(map[int]int)
	for _, id := range e.directory.Components() {
		counts[id] = e.directory.Count(id)
	}
	return ResolveDefaultComponent(counts, e.config.PreferredComponentID)
}

// SessionID returns the unique id of this engine instance
func (e *Engine) SessionID() string {
	return e.sessionID
}

// EngineStats is a point-in-time view of the engine
type EngineStats struct {
	Components     int
	Parameters     int
	Outstanding    int
	Failed         int
	PendingWrites  int
	Requests       int64
	Retries        int64
	ProtocolErrors int64
	ReadFailures   int64
	WriteFailures  int64
	Persists       int64
	CacheHits      int64
	CacheMisses    int64
	TransportErrs  int64
	Queue          map[string]int64
}

// Stats returns a snapshot of engine counters
func (e *Engine) Stats() EngineStats {
	stats := EngineStats{
		Requests:       e.counters.requests.Load(),
		Retries:        e.counters.retries.Load(),
		ProtocolErrors: e.counters.protocolErrors.Load(),
		ReadFailures:   e.counters.readFailures.Load(),
		WriteFailures:  e.counters.writeFailures.Load(),
		Persists:       e.counters.persists.Load(),
		CacheHits:      e.counters.cacheHits.Load(),
		CacheMisses:    e.counters.cacheMisses.Load(),
		TransportErrs:  e.counters.transportErrs.Load(),
		Queue:          e.events.stats(),
	}
	for _, id := range e.directory.Components() {
		stats.Parameters += e.directory.Count(id)
	}

	e.mu.Lock()
	stats.Components = len(e.sets)
	for _, set := range e.sets {
		stats.Outstanding += len(set.outstanding) + len(set.byName)
		stats.Failed += len(set.failed)
		stats.PendingWrites += len(set.writes)
	}
	e.mu.Unlock()
	return stats
}

// ErrorCode extracts the hermes error code from err, or "" if it has none
func ErrorCode(err error) string {
	var coder errors.ErrorCoder
	if goerrors.As(err, &coder) {
		return string(coder.ErrorCode())
	}
	return ""
}

// IsConversionError reports whether err is a ConversionError
func IsConversionError(err error) bool {
	return ErrorCode(err) == ErrCodeConversionError
}

// IsProtocolError reports whether err is a ProtocolError
func IsProtocolError(err error) bool {
	return ErrorCode(err) == ErrCodeProtocolError
}

// IsTimeoutExhausted reports whether err reports an exhausted retry budget
func IsTimeoutExhausted(err error) bool {
	return ErrorCode(err) == ErrCodeTimeoutExhausted
}
