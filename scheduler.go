// scheduler.go: Request scheduler and timeout supervisor run by the owner loop
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"sort"
	"strings"
	"time"

	"github.com/agilira/go-errors"
	"go.uber.org/zap"
)

// ComponentState is the synchronization state of one component
type ComponentState uint8

const (
	StateIdle ComponentState = iota
	StateAwaitingIdentity
	StateAwaitingCount
	StateAwaitingValues
	StateReady
	StateReadyWithGaps
)

func (s ComponentState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingIdentity:
		return "awaiting_identity"
	case StateAwaitingCount:
		return "awaiting_count"
	case StateAwaitingValues:
		return "awaiting_values"
	case StateReady:
		return "ready"
	case StateReadyWithGaps:
		return "ready_with_gaps"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends a synchronization cycle
func (s ComponentState) Terminal() bool {
	return s == StateReady || s == StateReadyWithGaps
}

// requestKind labels outbound requests
type requestKind uint8

const (
	requestList requestKind = iota + 1
	requestRead
	requestWrite
	requestPersist
)

func (k requestKind) String() string {
	switch k {
	case requestList:
		return "list"
	case requestRead:
		return "read"
	case requestWrite:
		return "write"
	case requestPersist:
		return "persist"
	default:
		return "unknown"
	}
}

// outbound is a transport call collected during a turn and issued after
// the state lock is released
type outbound struct {
	kind      requestKind
	component int
	name      string
	index     int
	wire      WireValue
}

type pendingWrite struct {
	value   Value
	retries int
}

// componentSet is the scheduling state of one component
type componentSet struct {
	id    int
	state ComponentState

	declared    int
	outstanding map[int]int    // index -> retries
	byName      map[string]int // name -> retries
	writes      map[string]*pendingWrite
	unconfirmed map[string]struct{} // names typed by a local write only
	failed      map[int]struct{}
	failedNames map[string]struct{}
	listRetries int
	listFailed  bool

	listDeadline  time.Time
	valueDeadline time.Time
	cacheDeadline time.Time
	writeDeadline time.Time

	inCycle   bool
	fromCache bool
	cacheHash string // hash the directory content was loaded under
	savedHash string // hash the cache file holds for this component

	saveRequired bool
	quietSince   time.Time
}

func newComponentSet(id int) *componentSet {
	return &componentSet{
		id:          id,
		outstanding: make(map[int]int),
		byName:      make(map[string]int),
		writes:      make(map[string]*pendingWrite),
		unconfirmed: make(map[string]struct{}),
		failed:      make(map[int]struct{}),
		failedNames: make(map[string]struct{}),
	}
}

// reset prepares the set for a new cycle. Pending writes survive.
func (s *componentSet) reset() {
	s.state = StateIdle
	s.declared = 0
	s.outstanding = make(map[int]int)
	s.byName = make(map[string]int)
	s.failed = make(map[int]struct{})
	s.failedNames = make(map[string]struct{})
	s.listRetries = 0
	s.listFailed = false
	s.listDeadline = time.Time{}
	s.valueDeadline = time.Time{}
	s.cacheDeadline = time.Time{}
	s.fromCache = false
	s.cacheHash = ""
}

// beginValues moves the set to AwaitingValues with every index outstanding
func (s *componentSet) beginValues(count int, deadline time.Time) {
	s.declared = count
	s.outstanding = make(map[int]int, count)
	for i := 0; i < count; i++ {
		s.outstanding[i] = 0
	}
	s.state = StateAwaitingValues
	s.listDeadline = time.Time{}
	s.valueDeadline = deadline
}

// readsIdle reports whether no read is in flight, so that a leftover value
// deadline must not delay the next one
func (s *componentSet) readsIdle() bool {
	return len(s.byName) == 0 && s.state != StateAwaitingValues
}

// syncCycle tracks one full synchronization cycle across components
type syncCycle struct {
	active    bool
	broadcast bool
	reported  bool

	// broadcast discovery: values from untracked components create sets
	discovery     bool
	responded     bool
	listRetries   int
	listDeadline  time.Time
	listExhausted bool

	// broadcast cache window; zero when closed
	cacheWindow time.Time

	lastEmitted float64
}

// turnState collects the side effects of one turn. Transport calls and
// hooks run after the state lock is released, in collection order.
type turnState struct {
	now   time.Time
	out   []outbound
	after []func()
}

func (ts *turnState) send(req outbound) {
	ts.out = append(ts.out, req)
}

func (ts *turnState) later(fn func()) {
	ts.after = append(ts.after, fn)
}

// turn drains queued events, evaluates deadlines and reports progress
func (e *Engine) turn(now time.Time) {
	ts := &turnState{now: now}

	e.mu.Lock()
	e.events.drain(func(ev engineEvent) {
		e.apply(ts, ev)
	})
	e.supervise(ts)
	e.report(ts)
	e.mu.Unlock()

	for _, req := range ts.out {
		e.send(req)
	}
	for _, fn := range ts.after {
		e.safeCall(fn)
	}
}

// apply dispatches one event (caller holds mu)
func (e *Engine) apply(ts *turnState, ev engineEvent) {
	switch ev.kind {
	case eventValue:
		e.onValue(ts, ev)
	case eventIdentity:
		e.onIdentity(ts, ev.component, ev.hash)
	case eventRefreshAll:
		e.onRefreshAll(ts, ev.component)
	case eventRefreshName:
		e.onRefreshNames(ts, ev.component, []string{ev.name})
	case eventRefreshPrefix:
		var names []string
		for _, name := range e.directory.Names(ev.component) {
			if strings.HasPrefix(name, ev.name) {
				names = append(names, name)
			}
		}
		e.onRefreshNames(ts, ev.component, names)
	case eventWrite:
		e.onWrite(ts, ev)
	case eventMetadata:
		e.directory.SetMetadataProvider(ev.meta)
	}
}

// send performs one transport call outside the lock
func (e *Engine) send(req outbound) {
	var err error
	switch req.kind {
	case requestList:
		err = e.transport.SendListRequest(req.component)
	case requestRead:
		err = e.transport.SendReadRequest(req.component, req.name, req.index)
	case requestWrite:
		err = e.transport.SendWriteRequest(req.component, req.name, req.wire)
	case requestPersist:
		err = e.transport.SendPersistCommand(req.component)
	}
	e.counters.requests.Add(1)
	e.metrics.request(req.kind.String())

	if err != nil {
		// a failed send is indistinguishable from a lost message; the
		// deadlines recover it
		e.counters.transportErrs.Add(1)
		e.metrics.failure("transport")
		wrapped := errors.Wrap(err, ErrCodeTransportError, "transport send failed").
			WithContext("request", req.kind.String()).
			WithContext("component", req.component)
		e.logger.Warn("transport send failed",
			zap.String("request", req.kind.String()),
			zap.Int("component", req.component),
			zap.Error(err))
		e.reportError(wrapped, req.component)
	}
}

// safeCall runs a hook, containing panics so that user code cannot kill
// the owner loop
func (e *Engine) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("hook panicked", zap.Any("panic", r))
			e.audit.Log(AuditCritical, "hook_panic", 0, "", nil, nil, map[string]interface{}{"panic": r})
		}
	}()
	fn()
}

func (e *Engine) reportError(err error, componentID int) {
	if e.config.ErrorHandler != nil {
		e.config.ErrorHandler(err, componentID)
	}
}

// ensureSet returns the set for id, creating an idle one (caller holds mu)
func (e *Engine) ensureSet(id int) *componentSet {
	set, ok := e.sets[id]
	if !ok {
		set = newComponentSet(id)
		e.sets[id] = set
	}
	return set
}

// sortedSets returns the sets in ascending id order for deterministic output
func (e *Engine) sortedSets() []*componentSet {
	ids := make([]int, 0, len(e.sets))
	for id := range e.sets {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]*componentSet, len(ids))
	for i, id := range ids {
		out[i] = e.sets[id]
	}
	return out
}

// beginCycle starts a new synchronization cycle (caller holds mu)
func (e *Engine) beginCycle(broadcast bool) {
	for _, set := range e.sets {
		set.inCycle = false
	}
	e.cycle = syncCycle{active: true, broadcast: broadcast}
	e.ready = false
	e.readyMissing = false
	e.progress = 0
	e.defaultFrozen = false
	e.metrics.setProgress(0)
}

func (e *Engine) onRefreshAll(ts *turnState, componentID int) {
	if componentID == AllComponents {
		e.beginCycle(true)
		sets := e.sortedSets()
		for _, set := range sets {
			set.reset()
			set.inCycle = true
		}
		if e.cache == nil {
			for _, set := range sets {
				set.state = StateAwaitingCount
			}
			e.sendBroadcastList(ts)
			return
		}
		e.cycle.cacheWindow = ts.now.Add(e.config.CacheLookupTimeout)
		for _, set := range sets {
			set.state = StateAwaitingIdentity
			if hash, ok := e.knownHash[set.id]; ok {
				e.tryCache(ts, set, hash)
			}
		}
		return
	}

	set := e.ensureSet(componentID)
	if !e.cycle.active || e.cycle.reported {
		e.beginCycle(false)
	}
	set.reset()
	set.inCycle = true
	if e.cache == nil {
		e.requestList(ts, set)
		return
	}
	set.state = StateAwaitingIdentity
	if hash, ok := e.knownHash[componentID]; ok {
		e.tryCache(ts, set, hash)
		return
	}
	set.cacheDeadline = ts.now.Add(e.config.CacheLookupTimeout)
}

// requestList sends a per-component list request
func (e *Engine) requestList(ts *turnState, set *componentSet) {
	set.state = StateAwaitingCount
	set.declared = 0
	set.outstanding = make(map[int]int)
	set.listRetries = 0
	set.listDeadline = ts.now.Add(e.config.InitialRequestTimeout)
	ts.send(outbound{kind: requestList, component: set.id})
}

// sendBroadcastList (re)sends the list request to every component and
// opens discovery
func (e *Engine) sendBroadcastList(ts *turnState) {
	e.cycle.discovery = true
	e.cycle.responded = false
	e.cycle.listDeadline = ts.now.Add(e.config.InitialRequestTimeout)
	ts.send(outbound{kind: requestList, component: AllComponents})
}

// broadcastWindowOpen reports whether a broadcast cycle still waits for
// identity hashes
func (e *Engine) broadcastWindowOpen() bool {
	return e.cycle.active && e.cycle.broadcast && !e.cycle.cacheWindow.IsZero()
}

// tryCache attempts the fast path for one component
func (e *Engine) tryCache(ts *turnState, set *componentSet, hash string) {
	snapshot, err := e.cache.Lookup(set.id, hash)
	if err != nil {
		e.counters.cacheMisses.Add(1)
		if ErrorCode(err) == ErrCodeCacheCorrupt {
			e.metrics.cacheLookup("corrupt")
			e.logger.Warn("cache unusable, synchronizing from network", zap.Int("component", set.id), zap.Error(err))
			e.deferError(ts, err, set.id)
		} else {
			e.metrics.cacheLookup("miss")
			e.logger.Debug("cache miss", zap.Int("component", set.id), zap.Error(err))
		}
		if e.broadcastWindowOpen() {
			// wait for the broadcast list request
			set.state = StateAwaitingCount
			set.listDeadline = time.Time{}
			return
		}
		e.requestList(ts, set)
		return
	}
	e.loadSnapshot(ts, set, snapshot)
}

// loadSnapshot populates the directory from a cache hit and completes the
// component without network traffic
func (e *Engine) loadSnapshot(ts *turnState, set *componentSet, snapshot *CacheSnapshot) {
	for _, p := range snapshot.Params {
		e.directory.Upsert(set.id, p.Index, p.Name, p.Value)
	}
	set.declared = len(snapshot.Params)
	set.outstanding = make(map[int]int)
	set.state = StateReady
	set.fromCache = true
	set.cacheHash = snapshot.Hash
	set.savedHash = snapshot.Hash
	set.cacheDeadline = time.Time{}
	set.listDeadline = time.Time{}

	e.counters.cacheHits.Add(1)
	e.metrics.cacheLookup("hit")
	e.logger.Info("parameters loaded from cache",
		zap.Int("component", set.id),
		zap.Int("count", len(snapshot.Params)),
		zap.String("hash", snapshot.Hash))

	id, count, hash := set.id, len(snapshot.Params), snapshot.Hash
	ts.later(func() {
		e.audit.Log(AuditInfo, "cache_hit", id, "", nil, nil, map[string]interface{}{
			"count": count,
			"hash":  hash,
		})
	})
}

func (e *Engine) onIdentity(ts *turnState, componentID int, hash string) {
	if componentID <= 0 || hash == "" {
		e.protocolError(ts, componentID, errors.New(ErrCodeProtocolError, "invalid identity hash report").
			WithContext("component", componentID))
		return
	}
	e.knownHash[componentID] = hash

	set, ok := e.sets[componentID]
	if !ok {
		if !e.cycle.active || (e.cache == nil && e.cycle.discovery) {
			return
		}
		// a component first heard of after the cycle began joins it
		if e.cycle.reported {
			e.beginCycle(false)
		}
		set = e.ensureSet(componentID)
		set.inCycle = true
		e.logger.Debug("identity hash from new component", zap.Int("component", componentID))
		if e.cache == nil {
			e.requestList(ts, set)
			return
		}
		set.state = StateAwaitingIdentity
	}
	if e.cache == nil {
		return
	}

	switch {
	case set.state == StateAwaitingIdentity:
		e.tryCache(ts, set, hash)
	case set.state.Terminal() && set.fromCache && set.cacheHash != hash:
		e.logger.Info("identity hash changed, discarding cached parameters",
			zap.Int("component", componentID),
			zap.String("cached_hash", set.cacheHash),
			zap.String("hash", hash))
		if e.cycle.reported {
			e.beginCycle(false)
		}
		set.reset()
		set.inCycle = true
		e.requestList(ts, set)
	case set.state == StateReady && !set.fromCache && e.cycle.reported:
		e.scheduleCacheSave(ts, set, hash)
	}
}

func (e *Engine) onValue(ts *turnState, ev engineEvent) {
	if ev.name == "" {
		e.dropValue(ts, ev, "value report without parameter name")
		return
	}
	if ev.component <= 0 {
		e.dropValue(ts, ev, "value report with invalid component id")
		return
	}
	if !ev.wire.Type.IsValid() {
		e.dropValue(ts, ev, "value report with invalid type")
		return
	}

	set, ok := e.sets[ev.component]
	if !ok {
		if !e.cycle.discovery {
			e.dropValue(ts, ev, "value report from unknown component")
			return
		}
		set = e.ensureSet(ev.component)
		set.inCycle = true
		set.state = StateAwaitingCount
	}

	count := set.declared
	if set.state == StateAwaitingCount {
		if ev.count <= 0 {
			e.dropValue(ts, ev, "value report without parameter count")
			return
		}
		count = ev.count
	} else if count > 0 && ev.count > 0 && ev.count != count {
		e.dropValue(ts, ev, "value report with unexpected parameter count")
		return
	}
	if count == 0 {
		count = ev.count
	}
	if ev.index >= 0 && count > 0 && ev.index >= count {
		e.dropValue(ts, ev, "value report index out of declared range")
		return
	}
	_, local := set.unconfirmed[ev.name]
	existing, known := e.directory.Lookup(set.id, ev.name)
	conflict := known && existing.Value.Type() != ev.wire.Type
	if conflict && !local {
		e.dropValue(ts, ev, "value report type does not match known type")
		return
	}
	v, err := FromWire(ev.wire)
	if err != nil {
		e.protocolError(ts, ev.component, errors.Wrap(err, ErrCodeProtocolError, "value report does not decode").
			WithContext("component", ev.component).
			WithContext("param", ev.name))
		return
	}
	if local {
		delete(set.unconfirmed, ev.name)
		if conflict {
			e.adoptRemoteType(ts, set, ev.name, existing.Value.Type(), v.Type())
		}
	}

	if set.state == StateAwaitingCount {
		set.beginValues(count, ts.now.Add(e.config.ValueTimeout))
	}

	index := ev.index
	if index < 0 {
		index = NoIndex
	}
	e.directory.Upsert(set.id, index, ev.name, v)

	// duplicates and late arrivals only refresh the directory
	if index >= 0 {
		delete(set.outstanding, index)
	}
	delete(set.byName, ev.name)

	if w, pending := set.writes[ev.name]; pending && w.value.Equal(v) {
		delete(set.writes, ev.name)
		if len(set.writes) == 0 {
			set.writeDeadline = time.Time{}
			set.quietSince = ts.now
		}
	}

	if set.state == StateAwaitingValues || len(set.byName) > 0 {
		set.valueDeadline = ts.now.Add(e.config.ValueTimeout)
	}
	if e.cycle.discovery {
		e.cycle.responded = true
	}
	e.checkComplete(set)
}

// adoptRemoteType accepts the type the remote reports for a parameter a
// local write had typed differently; a pending write is retargeted to it
func (e *Engine) adoptRemoteType(ts *turnState, set *componentSet, name string, declared, remote ValueType) {
	e.protocolError(ts, set.id, errors.New(ErrCodeProtocolError, "remote type differs from declared type").
		WithContext("component", set.id).
		WithContext("param", name).
		WithContext("declared_type", declared.String()).
		WithContext("remote_type", remote.String()))

	w, pending := set.writes[name]
	if !pending {
		return
	}
	converted, err := ConvertValue(w.value, remote)
	if err != nil {
		e.logger.Warn("pending write does not convert to remote type",
			zap.Int("component", set.id),
			zap.String("param", name),
			zap.Error(err))
		return
	}
	w.value = converted
}

func (e *Engine) dropValue(ts *turnState, ev engineEvent, reason string) {
	e.protocolError(ts, ev.component, errors.New(ErrCodeProtocolError, reason).
		WithContext("component", ev.component).
		WithContext("param", ev.name).
		WithContext("index", ev.index).
		WithContext("count", ev.count).
		WithContext("type", ev.wire.Type.String()))
}

// protocolError records a dropped response; the session continues
func (e *Engine) protocolError(ts *turnState, componentID int, err error) {
	e.counters.protocolErrors.Add(1)
	e.metrics.protocolError()
	e.logger.Debug("response dropped", zap.Int("component", componentID), zap.Error(err))
	ts.later(func() {
		e.audit.Log(AuditWarn, "protocol_error", componentID, "", nil, nil, map[string]interface{}{
			"error": err.Error(),
		})
	})
	e.deferError(ts, err, componentID)
}

func (e *Engine) deferError(ts *turnState, err error, componentID int) {
	if e.config.ErrorHandler == nil {
		return
	}
	ts.later(func() { e.reportError(err, componentID) })
}

func (e *Engine) onRefreshNames(ts *turnState, componentID int, names []string) {
	if len(names) == 0 {
		return
	}
	set := e.ensureSet(componentID)
	idle := set.readsIdle()
	for _, name := range names {
		set.byName[name] = 0
		delete(set.failedNames, name)
	}
	if idle || set.valueDeadline.IsZero() {
		set.valueDeadline = ts.now
	}
}

func (e *Engine) onWrite(ts *turnState, ev engineEvent) {
	set := e.ensureSet(ev.component)

	var oldValue interface{}
	if old, ok := e.directory.Lookup(ev.component, ev.name); ok {
		oldValue = old.Value.String()
		if old.Value.Type() != ev.value.Type() {
			set.unconfirmed[ev.name] = struct{}{}
		}
	} else {
		set.unconfirmed[ev.name] = struct{}{}
	}
	e.directory.Upsert(ev.component, NoIndex, ev.name, ev.value)

	set.writes[ev.name] = &pendingWrite{value: ev.value}
	set.writeDeadline = ts.now.Add(e.config.ValueTimeout)
	set.saveRequired = true
	ts.send(outbound{kind: requestWrite, component: ev.component, name: ev.name, wire: ev.value.ToWire()})

	id, name, newValue, origin := ev.component, ev.name, ev.value.String(), ev.origin
	ts.later(func() {
		e.audit.Log(AuditInfo, "param_write", id, name, oldValue, newValue, map[string]interface{}{
			"origin": origin,
		})
	})
}

// supervise evaluates every deadline (caller holds mu)
func (e *Engine) supervise(ts *turnState) {
	now := ts.now
	c := &e.cycle

	// identities keep arriving until the window expires; a component that
	// was not served from the cache by then falls through to the list
	if e.broadcastWindowOpen() && !now.Before(c.cacheWindow) {
		c.cacheWindow = time.Time{}
		if !e.cycleFromCache() {
			for _, set := range e.sortedSets() {
				if set.inCycle && set.state == StateAwaitingIdentity {
					set.state = StateAwaitingCount
				}
			}
			c.listRetries = 0
			e.sendBroadcastList(ts)
		}
	}

	if c.discovery && !now.Before(c.listDeadline) {
		switch {
		case c.responded:
			c.discovery = false
			for _, set := range e.sortedSets() {
				if set.inCycle && set.state == StateAwaitingCount && set.listDeadline.IsZero() {
					set.listRetries = 0
					set.listDeadline = now
				}
			}
		case c.listRetries < e.config.MaxListRetries:
			c.listRetries++
			e.counters.retries.Add(1)
			e.metrics.retry("list")
			e.sendBroadcastList(ts)
		default:
			c.discovery = false
			c.listExhausted = true
			e.logger.Warn("no component answered the parameter list request",
				zap.Int("attempts", c.listRetries+1))
			for _, set := range e.sortedSets() {
				if set.inCycle && set.state == StateAwaitingCount {
					e.giveUpList(ts, set)
				}
			}
			e.deferError(ts, errors.New(ErrCodeTimeoutExhausted, "parameter list request was never answered").
				WithContext("attempts", c.listRetries+1), AllComponents)
		}
	}

	for _, set := range e.sortedSets() {
		e.superviseSet(ts, set)
	}
}

// cycleFromCache reports whether every component of the cycle was
// satisfied from the cache
func (e *Engine) cycleFromCache() bool {
	tracked := 0
	for _, set := range e.sets {
		if !set.inCycle {
			continue
		}
		tracked++
		if !set.fromCache || !set.state.Terminal() {
			return false
		}
	}
	return tracked > 0
}

func (e *Engine) superviseSet(ts *turnState, set *componentSet) {
	now := ts.now

	switch set.state {
	case StateAwaitingIdentity:
		if !set.cacheDeadline.IsZero() && !now.Before(set.cacheDeadline) {
			set.cacheDeadline = time.Time{}
			e.counters.cacheMisses.Add(1)
			e.metrics.cacheLookup("timeout")
			e.logger.Debug("no identity hash within cache window", zap.Int("component", set.id))
			e.requestList(ts, set)
		}
	case StateAwaitingCount:
		if !set.listDeadline.IsZero() && !now.Before(set.listDeadline) {
			if set.listRetries < e.config.MaxListRetries {
				set.listRetries++
				set.listDeadline = now.Add(e.config.InitialRequestTimeout)
				e.counters.retries.Add(1)
				e.metrics.retry("list")
				ts.send(outbound{kind: requestList, component: set.id})
			} else {
				e.giveUpList(ts, set)
			}
		}
	}

	if (set.state == StateAwaitingValues || len(set.byName) > 0) &&
		!set.valueDeadline.IsZero() && !now.Before(set.valueDeadline) {
		e.retryReads(ts, set)
	}

	if len(set.writes) > 0 && !set.writeDeadline.IsZero() && !now.Before(set.writeDeadline) {
		e.retryWrites(ts, set)
	}

	if set.saveRequired && len(set.writes) == 0 && now.Sub(set.quietSince) >= e.config.QuiescenceInterval {
		set.saveRequired = false
		e.counters.persists.Add(1)
		ts.send(outbound{kind: requestPersist, component: set.id})
		id := set.id
		ts.later(func() {
			e.audit.Log(AuditInfo, "param_persist", id, "", nil, nil, nil)
		})
	}

	e.checkComplete(set)
}

// giveUpList marks a component that never declared its count
func (e *Engine) giveUpList(ts *turnState, set *componentSet) {
	set.state = StateReadyWithGaps
	set.listFailed = true
	set.listDeadline = time.Time{}
	e.counters.readFailures.Add(1)
	e.metrics.failure("list")
	err := errors.New(ErrCodeTimeoutExhausted, "component never declared its parameter count").
		WithContext("component", set.id).
		WithContext("attempts", set.listRetries+1)
	e.logger.Warn("parameter list timed out", zap.Int("component", set.id), zap.Error(err))
	e.deferError(ts, err, set.id)
}

// retryReads re-issues reads for outstanding indices and names, moving
// entries at the retry ceiling to the failed sets
func (e *Engine) retryReads(ts *turnState, set *componentSet) {
	limit := e.config.MaxReadRetries

	indices := make([]int, 0, len(set.outstanding))
	for index := range set.outstanding {
		indices = append(indices, index)
	}
	sort.Ints(indices)

	newlyFailed := 0
	for _, index := range indices {
		retries := set.outstanding[index]
		if retries < limit {
			set.outstanding[index] = retries + 1
			e.counters.retries.Add(1)
			e.metrics.retry("read")
			ts.send(outbound{kind: requestRead, component: set.id, index: index})
			continue
		}
		delete(set.outstanding, index)
		set.failed[index] = struct{}{}
		newlyFailed++
	}

	names := make([]string, 0, len(set.byName))
	for name := range set.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		retries := set.byName[name]
		if retries < limit {
			set.byName[name] = retries + 1
			if retries > 0 {
				e.counters.retries.Add(1)
				e.metrics.retry("read")
			}
			ts.send(outbound{kind: requestRead, component: set.id, name: name, index: NoIndex})
			continue
		}
		delete(set.byName, name)
		set.failedNames[name] = struct{}{}
		e.counters.readFailures.Add(1)
		e.metrics.failure("read")
		err := errors.New(ErrCodeTimeoutExhausted, "parameter read was never answered").
			WithContext("component", set.id).
			WithContext("param", name).
			WithContext("attempts", limit)
		e.logger.Warn("parameter read abandoned", zap.Int("component", set.id), zap.String("param", name))
		e.deferError(ts, err, set.id)
	}

	if newlyFailed > 0 {
		e.counters.readFailures.Add(int64(newlyFailed))
		for i := 0; i < newlyFailed; i++ {
			e.metrics.failure("read")
		}
		err := errors.New(ErrCodeTimeoutExhausted, "parameter indices were never answered").
			WithContext("component", set.id).
			WithContext("failed", newlyFailed).
			WithContext("attempts", limit)
		e.logger.Warn("parameter indices abandoned",
			zap.Int("component", set.id),
			zap.Int("failed", newlyFailed))
		e.deferError(ts, err, set.id)
	}

	if len(set.outstanding) > 0 || len(set.byName) > 0 {
		set.valueDeadline = ts.now.Add(e.config.ValueTimeout)
	} else {
		set.valueDeadline = time.Time{}
	}
}

// retryWrites re-sends unacknowledged writes; a write at the ceiling is
// reported failed and the parameter is re-read to learn the real value
func (e *Engine) retryWrites(ts *turnState, set *componentSet) {
	names := make([]string, 0, len(set.writes))
	for name := range set.writes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		w := set.writes[name]
		if w.retries < e.config.MaxWriteRetries {
			w.retries++
			e.counters.retries.Add(1)
			e.metrics.retry("write")
			ts.send(outbound{kind: requestWrite, component: set.id, name: name, wire: w.value.ToWire()})
			continue
		}

		delete(set.writes, name)
		e.counters.writeFailures.Add(1)
		e.metrics.failure("write")
		err := errors.New(ErrCodeTimeoutExhausted, "parameter write was not acknowledged").
			WithContext("component", set.id).
			WithContext("param", name).
			WithContext("value", w.value.String()).
			WithContext("attempts", w.retries+1)
		e.logger.Warn("parameter write abandoned",
			zap.Int("component", set.id),
			zap.String("param", name),
			zap.String("value", w.value.String()))

		id, value := set.id, w.value.String()
		ts.later(func() {
			e.audit.Log(AuditWarn, "param_write_failed", id, name, nil, value, map[string]interface{}{
				"error": err.Error(),
			})
			if e.config.OnWriteFailed != nil {
				e.config.OnWriteFailed(id, name, err)
			}
		})
		e.deferError(ts, err, set.id)

		idle := set.readsIdle()
		set.byName[name] = 0
		if idle || set.valueDeadline.IsZero() {
			set.valueDeadline = ts.now
		}
	}

	if len(set.writes) > 0 {
		set.writeDeadline = ts.now.Add(e.config.ValueTimeout)
	} else {
		set.writeDeadline = time.Time{}
		set.quietSince = ts.now
	}
}

// checkComplete leaves AwaitingValues once nothing is outstanding
func (e *Engine) checkComplete(set *componentSet) {
	if set.state != StateAwaitingValues || len(set.outstanding) > 0 {
		return
	}
	if len(set.failed) > 0 {
		set.state = StateReadyWithGaps
		e.logger.Info("component synchronized with gaps",
			zap.Int("component", set.id),
			zap.Int("count", set.declared),
			zap.Int("failed", len(set.failed)))
	} else {
		set.state = StateReady
		e.logger.Info("component synchronized",
			zap.Int("component", set.id),
			zap.Int("count", set.declared))
	}
	if len(set.byName) == 0 {
		set.valueDeadline = time.Time{}
	}
}

// scheduleCacheSave snapshots a clean component and saves it after the
// lock is released
func (e *Engine) scheduleCacheSave(ts *turnState, set *componentSet, hash string) {
	if e.cache == nil || hash == "" || hash == set.savedHash {
		return
	}
	if set.state != StateReady || set.fromCache || len(set.failed) > 0 || len(set.writes) > 0 {
		return
	}
	set.savedHash = hash
	id := set.id
	params := e.directory.Snapshot(id)
	ts.later(func() {
		if err := e.cache.Save(id, hash, params); err != nil {
			e.logger.Warn("cache save failed", zap.Int("component", id), zap.Error(err))
			e.audit.Log(AuditWarn, "cache_save_failed", id, "", nil, nil, map[string]interface{}{
				"error": err.Error(),
				"path":  e.cache.Path(),
			})
			e.reportError(err, id)
			return
		}
		e.logger.Debug("parameters cached", zap.Int("component", id), zap.Int("count", len(params)))
	})
}
