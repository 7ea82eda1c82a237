// simlink.go: In-memory remote system for simulations and end-to-end tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

// Package simlink simulates a remote system with a lossy link. It
// implements hermes.Transport on the request side and answers through a
// Sink, dropping each outbound message with a configurable probability.
package simlink

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/hermes"
	"go.uber.org/zap"
)

// Sink receives the simulated responses
type Sink interface {
	HandleValue(ev hermes.ValueEvent)
	HandleIdentityHash(componentID int, hash string)
}

// Options configures a Remote
type Options struct {
	Components int     // default 1
	Params     int     // per component, default 32
	Loss       float64 // probability in [0, 1) that a response is lost
	Seed       uint64

	// AnnounceInterval is how often identity hashes are broadcast while
	// running. Default: 500ms
	AnnounceInterval time.Duration

	// QueueSize bounds pending requests; further requests are dropped
	// Default: 4096
	QueueSize int

	Logger *zap.Logger
}

var simTypes = []hermes.ValueType{
	hermes.TypeInt32,
	hermes.TypeFloat,
	hermes.TypeUint8,
	hermes.TypeInt16,
	hermes.TypeDouble,
	hermes.TypeUint16,
	hermes.TypeInt8,
	hermes.TypeUint32,
}

type simParam struct {
	name  string
	value hermes.Value
}

type component struct {
	id       int
	params   []simParam
	byName   map[string]int
	persists int
}

type request struct {
	kind      string
	component int
	name      string
	index     int
	wire      hermes.WireValue
}

// Remote is a simulated remote system
type Remote struct {
	options Options
	logger  *zap.Logger

	mu         sync.Mutex
	components map[int]*component
	ids        []int
	rng        *rand.Rand
	sink       Sink

	requests chan request
	sent     atomic.Int64
	lost     atomic.Int64
	rejected atomic.Int64
}

// New builds a remote with Components components of Params parameters of
// assorted types
func New(options Options) (*Remote, error) {
	if options.Components <= 0 {
		options.Components = 1
	}
	if options.Params <= 0 {
		options.Params = 32
	}
	if options.Loss < 0 || options.Loss >= 1 {
		return nil, errors.New(hermes.ErrCodeInvalidConfig, "loss must be in [0, 1)").
			WithContext("loss", options.Loss)
	}
	if options.AnnounceInterval <= 0 {
		options.AnnounceInterval = 500 * time.Millisecond
	}
	if options.QueueSize <= 0 {
		options.QueueSize = 4096
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}

	r := &Remote{
		options:    options,
		logger:     options.Logger,
		components: make(map[int]*component, options.Components),
		rng:        rand.New(rand.NewPCG(options.Seed, options.Seed^0x9e3779b97f4a7c15)),
		requests:   make(chan request, options.QueueSize),
	}

	for c := 1; c <= options.Components; c++ {
		comp := &component{id: c, byName: make(map[string]int, options.Params)}
		for i := 0; i < options.Params; i++ {
			t := simTypes[i%len(simTypes)]
			v, err := hermes.IntValue(int64(i%100), t)
			if err != nil {
				return nil, err
			}
			name := fmt.Sprintf("SIM%d_P%03d", c, i)
			comp.byName[name] = i
			comp.params = append(comp.params, simParam{name: name, value: v})
		}
		r.components[c] = comp
		r.ids = append(r.ids, c)
	}
	return r, nil
}

// Bind sets the receiver of responses
func (r *Remote) Bind(sink Sink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

func (r *Remote) enqueue(req request) error {
	select {
	case r.requests <- req:
	default:
		r.rejected.Add(1)
	}
	return nil
}

// SendListRequest queues a list request
func (r *Remote) SendListRequest(componentID int) error {
	return r.enqueue(request{kind: "list", component: componentID})
}

// SendReadRequest queues a read by name or index
func (r *Remote) SendReadRequest(componentID int, name string, index int) error {
	return r.enqueue(request{kind: "read", component: componentID, name: name, index: index})
}

// SendWriteRequest queues a write
func (r *Remote) SendWriteRequest(componentID int, name string, value hermes.WireValue) error {
	return r.enqueue(request{kind: "write", component: componentID, name: name, wire: value})
}

// SendPersistCommand queues a persist command
func (r *Remote) SendPersistCommand(componentID int) error {
	return r.enqueue(request{kind: "persist", component: componentID})
}

// Run answers requests and announces identity hashes until ctx is done
func (r *Remote) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.options.AnnounceInterval)
	defer ticker.Stop()

	r.logger.Debug("simulated remote running",
		zap.Int("components", len(r.ids)),
		zap.Int("params", r.options.Params),
		zap.Float64("loss", r.options.Loss))
	r.Announce()
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-r.requests:
			r.process(req)
		case <-ticker.C:
			r.Announce()
		}
	}
}

// Announce sends the identity hash of every component
func (r *Remote) Announce() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.ids {
		r.emitHash(r.components[id])
	}
}

func (r *Remote) process(req request) {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := []*component{}
	if req.component == hermes.AllComponents {
		for _, id := range r.ids {
			targets = append(targets, r.components[id])
		}
	} else if c, ok := r.components[req.component]; ok {
		targets = append(targets, c)
	}

	for _, c := range targets {
		switch req.kind {
		case "list":
			r.emitHash(c)
			for i := range c.params {
				r.emitValue(c, i)
			}
		case "read":
			index := req.index
			if req.name != "" {
				i, ok := c.byName[req.name]
				if !ok {
					continue
				}
				index = i
			}
			if index >= 0 && index < len(c.params) {
				r.emitValue(c, index)
			}
		case "write":
			i, ok := c.byName[req.name]
			if !ok {
				continue
			}
			if v, err := hermes.FromWire(req.wire); err == nil && v.Type() == c.params[i].value.Type() {
				c.params[i].value = v
			}
			r.emitValue(c, i)
		case "persist":
			c.persists++
		}
	}
}

// emitValue sends one value report, subject to loss (caller holds mu)
func (r *Remote) emitValue(c *component, index int) {
	if r.sink == nil || r.drop() {
		return
	}
	p := c.params[index]
	r.sent.Add(1)
	r.sink.HandleValue(hermes.ValueEvent{
		ComponentID: c.id,
		Name:        p.name,
		Index:       index,
		Count:       len(c.params),
		Wire:        p.value.ToWire(),
	})
}

func (r *Remote) emitHash(c *component) {
	if r.sink == nil || r.drop() {
		return
	}
	r.sent.Add(1)
	r.sink.HandleIdentityHash(c.id, identityHash(c))
}

func (r *Remote) drop() bool {
	if r.options.Loss > 0 && r.rng.Float64() < r.options.Loss {
		r.lost.Add(1)
		return true
	}
	return false
}

// identityHash covers names, types and values in name order
func identityHash(c *component) string {
	names := make([]string, 0, len(c.params))
	for _, p := range c.params {
		names = append(names, p.name)
	}
	sort.Strings(names)
	h := sha256.New()
	for _, name := range names {
		v := c.params[c.byName[name]].value
		_, _ = fmt.Fprintf(h, "%s:%s:%d\n", name, v.Type(), v.ToWire().Bits)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// IdentityHash returns the current hash of a component
func (r *Remote) IdentityHash(componentID int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.components[componentID]; ok {
		return identityHash(c)
	}
	return ""
}

// Value returns the remote's current value of a parameter
func (r *Remote) Value(componentID int, name string) (hermes.Value, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.components[componentID]
	if !ok {
		return hermes.Value{}, false
	}
	i, ok := c.byName[name]
	if !ok {
		return hermes.Value{}, false
	}
	return c.params[i].value, true
}

// Names lists the parameters of a component in index order
func (r *Remote) Names(componentID int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.components[componentID]
	if !ok {
		return nil
	}
	out := make([]string, len(c.params))
	for i, p := range c.params {
		out[i] = p.name
	}
	return out
}

// Persists returns how many persist commands a component received
func (r *Remote) Persists(componentID int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.components[componentID]; ok {
		return c.persists
	}
	return 0
}

// Stats returns delivered, lost and rejected message counts
func (r *Remote) Stats() (sent, lost, rejected int64) {
	return r.sent.Load(), r.lost.Load(), r.rejected.Load()
}

var _ hermes.Transport = (*Remote)(nil)
