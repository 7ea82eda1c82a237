// progress.go: Progress and completion reporting for synchronization cycles
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package hermes

import (
	"math"

	"go.uber.org/zap"
)

// report recomputes progress and fires the ready signal once per cycle
// (caller holds mu)
func (e *Engine) report(ts *turnState) {
	c := &e.cycle
	if !c.active {
		return
	}
	e.freezeDefaultLocked()
	if c.reported {
		return
	}

	if e.cycleComplete() {
		c.reported = true
		missing := c.listExhausted
		for _, set := range e.sets {
			if set.inCycle && set.state == StateReadyWithGaps {
				missing = true
			}
		}
		e.ready = true
		e.readyMissing = missing
		e.progress = 1
		c.lastEmitted = 1
		if !e.defaultFrozen {
			e.resolveDefaultLocked()
			e.defaultFrozen = true
		}
		e.metrics.setProgress(1)

		components := 0
		for _, set := range e.sortedSets() {
			if !set.inCycle {
				continue
			}
			components++
			e.scheduleCacheSave(ts, set, e.knownHash[set.id])
		}
		e.logger.Info("parameters ready",
			zap.Bool("missing", missing),
			zap.Int("components", components),
			zap.Int("default_component", e.defaultComponent))

		ts.later(func() { e.emitProgress(1) })
		ts.later(func() {
			if e.config.OnReady != nil {
				e.config.OnReady(missing)
			}
		})
		ts.later(func() {
			e.audit.Log(AuditInfo, "sync_ready", AllComponents, "", nil, nil, map[string]interface{}{
				"missing":    missing,
				"components": components,
			})
		})
		return
	}

	fraction, ok := e.cycleProgress()
	if !ok || fraction >= 1 {
		// 1.0 is reserved for completion
		return
	}
	if math.Abs(fraction-c.lastEmitted) < e.config.ProgressStep {
		return
	}
	c.lastEmitted = fraction
	e.progress = fraction
	e.metrics.setProgress(fraction)
	ts.later(func() { e.emitProgress(fraction) })
}

// cycleComplete reports whether every component of the cycle has reached
// a terminal state. A broadcast cycle stays open while the cache window or
// list discovery can still add components.
func (e *Engine) cycleComplete() bool {
	c := &e.cycle
	if !c.cacheWindow.IsZero() || c.discovery {
		return false
	}
	tracked := 0
	for _, set := range e.sets {
		if !set.inCycle {
			continue
		}
		tracked++
		if !set.state.Terminal() {
			return false
		}
	}
	if tracked == 0 {
		return c.listExhausted
	}
	return true
}

// cycleProgress is (received or failed) / declared, summed over the
// components of the cycle whose count is known
func (e *Engine) cycleProgress() (float64, bool) {
	total, done := 0, 0
	for _, set := range e.sets {
		if !set.inCycle || set.declared <= 0 {
			continue
		}
		total += set.declared
		done += set.declared - len(set.outstanding)
	}
	if total == 0 {
		return 0, false
	}
	return float64(done) / float64(total), true
}

// freezeDefaultLocked resolves the default component once per cycle, as
// soon as a component of the cycle declares its count or the preferred
// component is part of it (caller holds mu)
func (e *Engine) freezeDefaultLocked() {
	if e.defaultFrozen {
		return
	}
	known := false
	for id, set := range e.sets {
		if !set.inCycle {
			continue
		}
		if set.declared > 0 || (id == e.config.PreferredComponentID && id > 0) {
			known = true
			break
		}
	}
	if !known {
		return
	}
	e.resolveDefaultLocked()
	e.defaultFrozen = true
	e.logger.Debug("default component resolved", zap.Int("component", e.defaultComponent))
}

// resolveDefaultLocked recomputes the default component from the declared
// counts (caller holds mu)
func (e *Engine) resolveDefaultLocked() {
	counts := make(map[int]int, len(e.sets))
	for id, set := range e.sets {
		count := set.declared
		if known := e.directory.Count(id); known > count {
			count = known
		}
		counts[id] = count
	}
	id, ok := ResolveDefaultComponent(counts, e.config.PreferredComponentID)
	e.defaultComponent = id
	e.defaultResolved = ok
}

func (e *Engine) emitProgress(fraction float64) {
	if e.config.OnProgress != nil {
		e.config.OnProgress(fraction)
	}
}
