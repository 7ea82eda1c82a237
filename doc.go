// Package hermes synchronizes named, typed, component-scoped parameters
// between a control application and a remote embedded system over a lossy,
// message-oriented link.
//
// # Architecture Overview
//
// An Engine owns one synchronization session against one remote target.
// It is built from five parts:
//  1. Value conversion between typed values, wire bits and text (Value, WireValue)
//  2. The Directory, the single source of truth for what is currently known
//  3. The CacheStore, a YAML snapshot keyed by the remote's identity hash
//  4. The scheduler, a per-component state machine with bounded retries
//  5. The reporter, which emits progress and a single ready signal per cycle
//
// Transport callbacks never touch engine state. They push typed events into
// an MPSC ring that the owner goroutine drains on every turn, together with
// the caller's commands and the timers.
//
// # Synchronizing
//
//	engine, err := hermes.New(link, hermes.Config{
//		CachePath: "/var/lib/gcs/params.yaml",
//		OnProgress: func(f float64) { bar.Set(f) },
//		OnReady: func(missing bool) {
//			if missing {
//				log.Println("parameters loaded with gaps")
//			}
//		},
//	})
//	if err != nil {
//		return err
//	}
//	if err := engine.Start(); err != nil {
//		return err
//	}
//	defer engine.Close()
//
//	engine.RefreshAllParameters(hermes.AllComponents)
//
// The transport feeds responses back with HandleValue and
// HandleIdentityHash. transport/natslink provides a NATS transport.
//
// # Component States
//
// Each component moves through:
//
//	Idle -> AwaitingIdentity -> AwaitingCount -> AwaitingValues -> Ready | ReadyWithGaps
//
// AwaitingIdentity is entered only when a cache is configured. A list request
// is resent up to MaxListRetries times; reads up to MaxReadRetries; writes up
// to MaxWriteRetries. Exhausted reads degrade the component to ReadyWithGaps
// and the ready signal reports missing parameters. Nothing is ever fatal.
//
// # Writes
//
// SetParameter converts the value synchronously against the declared type
// (catalog metadata, else the known type) and enforces the metadata range.
// A conversion failure is returned to the caller and nothing is sent. Sent
// writes are retried until a matching value report acknowledges them. Once
// no write is outstanding for QuiescenceInterval, one persist command is
// sent per component.
//
// # Metadata
//
// A Catalog loads parameter metadata from a YAML descriptor, locally or
// through a registered source (file, http, https) with fallback. A
// CatalogWatcher hot-swaps it into a running engine.
//
// # Backup and Restore
//
// WriteParametersToStream exports every known parameter as tab separated
// text; ReadParametersFromStream applies a stream through the normal write
// path.
//
// # Observability
//
// Logs go to a zap.Logger, counters to Prometheus through Metrics, and
// writes, persists, cache hits and ready signals to an optional audit trail
// backed by SQLite or JSONL. Every error the engine absorbs is also passed
// to Config.ErrorHandler.
//
// Repository: https://github.com/agilira/hermes
package hermes
