// link.go: NATS transport for the hermes parameter engine
//
// Requests are published as JSON on
//
//	<prefix>.<target>.req.list
//	<prefix>.<target>.req.read
//	<prefix>.<target>.req.write
//	<prefix>.<target>.req.persist
//
// and the remote answers on <prefix>.<target>.value and <prefix>.<target>.hash.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

package natslink

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-errors"
	"github.com/agilira/hermes"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Sink receives decoded responses. *hermes.Engine implements it.
type Sink interface {
	HandleValue(ev hermes.ValueEvent)
	HandleIdentityHash(componentID int, hash string)
}

// Subscription is the part of *nats.Subscription the link uses
type Subscription interface {
	Unsubscribe() error
}

// Conn is the part of a NATS connection the link uses
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (Subscription, error)
	Drain() error
}

// natsConn adapts *nats.Conn to Conn
type natsConn struct {
	conn *nats.Conn
}

func (c natsConn) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

func (c natsConn) Subscribe(subject string, cb nats.MsgHandler) (Subscription, error) {
	return c.conn.Subscribe(subject, cb)
}

func (c natsConn) Drain() error {
	return c.conn.Drain()
}

// Options configures a Link
type Options struct {
	// Prefix is the first subject token. Default: "hermes"
	Prefix string

	// Target names the remote system. Default: "default"
	Target string

	// Session is attached to every request. Attach replaces it with the
	// engine's session id.
	Session string

	// Connection tuning used by Dial
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	PingInterval  time.Duration
	Timeout       time.Duration
	DrainTimeout  time.Duration

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = "hermes"
	}
	if o.Target == "" {
		o.Target = "default"
	}
	if o.Name == "" {
		o.Name = "hermes"
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = -1
	}
	if o.ReconnectWait <= 0 {
		o.ReconnectWait = 2 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Request is the JSON body of every outbound request
type Request struct {
	Session   string `json:"session,omitempty"`
	Component int    `json:"component"`
	Name      string `json:"name,omitempty"`
	Index     int    `json:"index"`
	Type      string `json:"type,omitempty"`
	Bits      uint64 `json:"bits,omitempty"`
}

// ValueReport is the JSON body of a value message
type ValueReport struct {
	Component int    `json:"component"`
	Name      string `json:"name"`
	Index     int    `json:"index"`
	Count     int    `json:"count"`
	Type      string `json:"type"`
	Bits      uint64 `json:"bits"`
}

// UnmarshalJSON decodes a value report. A report without an index field
// carries hermes.NoIndex rather than index 0.
func (r *ValueReport) UnmarshalJSON(data []byte) error {
	type plain ValueReport
	decoded := plain{Index: hermes.NoIndex}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*r = ValueReport(decoded)
	return nil
}

// HashReport is the JSON body of an identity hash message
type HashReport struct {
	Component int    `json:"component"`
	Hash      string `json:"hash"`
}

// Link implements hermes.Transport over NATS
type Link struct {
	conn    Conn
	options Options
	logger  *zap.Logger
	owned   bool

	mu   sync.Mutex
	subs []Subscription

	session atomic.Pointer[string]

	published atomic.Int64
	received  atomic.Int64
	dropped   atomic.Int64
	closed    atomic.Bool
}

// Dial connects to a NATS server and returns a link over that connection
func Dial(url string, options Options) (*Link, error) {
	opts := options.withDefaults()
	logger := opts.Logger

	conn, err := nats.Connect(url,
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.PingInterval(opts.PingInterval),
		nats.Timeout(opts.Timeout),
		nats.DrainTimeout(opts.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Debug("nats connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Warn("nats async error", zap.String("subject", subject), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, hermes.ErrCodeTransportError, "failed to connect to nats").
			WithContext("url", url)
	}

	link, err := New(natsConn{conn: conn}, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	link.owned = true
	return link, nil
}

// New creates a link over an existing connection. The connection stays
// owned by the caller.
func New(conn Conn, options Options) (*Link, error) {
	if conn == nil {
		return nil, errors.New(hermes.ErrCodeInvalidConfig, "nats connection cannot be nil")
	}
	opts := options.withDefaults()
	if strings.ContainsAny(opts.Prefix+opts.Target, " \t*>") {
		return nil, errors.New(hermes.ErrCodeInvalidConfig, "subject tokens cannot contain wildcards or spaces").
			WithContext("prefix", opts.Prefix).
			WithContext("target", opts.Target)
	}
	link := &Link{
		conn:    conn,
		options: opts,
		logger:  opts.Logger.With(zap.String("target", opts.Target)),
	}
	link.SetSession(opts.Session)
	return link, nil
}

// SetSession changes the session id attached to subsequent requests
func (l *Link) SetSession(session string) {
	l.session.Store(&session)
}

// Session returns the session id attached to requests
func (l *Link) Session() string {
	return *l.session.Load()
}

// Attach tags every request with the engine's session id and binds the
// engine as the response sink
func (l *Link) Attach(engine *hermes.Engine) error {
	if engine == nil {
		return errors.New(hermes.ErrCodeInvalidConfig, "engine cannot be nil")
	}
	l.SetSession(engine.SessionID())
	return l.Bind(engine)
}

// Subject builds a subject under the link's prefix and target
func (l *Link) Subject(suffix string) string {
	return l.options.Prefix + "." + l.options.Target + "." + suffix
}

func (l *Link) publish(kind string, req Request) error {
	if l.closed.Load() {
		return errors.New(hermes.ErrCodeTransportError, "link is closed")
	}
	req.Session = l.Session()
	data, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, hermes.ErrCodeTransportError, "failed to encode request")
	}
	subject := l.Subject("req." + kind)
	if err := l.conn.Publish(subject, data); err != nil {
		return errors.Wrap(err, hermes.ErrCodeTransportError, "failed to publish request").
			WithContext("subject", subject)
	}
	l.published.Add(1)
	return nil
}

// SendListRequest asks a component (or every component) to report all values
func (l *Link) SendListRequest(componentID int) error {
	return l.publish("list", Request{Component: componentID, Index: hermes.NoIndex})
}

// SendReadRequest asks for one value by name, or by index when name is empty
func (l *Link) SendReadRequest(componentID int, name string, index int) error {
	if name != "" {
		index = hermes.NoIndex
	}
	return l.publish("read", Request{Component: componentID, Name: name, Index: index})
}

// SendWriteRequest asks the remote to set a value
func (l *Link) SendWriteRequest(componentID int, name string, value hermes.WireValue) error {
	return l.publish("write", Request{
		Component: componentID,
		Name:      name,
		Index:     hermes.NoIndex,
		Type:      value.Type.String(),
		Bits:      value.Bits,
	})
}

// SendPersistCommand asks a component to store its values
func (l *Link) SendPersistCommand(componentID int) error {
	return l.publish("persist", Request{Component: componentID, Index: hermes.NoIndex})
}

// Bind subscribes to the response subjects and forwards every well formed
// message to sink. Malformed messages are dropped and counted.
func (l *Link) Bind(sink Sink) error {
	if sink == nil {
		return errors.New(hermes.ErrCodeInvalidConfig, "sink cannot be nil")
	}
	if l.closed.Load() {
		return errors.New(hermes.ErrCodeTransportError, "link is closed")
	}

	valueSub, err := l.conn.Subscribe(l.Subject("value"), func(msg *nats.Msg) {
		l.handleValue(sink, msg)
	})
	if err != nil {
		return errors.Wrap(err, hermes.ErrCodeTransportError, "failed to subscribe to value reports")
	}
	hashSub, err := l.conn.Subscribe(l.Subject("hash"), func(msg *nats.Msg) {
		l.handleHash(sink, msg)
	})
	if err != nil {
		_ = valueSub.Unsubscribe()
		return errors.Wrap(err, hermes.ErrCodeTransportError, "failed to subscribe to identity hashes")
	}

	l.mu.Lock()
	l.subs = append(l.subs, valueSub, hashSub)
	l.mu.Unlock()
	return nil
}

func (l *Link) handleValue(sink Sink, msg *nats.Msg) {
	var report ValueReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		l.drop("undecodable value report", err)
		return
	}
	t, err := hermes.ParseValueType(report.Type)
	if err != nil {
		l.drop("unknown value type", err)
		return
	}
	if report.Component <= 0 {
		l.drop("value report without component", nil)
		return
	}
	l.received.Add(1)
	sink.HandleValue(hermes.ValueEvent{
		ComponentID: report.Component,
		Name:        report.Name,
		Index:       report.Index,
		Count:       report.Count,
		Wire:        hermes.WireValue{Type: t, Bits: report.Bits},
	})
}

func (l *Link) handleHash(sink Sink, msg *nats.Msg) {
	var report HashReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		l.drop("undecodable identity hash", err)
		return
	}
	if report.Component <= 0 || report.Hash == "" {
		l.drop("incomplete identity hash", nil)
		return
	}
	l.received.Add(1)
	sink.HandleIdentityHash(report.Component, report.Hash)
}

func (l *Link) drop(reason string, err error) {
	l.dropped.Add(1)
	l.logger.Debug("message dropped", zap.String("reason", reason), zap.Error(err))
}

// Stats returns published, received and dropped message counts
func (l *Link) Stats() (published, received, dropped int64) {
	return l.published.Load(), l.received.Load(), l.dropped.Load()
}

// Close unsubscribes and, for links created by Dial, drains the connection
func (l *Link) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}

	l.mu.Lock()
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.owned {
		if err := l.conn.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return errors.Wrap(firstErr, hermes.ErrCodeTransportError, "failed to close link")
	}
	return nil
}

var _ hermes.Transport = (*Link)(nil)
