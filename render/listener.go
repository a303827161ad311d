package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/osu-tender/telemetry"
)

// State is the listener's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Resolver receives completion events.
type Resolver interface {
	Resolve(ctx context.Context, id int64, outcome Outcome) bool
}

const (
	eventRenderDone   = "render_done_json"
	eventRenderFailed = "render_failed_json"
)

var errServerDisconnect = errors.New("server closed the namespace")

// Listener keeps a socket.io subscription to o!rdr open and forwards completion events to a
// Resolver. It reconnects with exponential backoff until its context is cancelled; events
// emitted while disconnected are lost.
type Listener struct {
	url      string
	resolver Resolver
	dialer   *websocket.Dialer
	clock    clockwork.Clock
	backoff  *backoff.ExponentialBackOff

	state atomic.Int32
	since atomic.Int64
	// serializes writes; gorilla allows one concurrent writer
	writeMu sync.Mutex
}

// ListenerOption customizes a Listener.
type ListenerOption func(*Listener)

// WithBackoff replaces the reconnect schedule.
func WithBackoff(b *backoff.ExponentialBackOff) ListenerOption {
	return func(l *Listener) { l.backoff = b }
}

// WithClock replaces the clock used for reconnect delays.
func WithClock(c clockwork.Clock) ListenerOption {
	return func(l *Listener) { l.clock = c }
}

// NewListener returns a listener for the socket.io websocket endpoint at url.
func NewListener(url string, resolver Resolver, opts ...ListenerOption) *Listener {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 2 * time.Minute
	l := &Listener{
		url:      url,
		resolver: resolver,
		dialer:   &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		clock:    clockwork.NewRealClock(),
		backoff:  b,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// State returns the current connection state.
func (l *Listener) State() State { return State(l.state.Load()) }

// Connected reports whether the subscription is live.
func (l *Listener) Connected() bool { return l.State() == StateConnected }

// Since returns when the current state was entered.
func (l *Listener) Since() time.Time { return time.Unix(0, l.since.Load()) }

func (l *Listener) setState(s State) {
	if State(l.state.Swap(int32(s))) == s {
		return
	}
	l.since.Store(l.clock.Now().UnixNano())
	if s == StateConnected {
		telemetry.ListenerConnected.Set(1)
	} else {
		telemetry.ListenerConnected.Set(0)
	}
	slog.Debug("completion listener state", slog.String("state", s.String()), slog.String("component", "render_listener"))
}

// Run connects and re-connects until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	slog.Info("completion listener starting", slog.String("url", l.url), slog.String("component", "render_listener"))
	defer l.setState(StateDisconnected)
	for {
		l.setState(StateConnecting)
		sctx, span := telemetry.StartListenerSession(ctx, l.url)
		err := l.session(sctx)
		if ctx.Err() == nil {
			telemetry.RecordError(span, err)
		}
		span.End()
		l.setState(StateDisconnected)
		if ctx.Err() != nil {
			slog.Info("completion listener stopped", slog.String("component", "render_listener"))
			return
		}
		wait := l.backoff.NextBackOff()
		if wait < 0 {
			l.backoff.Reset()
			wait = l.backoff.NextBackOff()
		}
		telemetry.ListenerReconnects.Inc()
		slog.Warn("completion socket disconnected; reconnecting", slog.Any("err", err), slog.Duration("in", wait), slog.String("component", "render_listener"))
		select {
		case <-ctx.Done():
			slog.Info("completion listener stopped", slog.String("component", "render_listener"))
			return
		case <-l.clock.After(wait):
		}
	}
}

type openPacket struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

func (l *Listener) session(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() { _ = conn.Close() }()
	stop := context.AfterFunc(ctx, func() {
		_ = l.write(conn, "41")
		_ = conn.Close()
	})
	defer stop()

	deadline := 60 * time.Second
	for {
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if len(data) == 0 {
			continue
		}
		switch data[0] {
		case '0': // engine.io open
			var op openPacket
			if err := json.Unmarshal(data[1:], &op); err == nil && op.PingInterval > 0 {
				deadline = time.Duration(op.PingInterval+op.PingTimeout) * time.Millisecond
			}
			if err := l.write(conn, "40"); err != nil {
				return fmt.Errorf("namespace connect: %w", err)
			}
		case '1': // engine.io close
			return errServerDisconnect
		case '2': // ping
			if err := l.write(conn, "3"+string(data[1:])); err != nil {
				return fmt.Errorf("pong: %w", err)
			}
		case '4': // engine.io message carrying a socket.io packet
			if err := l.handlePacket(ctx, data[1:]); err != nil {
				return err
			}
		}
	}
}

func (l *Listener) handlePacket(ctx context.Context, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	switch p[0] {
	case '0':
		l.backoff.Reset()
		l.setState(StateConnected)
		slog.Info("completion socket connected", slog.String("component", "render_listener"))
	case '1':
		return errServerDisconnect
	case '2':
		l.handleEvent(ctx, p[1:])
	case '4':
		return fmt.Errorf("namespace connect refused: %s", p[1:])
	}
	return nil
}

// handleEvent parses `[<ack id>]["name", data]` and resolves completion events.
func (l *Listener) handleEvent(ctx context.Context, p []byte) {
	if i := bytes.IndexByte(p, '['); i > 0 {
		p = p[i:]
	}
	var frame []json.RawMessage
	if err := json.Unmarshal(p, &frame); err != nil || len(frame) < 2 {
		return
	}
	var name string
	if err := json.Unmarshal(frame[0], &name); err != nil {
		return
	}
	payload := unwrapString(frame[1])

	switch name {
	case eventRenderDone:
		var ev struct {
			RenderID int64  `json:"renderID"`
			VideoURL string `json:"videoUrl"`
		}
		if err := json.Unmarshal(payload, &ev); err != nil || ev.RenderID == 0 {
			slog.Warn("malformed render_done event", slog.Any("err", err), slog.String("component", "render_listener"))
			return
		}
		l.resolver.Resolve(ctx, ev.RenderID, Done(ev.VideoURL))
	case eventRenderFailed:
		var ev struct {
			RenderID     int64  `json:"renderID"`
			ErrorCode    int    `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
		}
		if err := json.Unmarshal(payload, &ev); err != nil || ev.RenderID == 0 {
			slog.Warn("malformed render_failed event", slog.Any("err", err), slog.String("component", "render_listener"))
			return
		}
		l.resolver.Resolve(ctx, ev.RenderID, Failed(ev.ErrorCode, ev.ErrorMessage))
	}
}

// unwrapString accepts event data sent either as an object or as a JSON-encoded string.
func unwrapString(raw json.RawMessage) json.RawMessage {
	var s string
	if len(raw) > 0 && raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return json.RawMessage(s)
	}
	return raw
}

func (l *Listener) write(conn *websocket.Conn, msg string) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, []byte(msg))
}
