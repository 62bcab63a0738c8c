package audit

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/vk/detgraph/internal/ctxlog"
	"github.com/vk/detgraph/internal/monitor"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// DefaultEvent is the socket.io event records are emitted under.
const DefaultEvent = "audit"

var ErrNotConnected = errors.New("socket.io client is not connected")

// emitter is the part of *socket.Socket the sink uses.
type emitter interface {
	Emit(ev string, args ...any) error
	Connected() bool
}

// SocketIOOptions configures DialSocketIO.
type SocketIOOptions struct {
	URL                string
	Namespace          string
	Event              string
	InsecureSkipVerify bool
	Timeout            time.Duration
}

// SocketIOSink emits every record as one socket.io event.
type SocketIOSink struct {
	client emitter
	close  func()
	event  string
	target string
}

// DialSocketIO connects to a socket.io server over websocket and waits for
// the connect event.
func DialSocketIO(ctx context.Context, o SocketIOOptions) (*SocketIOSink, error) {
	logger := ctxlog.FromContext(ctx).With("sink", "socketio", "url", o.URL)

	parsedURL, err := url.Parse(o.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("failed to parse URL: %q needs a scheme and host", o.URL)
	}
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	if o.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification.")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	connectChan := make(chan error, 1)
	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(o.Namespace, opts)

	io.Once(types.EventName("connect"), func(...any) {
		logger.Info("Audit forwarder connected.", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		var err error = ErrNotConnected
		if len(errs) > 0 {
			if e, ok := errs[0].(error); ok {
				err = e
			}
		}
		connectChan <- err
	})
	io.Connect()

	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(o.Timeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %v waiting for socket.io connection", o.Timeout)
	}

	return newSocketIOSink(io, func() { io.Disconnect() }, o.Event, o.URL), nil
}

func newSocketIOSink(client emitter, closeFn func(), event, target string) *SocketIOSink {
	if event == "" {
		event = DefaultEvent
	}
	return &SocketIOSink{client: client, close: closeFn, event: event, target: target}
}

func (s *SocketIOSink) Name() string { return "socketio:" + s.target }

func (s *SocketIOSink) Write(_ context.Context, r monitor.Record) error {
	if !s.client.Connected() {
		return ErrNotConnected
	}
	return s.client.Emit(s.event, map[string]any{
		"id":        r.ID,
		"seq":       r.Seq,
		"at_cycles": r.AtCycles,
		"time":      r.Time.UTC().Format(time.RFC3339Nano),
		"kind":      string(r.Kind),
		"operator":  r.Operator,
		"server":    r.Server,
		"detail":    r.Detail,
	})
}

func (s *SocketIOSink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
