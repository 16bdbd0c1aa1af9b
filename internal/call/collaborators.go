package call

import (
	"context"
	"fmt"
	"sync"

	"amora-realtime/internal/domain/call"
	amora_errors "amora-realtime/pkg/errors"
)

// Stream is a local media capture owned by one call session.
type Stream interface {
	Stop()
}

// MediaDevices acquires local capture. Failures wrap ErrPermissionDenied or
// ErrDeviceNotFound.
type MediaDevices interface {
	Acquire(ctx context.Context, kind call.Kind) (Stream, error)
}

// TokenSource issues a media transport credential for room and identity.
type TokenSource interface {
	Token(ctx context.Context, room, identity string) (string, error)
}

type NegotiateParams struct {
	Room     string
	Identity string
	Remote   string
	Token    string
	Kind     call.Kind
}

// PeerConnection is an opaque media transport to the remote peer.
type PeerConnection interface {
	// Connected is closed once media flows.
	Connected() <-chan struct{}
	// Failed delivers at most one error if the transport breaks.
	Failed() <-chan error
	Close() error
}

type PeerTransport interface {
	Negotiate(ctx context.Context, params NegotiateParams) (PeerConnection, error)
}

// StaticMedia stands in for capture devices that live on the client. Video
// is refused when the deployment does not allow it.
type StaticMedia struct {
	AllowVideo bool
}

func (m StaticMedia) Acquire(ctx context.Context, kind call.Kind) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if kind == call.KindVideo && !m.AllowVideo {
		return nil, fmt.Errorf("camera: %w", amora_errors.ErrDeviceNotFound)
	}
	return nopStream{}, nil
}

type nopStream struct{}

func (nopStream) Stop() {}

// ExternalTransport hands negotiation to the client. The returned connection
// only reports through Connect and Fail, typically driven by the HTTP facade.
type ExternalTransport struct {
	mu    sync.Mutex
	conns map[string]*ExternalConnection
}

func NewExternalTransport() *ExternalTransport {
	return &ExternalTransport{conns: make(map[string]*ExternalConnection)}
}

func (t *ExternalTransport) Negotiate(ctx context.Context, params NegotiateParams) (PeerConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn := &ExternalConnection{
		key:       params.Identity + "|" + params.Room,
		transport: t,
		connected: make(chan struct{}),
		failed:    make(chan error, 1),
	}
	t.mu.Lock()
	t.conns[conn.key] = conn
	t.mu.Unlock()
	return conn, nil
}

// Lookup returns the open connection of identity in room.
func (t *ExternalTransport) Lookup(identity, room string) (*ExternalConnection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[identity+"|"+room]
	return c, ok
}

type ExternalConnection struct {
	key       string
	transport *ExternalTransport

	once      sync.Once
	failOnce  sync.Once
	connected chan struct{}
	failed    chan error
}

func (c *ExternalConnection) Connected() <-chan struct{} { return c.connected }

func (c *ExternalConnection) Failed() <-chan error { return c.failed }

// Connect marks the media path as up. Repeated calls are ignored.
func (c *ExternalConnection) Connect() {
	c.once.Do(func() { close(c.connected) })
}

// Fail reports a broken media path. Only the first error is kept.
func (c *ExternalConnection) Fail(err error) {
	c.failOnce.Do(func() { c.failed <- err })
}

func (c *ExternalConnection) Close() error {
	c.transport.mu.Lock()
	if c.transport.conns[c.key] == c {
		delete(c.transport.conns, c.key)
	}
	c.transport.mu.Unlock()
	return nil
}
