package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aretw0/lifecycle"
	gorilla "github.com/gorilla/websocket"

	"github.com/aretw0/humus/pkg/core"
)

// ErrConnClosed is returned by a Conn after Close or once the peer went away.
var ErrConnClosed = errors.New("connection closed")

const maxMessageSize = 64 << 20

// Conn is a bidirectional message transport.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Endpoint identifies the peer store of a replication session.
type Endpoint interface {
	Dial(ctx context.Context) (Conn, error)
	String() string
}

// pipeConn is one end of an in-memory connection.
type pipeConn struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{} // shared by both ends
	once   *sync.Once
}

func newPipe() (Conn, Conn) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &pipeConn{in: ba, out: ab, closed: closed, once: once},
		&pipeConn{in: ab, out: ba, closed: closed, once: once}
}

func (p *pipeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-p.in:
		return data, nil
	case <-p.closed:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-p.closed:
		return ErrConnClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type storeEndpoint struct {
	store  core.Replicable
	logger *slog.Logger
}

// StoreEndpoint replicates with a store in the same process. Every dial
// starts a responder for store on the far end of an in-memory pipe.
func StoreEndpoint(store core.Replicable) Endpoint {
	return &storeEndpoint{store: store, logger: discardLogger()}
}

func (e *storeEndpoint) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	local, remote := newPipe()
	// The responder outlives the dial context; it stops when the pipe closes.
	lifecycle.Go(context.Background(), func(ctx context.Context) error {
		return serve(ctx, e.store, remote, e.logger)
	}, lifecycle.WithErrorHandler(func(err error) {
		e.logger.Error("in-memory responder failed", "error", err)
	}))
	return local, nil
}

func (e *storeEndpoint) String() string {
	return "store:" + e.store.UUID()
}

// wsConn adapts a gorilla connection. Gorilla allows one concurrent writer.
type wsConn struct {
	conn    *gorilla.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func newWSConn(conn *gorilla.Conn) *wsConn {
	conn.SetReadLimit(maxMessageSize)
	return &wsConn{conn: conn}
}

// ReadMessage blocks until a message arrives or the connection is closed;
// gorilla reads cannot be interrupted by ctx.
func (c *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
				return nil, ErrConnClosed
			}
			return nil, err
		}
		if kind == gorilla.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := c.conn.WriteMessage(gorilla.BinaryMessage, data); err != nil {
		if errors.Is(err, gorilla.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
			return ErrConnClosed
		}
		return err
	}
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(gorilla.CloseMessage,
			gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// Dialer is the websocket dialer used by URL endpoints.
var Dialer = &gorilla.Dialer{
	Proxy:             http.ProxyFromEnvironment,
	HandshakeTimeout:  10 * time.Second,
	EnableCompression: true,
	Subprotocols:      []string{Subprotocol},
}

type urlEndpoint struct {
	url string
}

// URLEndpoint replicates with a store served by NewHandler, for example
// "ws://host:4984/db".
func URLEndpoint(url string) Endpoint {
	return &urlEndpoint{url: url}
}

func (e *urlEndpoint) Dial(ctx context.Context) (Conn, error) {
	conn, res, err := Dialer.DialContext(ctx, e.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", e.url, err)
	}
	if res != nil && res.Body != nil {
		_ = res.Body.Close()
	}
	if conn.Subprotocol() != Subprotocol {
		_ = conn.Close()
		return nil, fmt.Errorf("peer %s did not accept subprotocol %q", e.url, Subprotocol)
	}
	return newWSConn(conn), nil
}

func (e *urlEndpoint) String() string { return e.url }

// Handler serves a store to remote replicators over websocket.
type Handler struct {
	store    core.Replicable
	logger   *slog.Logger
	upgrader gorilla.Upgrader
}

// NewHandler returns the passive side of replication for store. A nil
// logger discards logs.
func NewHandler(store core.Replicable, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = discardLogger()
	}
	return &Handler{
		store:  store,
		logger: logger,
		upgrader: gorilla.Upgrader{
			Subprotocols:      []string{Subprotocol},
			EnableCompression: true,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := newWSConn(conn)
	defer c.Close()
	h.logger.Info("replication peer connected", "remote", r.RemoteAddr)
	if err := serve(r.Context(), h.store, c, h.logger); err != nil {
		h.logger.Warn("replication peer failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.logger.Info("replication peer disconnected", "remote", r.RemoteAddr)
}
