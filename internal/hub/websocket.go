package hub

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type wsConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// WSPeer is a Peer backed by a websocket connection. gorilla/websocket allows
// one concurrent writer, so writes are serialised here.
type WSPeer struct {
	id           string
	conn         wsConn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func NewWSPeer(conn *websocket.Conn, writeTimeout time.Duration) *WSPeer {
	return newWSPeer(conn, writeTimeout)
}

func newWSPeer(conn wsConn, writeTimeout time.Duration) *WSPeer {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &WSPeer{
		id:           uuid.NewString(),
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

func (p *WSPeer) ID() string { return p.id }

func (p *WSPeer) RemoteAddr() string {
	if addr := p.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Send writes one text frame. The write deadline is the earlier of the
// configured timeout and the context deadline.
func (p *WSPeer) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPeerClosed
	}
	deadline := time.Now().Add(p.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := p.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal closure frame and closes the connection. Repeated
// calls return nil.
func (p *WSPeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(p.writeTimeout))
	return p.conn.Close()
}
