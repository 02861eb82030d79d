package session

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-speech/internal/hub"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

// Handler upgrades HTTP requests to websocket sessions.
func (c *Controller) Handler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.Ready() {
			http.Error(w, "session not ready", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			c.logger.Warn("websocket upgrade failed", slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
			return
		}
		c.Serve(r.Context(), conn)
	})
}

// Serve runs the read loop for one connection until the peer disconnects or
// ctx is cancelled.
func (c *Controller) Serve(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c.cfg.Session.MaxMessageBytes > 0 {
		conn.SetReadLimit(c.cfg.Session.MaxMessageBytes)
	}
	peer := hub.NewWSPeer(conn, time.Duration(c.cfg.Session.WriteTimeoutMS)*time.Millisecond)
	c.hub.Register(peer)
	defer func() {
		c.hub.Unregister(peer)
		_ = peer.Close()
	}()

	go func() {
		<-ctx.Done()
		_ = peer.Close()
	}()

	c.reply(ctx, peer, protocol.EventConnected, protocol.Connected{
		Message: welcomeMessage,
		Version: c.cfg.Session.Version,
	})

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug("connection read failed", slog.String("peer", peer.ID()), slog.String("error", err.Error()))
			}
			return
		}
		if kind != websocket.TextMessage {
			c.reply(ctx, peer, protocol.EventError, protocol.ErrorPayload{Error: "binary messages are not supported"})
			continue
		}
		c.Handle(ctx, peer, data)
	}
}
