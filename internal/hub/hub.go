// Package hub tracks connected peers and fans events out to them.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/observe"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

// ErrPeerClosed is returned when sending to a peer that has already been
// removed or closed.
var ErrPeerClosed = errors.New("peer closed")

// Peer is one connected client.
type Peer interface {
	ID() string
	RemoteAddr() string
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Hub is the registry of live peers. A peer whose send fails is removed and
// never retried.
type Hub struct {
	mu    sync.RWMutex
	peers map[string]Peer

	metrics *observe.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func New(metrics *observe.Metrics, logger *slog.Logger) *Hub {
	if metrics == nil {
		metrics = observe.Default()
	}
	return &Hub{
		peers:   make(map[string]Peer),
		metrics: metrics,
		logger:  logger.With(slog.String("component", "hub")),
		now:     time.Now,
	}
}

func (h *Hub) Register(p Peer) {
	h.mu.Lock()
	_, exists := h.peers[p.ID()]
	h.peers[p.ID()] = p
	h.mu.Unlock()
	if exists {
		return
	}
	h.metrics.ActiveConnections.Add(context.Background(), 1)
	h.logger.Info("peer connected", slog.String("peer", p.ID()), slog.String("remote", p.RemoteAddr()))
}

// Unregister removes p and reports whether it was registered. It is safe to
// call more than once.
func (h *Hub) Unregister(p Peer) bool {
	h.mu.Lock()
	current, ok := h.peers[p.ID()]
	if ok && current == p {
		delete(h.peers, p.ID())
	}
	h.mu.Unlock()
	if !ok || current != p {
		return false
	}
	h.metrics.ActiveConnections.Add(context.Background(), -1)
	h.logger.Info("peer disconnected", slog.String("peer", p.ID()))
	return true
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

func (h *Hub) registered(p Peer) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peers[p.ID()] == p
}

// SendTo delivers evt to a single peer. On failure the peer is removed.
func (h *Hub) SendTo(ctx context.Context, p Peer, evt protocol.Event) error {
	if !h.registered(p) {
		return ErrPeerClosed
	}
	data, err := evt.Encode(h.now())
	if err != nil {
		return err
	}
	if err := p.Send(ctx, data); err != nil {
		h.dropPeer(ctx, p, evt.Command, err)
		return fmt.Errorf("send %s to %s: %w", evt.Command, p.ID(), err)
	}
	return nil
}

// Broadcast delivers evt to every registered peer and returns how many
// accepted it. Peers are snapshotted first so that no lock is held while
// writing, and failed peers are removed after the sweep.
func (h *Hub) Broadcast(ctx context.Context, evt protocol.Event) int {
	h.mu.RLock()
	peers := make([]Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.RUnlock()
	if len(peers) == 0 {
		return 0
	}

	data, err := evt.Encode(h.now())
	if err != nil {
		h.logger.Error("encode broadcast", slog.String("event", evt.Command), slog.String("error", err.Error()))
		return 0
	}
	type failure struct {
		peer Peer
		err  error
	}
	var failed []failure
	for _, p := range peers {
		if err := p.Send(ctx, data); err != nil {
			failed = append(failed, failure{p, err})
		}
	}
	for _, f := range failed {
		h.dropPeer(ctx, f.peer, evt.Command, f.err)
	}
	return len(peers) - len(failed)
}

// Run broadcasts every event read from events until ctx is cancelled or the
// channel is closed.
func (h *Hub) Run(ctx context.Context, events <-chan protocol.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			h.Broadcast(ctx, evt)
		}
	}
}

// CloseAll closes and removes every peer.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	peers := h.peers
	h.peers = make(map[string]Peer)
	h.mu.Unlock()
	for _, p := range peers {
		_ = p.Close()
		h.metrics.ActiveConnections.Add(context.Background(), -1)
	}
}

func (h *Hub) dropPeer(ctx context.Context, p Peer, event string, err error) {
	h.metrics.DeliveryFailures.Add(ctx, 1)
	h.logger.Warn("delivery failed",
		slog.String("peer", p.ID()),
		slog.String("event", event),
		slog.String("error", err.Error()),
	)
	if h.Unregister(p) {
		_ = p.Close()
	}
}
