// Package relay is a small lobby policy: players announce they are ready,
// then every chat Message or Notification they send is forwarded to the
// other ready players.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"gamelink/internal/protocol"
	"gamelink/internal/server"
)

// ReadyCommand promotes a session to AVAILABLE.
const ReadyCommand = "ready"

// OutboxSize is how many relayed frames may wait for a slow recipient
// before new ones are dropped.
const OutboxSize = 256

// Relay writes forwarded frames through one outbox per recipient, so a
// stalled peer never holds up the sender's event loop and each recipient
// still sees frames in order. Register it as a server.Observer so outboxes
// are released when sessions close.
type Relay struct {
	server.NopObserver

	registry *server.Registry
	logger   *slog.Logger

	mu       sync.Mutex
	outboxes map[string]*outbox
	closed   bool
	wg       sync.WaitGroup
}

var _ server.Observer = (*Relay)(nil)

type outbox struct {
	peer  server.Session
	queue chan protocol.TransferObject
}

func New(registry *server.Registry, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		registry: registry,
		logger:   logger,
		outboxes: make(map[string]*outbox),
	}
}

// Authenticated handles sessions that have logged in but are not ready yet.
func (r *Relay) Authenticated() server.MessageHandler {
	return server.MessageHandlerFunc(func(ctx context.Context, s server.Session, msg protocol.TransferObject) error {
		m, ok := msg.(*protocol.Message)
		if !ok || !strings.EqualFold(strings.TrimSpace(m.Value), ReadyCommand) {
			r.logger.Debug("message_before_ready",
				"session_id", s.ID(),
				"message_type", string(msg.MessageType()),
			)
			return s.WriteMessage(fmt.Sprintf("send %q to join the lobby", ReadyCommand))
		}

		s.Promote()
		r.logger.Info("player_ready",
			"session_id", s.ID(),
			"player_id", s.Principal().ID,
		)
		return s.WriteMessage(ReadyCommand)
	})
}

// Available forwards traffic from a ready session to the other ready sessions.
func (r *Relay) Available() server.MessageHandler {
	return server.MessageHandlerFunc(func(ctx context.Context, s server.Session, msg protocol.TransferObject) error {
		var out protocol.TransferObject
		switch m := msg.(type) {
		case *protocol.Message:
			out = protocol.NewMessage(displayName(s) + ": " + m.Value)
		case *protocol.Notification:
			out = protocol.NewNotification(m.Topic, m.Payload)
		default:
			r.logger.Debug("message_not_relayed",
				"session_id", s.ID(),
				"message_type", string(msg.MessageType()),
			)
			return nil
		}

		queued := r.forward(s, out)
		r.logger.Debug("message_relayed",
			"session_id", s.ID(),
			"message_type", string(msg.MessageType()),
			"recipients", queued,
		)
		return nil
	})
}

// forward queues obj for every other ready session and reports how many
// outboxes accepted it.
func (r *Relay) forward(from server.Session, obj protocol.TransferObject) int {
	queued := 0
	for _, peer := range r.registry.Snapshot() {
		if peer.ID() == from.ID() || peer.State() != server.StateAvailable {
			continue
		}
		if r.enqueue(peer, obj) {
			queued++
		}
	}
	return queued
}

func (r *Relay) enqueue(peer server.Session, obj protocol.TransferObject) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	ob, ok := r.outboxes[peer.ID()]
	if !ok {
		ob = &outbox{peer: peer, queue: make(chan protocol.TransferObject, OutboxSize)}
		r.outboxes[peer.ID()] = ob
		r.wg.Add(1)
		go r.drain(ob)
	}

	select {
	case ob.queue <- obj:
		return true
	default:
		r.logger.Warn("relay_outbox_full",
			"session_id", peer.ID(),
			"message_type", string(obj.MessageType()),
		)
		return false
	}
}

func (r *Relay) drain(ob *outbox) {
	defer r.wg.Done()
	for obj := range ob.queue {
		if err := ob.peer.Send(obj); err != nil {
			// the peer's own connection reports the failure
			r.logger.Warn("relay_send_failed",
				"session_id", ob.peer.ID(),
				"error", err.Error(),
			)
			r.release(ob.peer.ID(), ob)
			return
		}
	}
}

// release drops the outbox for id if it is still ob. Queued frames are
// discarded.
func (r *Relay) release(id string, ob *outbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.outboxes[id]; ok && cur == ob {
		delete(r.outboxes, id)
		close(ob.queue)
	}
}

// SessionClosed stops the session's outbox once it has drained.
func (r *Relay) SessionClosed(s server.Session) {
	r.mu.Lock()
	ob, ok := r.outboxes[s.ID()]
	r.mu.Unlock()
	if ok {
		r.release(s.ID(), ob)
	}
}

// Close stops every outbox and waits for the writers to exit.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	for id, ob := range r.outboxes {
		delete(r.outboxes, id)
		close(ob.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func displayName(s server.Session) string {
	p := s.Principal()
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
