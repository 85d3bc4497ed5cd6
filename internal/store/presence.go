// Package store mirrors session lifecycle events into external stores:
// a Redis presence set of who is online and a Postgres audit trail.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"gamelink/internal/server"
)

// PresenceEntry describes one authenticated session.
type PresenceEntry struct {
	SessionID  string    `json:"session_id"`
	PlayerID   string    `json:"player_id"`
	Name       string    `json:"name"`
	RemoteAddr string    `json:"remote_addr"`
	Since      time.Time `json:"since"`
}

// PresenceBackend stores presence entries. RedisPresence is the production one.
type PresenceBackend interface {
	Join(ctx context.Context, e PresenceEntry) error
	Leave(ctx context.Context, sessionID string) error
	Online(ctx context.Context) ([]PresenceEntry, error)
}

// Presence is a server.Observer that keeps a PresenceBackend in sync with
// the sessions that are currently authenticated. Writes happen off the
// connection loop, each bounded by the configured timeout. A session's
// Leave waits for its Join to finish so a fast close cannot leave a stale
// entry behind.
type Presence struct {
	server.NopObserver

	backend PresenceBackend
	timeout time.Duration
	logger  *slog.Logger

	wg sync.WaitGroup
	mu sync.Mutex
	// joined maps session id to a channel closed once its Join returns.
	joined map[string]chan struct{}
}

func NewPresence(backend PresenceBackend, timeout time.Duration, logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Presence{
		backend: backend,
		timeout: timeout,
		logger:  logger,
		joined:  make(map[string]chan struct{}),
	}
}

func (p *Presence) SessionAuthenticated(s server.Session) {
	principal := s.Principal()
	entry := PresenceEntry{
		SessionID:  s.ID(),
		PlayerID:   principal.ID,
		Name:       principal.Name,
		RemoteAddr: s.RemoteAddr(),
		Since:      time.Now().UTC(),
	}

	joinDone := make(chan struct{})
	p.mu.Lock()
	p.joined[entry.SessionID] = joinDone
	p.mu.Unlock()

	p.async("presence_join_failed", entry.SessionID, nil, func(ctx context.Context) error {
		defer close(joinDone)
		return p.backend.Join(ctx, entry)
	})
}

func (p *Presence) SessionClosed(s server.Session) {
	id := s.ID()
	p.mu.Lock()
	joinDone, ok := p.joined[id]
	delete(p.joined, id)
	p.mu.Unlock()
	if !ok {
		return
	}

	p.async("presence_leave_failed", id, joinDone, func(ctx context.Context) error {
		return p.backend.Leave(ctx, id)
	})
}

// Online lists the sessions the backend currently knows about.
func (p *Presence) Online(ctx context.Context) ([]PresenceEntry, error) {
	return p.backend.Online(ctx)
}

// Wait blocks until every pending write has finished.
func (p *Presence) Wait() {
	p.wg.Wait()
}

// async runs fn in the background once after is closed (nil means now).
func (p *Presence) async(event, sessionID string, after <-chan struct{}, fn func(ctx context.Context) error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if after != nil {
			<-after
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			p.logger.Error(event,
				"session_id", sessionID,
				"error", err.Error(),
			)
		}
	}()
}

// RedisPresence keeps one hash per session plus an index set of session ids.
type RedisPresence struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisPresence connects to redisURL (redis://host:port/db) and verifies
// the connection with a ping.
func NewRedisPresence(redisURL string, ttl time.Duration) (*RedisPresence, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisPresenceClient(rdb, ttl), nil
}

func NewRedisPresenceClient(client *redis.Client, ttl time.Duration) *RedisPresence {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisPresence{client: client, prefix: "gamelink:presence", ttl: ttl}
}

func (r *RedisPresence) sessionKey(id string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, id)
}

func (r *RedisPresence) indexKey() string {
	return r.prefix + ":sessions"
}

func (r *RedisPresence) Join(ctx context.Context, e PresenceEntry) error {
	key := r.sessionKey(e.SessionID)
	fields := map[string]any{
		"session_id":  e.SessionID,
		"player_id":   e.PlayerID,
		"name":        e.Name,
		"remote_addr": e.RemoteAddr,
		"since":       e.Since.Format(time.RFC3339Nano),
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, r.ttl)
		pipe.SAdd(ctx, r.indexKey(), e.SessionID)
		return nil
	})
	return err
}

func (r *RedisPresence) Leave(ctx context.Context, sessionID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.sessionKey(sessionID))
		pipe.SRem(ctx, r.indexKey(), sessionID)
		return nil
	})
	return err
}

// Online returns the live entries. Index members whose hash has expired are
// pruned from the index.
func (r *RedisPresence) Online(ctx context.Context) ([]PresenceEntry, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, err
	}

	entries := make([]PresenceEntry, 0, len(ids))
	for _, id := range ids {
		fields, err := r.client.HGetAll(ctx, r.sessionKey(id)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		if len(fields) == 0 {
			r.client.SRem(ctx, r.indexKey(), id)
			continue
		}
		e := PresenceEntry{
			SessionID:  fields["session_id"],
			PlayerID:   fields["player_id"],
			Name:       fields["name"],
			RemoteAddr: fields["remote_addr"],
		}
		if ts, ok := fields["since"]; ok {
			e.Since, _ = time.Parse(time.RFC3339Nano, ts)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (r *RedisPresence) Close() error {
	return r.client.Close()
}
