package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"gamelink/internal/server"
)

// Audit event kinds.
const (
	AuditOpened        = "opened"
	AuditAuthenticated = "authenticated"
	AuditRejected      = "rejected"
	AuditClosed        = "closed"
)

var (
	ErrAuditClosed    = errors.New("store: audit log is closed")
	ErrAuditQueueFull = errors.New("store: audit queue full")
)

type AuditEvent struct {
	SessionID  string
	PlayerID   string
	Kind       string
	Reason     string
	RemoteAddr string
	At         time.Time
}

// AuditSink persists batches of audit events.
type AuditSink interface {
	InsertEvents(ctx context.Context, events []AuditEvent) error
}

type AuditOptions struct {
	// BatchSize triggers a flush when this many events are buffered.
	BatchSize int
	// FlushInterval flushes a partial batch periodically.
	FlushInterval time.Duration
	// QueueSize bounds the number of events waiting for the writer.
	QueueSize int
	Logger    *slog.Logger
}

// AuditLog is a server.Observer that queues lifecycle events and writes
// them to an AuditSink in batches from a single background writer. When the
// queue is full new events are dropped with a warning so that connection
// loops never block on the database.
type AuditLog struct {
	sink   AuditSink
	opts   AuditOptions
	logger *slog.Logger

	events chan AuditEvent
	stop   chan struct{}
	done   chan struct{}

	// mu orders Record against Close so nothing is queued after the
	// writer starts its final drain.
	mu      sync.Mutex
	closed  bool
	dropped atomic.Int64
}

var _ server.Observer = (*AuditLog)(nil)

// NewAuditLog starts the batch writer.
func NewAuditLog(sink AuditSink, opts AuditOptions) *AuditLog {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 10000
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &AuditLog{
		sink:   sink,
		opts:   opts,
		logger: logger,
		events: make(chan AuditEvent, opts.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AuditLog) SessionOpened(s server.Session) {
	a.record(s, AuditOpened, "")
}

func (a *AuditLog) SessionAuthenticated(s server.Session) {
	a.record(s, AuditAuthenticated, "")
}

func (a *AuditLog) SessionRejected(s server.Session, reason string) {
	a.record(s, AuditRejected, reason)
}

func (a *AuditLog) SessionClosed(s server.Session) {
	a.record(s, AuditClosed, "")
}

// Record queues e. It never blocks.
func (a *AuditLog) Record(e AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrAuditClosed
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	depth := len(a.events)
	if depth > cap(a.events)/2 {
		a.logger.Warn("audit_queue_high_watermark",
			"queue_depth", depth,
		)
	}
	select {
	case a.events <- e:
		return nil
	default:
		a.dropped.Add(1)
		a.logger.Warn("audit_queue_full",
			"session_id", e.SessionID,
			"kind", e.Kind,
		)
		return ErrAuditQueueFull
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (a *AuditLog) Dropped() int64 {
	return a.dropped.Load()
}

// Close flushes buffered events and stops the writer. It is safe to call
// more than once.
func (a *AuditLog) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.stop)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *AuditLog) record(s server.Session, kind, reason string) {
	_ = a.Record(AuditEvent{
		SessionID:  s.ID(),
		PlayerID:   s.Principal().ID,
		Kind:       kind,
		Reason:     reason,
		RemoteAddr: s.RemoteAddr(),
	})
}

func (a *AuditLog) run() {
	defer close(a.done)

	ticker := time.NewTicker(a.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]AuditEvent, 0, a.opts.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		a.flushBatch(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-a.stop:
			// drain what was queued before Close
			for {
				select {
				case e := <-a.events:
					batch = append(batch, e)
					if len(batch) >= a.opts.BatchSize {
						flush()
					}
				default:
					a.logger.Info("audit_writer_shutting_down", "remaining", len(batch))
					flush()
					return
				}
			}

		case e := <-a.events:
			batch = append(batch, e)
			if len(batch) >= a.opts.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

func (a *AuditLog) flushBatch(batch []AuditEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := a.sink.InsertEvents(ctx, batch); err != nil {
		a.logger.Error("audit_batch_insert_failed",
			"count", len(batch),
			"error", err.Error(),
		)
		return
	}
	a.logger.Debug("audit_batch_insert_success",
		"count", len(batch),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

const createAuditTable = `
	CREATE TABLE IF NOT EXISTS session_audit (
		id          BIGSERIAL PRIMARY KEY,
		session_id  TEXT NOT NULL,
		player_id   TEXT NOT NULL DEFAULT '',
		kind        TEXT NOT NULL,
		reason      TEXT NOT NULL DEFAULT '',
		remote_addr TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL
	)
`

const insertAuditEvent = `
	INSERT INTO session_audit (session_id, player_id, kind, reason, remote_addr, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)
`

// PostgresAudit writes audit batches through a pgx pool.
type PostgresAudit struct {
	pool *pgxpool.Pool
}

// NewPostgresAudit connects to databaseURL and creates the audit table if
// it does not exist.
func NewPostgresAudit(ctx context.Context, databaseURL string) (*PostgresAudit, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}
	if _, err := pool.Exec(ctx, createAuditTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	return &PostgresAudit{pool: pool}, nil
}

// InsertEvents inserts the whole batch in one transaction.
func (p *PostgresAudit) InsertEvents(ctx context.Context, events []AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(insertAuditEvent, e.SessionID, e.PlayerID, e.Kind, e.Reason, e.RemoteAddr, e.At)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert audit events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *PostgresAudit) Close() {
	p.pool.Close()
}
