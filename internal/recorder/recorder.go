package recorder

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/GameclubPro/girl-sub002/internal/connection"
)

// Schema creates the journal table.
const Schema = `
CREATE TABLE IF NOT EXISTS realtime_events (
	id          UUID PRIMARY KEY,
	conn_key    TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	payload     JSONB NOT NULL,
	received_at TIMESTAMPTZ NOT NULL
)`

const insertSQL = `
	INSERT INTO realtime_events (id, conn_key, event_type, payload, received_at)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (id) DO NOTHING
`

// DB is the subset of pgxpool.Pool the recorder needs.
type DB interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// FlushObserver is notified of flushes and buffer overflow.
type FlushObserver interface {
	RecordFlush(rows int, d time.Duration, err error)
	RecordBufferDrop(n int)
}

type nopFlushObserver struct{}

func (nopFlushObserver) RecordFlush(int, time.Duration, error) {}
func (nopFlushObserver) RecordBufferDrop(int) {}

// Config holds recorder settings.
type Config struct {
	BatchSize     int           // Rows per insert batch
	FlushInterval time.Duration // Maximum time an event waits in the buffer
	BufferSize    int           // Maximum buffered events before new ones are dropped
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// Stats holds recorder counters.
type Stats struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Dropped   int64
}

// Row is one journaled event.
type Row struct {
	ID         uuid.UUID
	Key        string
	EventType  string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Recorder buffers events from data listeners and writes them in batches.
type Recorder struct {
	cfg      Config
	db       DB
	observer FlushObserver
	logger   *slog.Logger

	buf     *Buffer[Row]
	flushCh chan struct{}

	// Lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Serializes flushes
	flushMu sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

// New creates a Recorder. observer may be nil.
func New(cfg Config, db DB, observer FlushObserver, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopFlushObserver{}
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}

	initial := cfg.BatchSize
	if initial > cfg.BufferSize {
		initial = cfg.BufferSize
	}

	return &Recorder{
		cfg:      cfg,
		db:       db,
		observer: observer,
		logger:   logger,
		buf:      NewBuffer[Row](initial, cfg.BufferSize),
		flushCh:  make(chan struct{}, 1),
	}
}

// EnsureSchema creates the journal table if it does not exist.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	_, err := r.db.Exec(ctx, Schema)
	return err
}

// Listener returns a data listener that journals events under key.
func (r *Recorder) Listener(key string) connection.Listener {
	return func(ev connection.Event) {
		r.Record(key, ev)
	}
}

// Record buffers one event. It never blocks on the database.
func (r *Recorder) Record(key string, ev connection.Event) {
	row := transform(key, ev)

	if err := r.buf.Send(row); err != nil {
		r.statsMu.Lock()
		r.stats.Dropped++
		r.statsMu.Unlock()
		r.observer.RecordBufferDrop(1)
		r.logger.Debug("event not recorded", "key", key, "type", ev.Type, "error", err)
		return
	}

	if r.buf.Len() >= r.cfg.BatchSize {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

// Start begins the background flush loop.
func (r *Recorder) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.flushLoop(ctx)

	r.logger.Info("recorder started",
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
		"buffer_size", r.cfg.BufferSize,
	)
	return nil
}

// Stop halts the flush loop and writes whatever is still buffered.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping recorder")

	r.buf.Close()
	if r.cancel != nil {
		r.cancel()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("recorder stop timed out")
		return ctx.Err()
	}

	// Final flush
	r.flush(ctx)

	r.logger.Info("recorder stopped")
	return nil
}

// Stats returns current counters.
func (r *Recorder) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// flushLoop flushes on every tick and whenever a full batch is waiting.
func (r *Recorder) flushLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.flush(ctx)
		case <-r.flushCh:
			r.flush(ctx)
		}
	}
}

// flush writes every buffered row in batches of at most BatchSize.
func (r *Recorder) flush(ctx context.Context) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	for {
		batch := r.buf.DrainTo(r.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}

		start := time.Now()
		conflicts, err := r.batchInsert(ctx, batch)
		r.observer.RecordFlush(len(batch), time.Since(start), err)

		if err != nil {
			r.logger.Error("batch insert failed", "error", err, "count", len(batch))
			r.statsMu.Lock()
			r.stats.Errors++
			r.statsMu.Unlock()
			return
		}

		r.statsMu.Lock()
		r.stats.Inserts += int64(len(batch) - conflicts)
		r.stats.Conflicts += int64(conflicts)
		r.stats.Flushes++
		r.statsMu.Unlock()

		r.logger.Debug("flushed events",
			"count", len(batch),
			"conflicts", conflicts,
			"duration", time.Since(start),
		)
	}
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (r *Recorder) batchInsert(ctx context.Context, rows []Row) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(insertSQL, row.ID, row.Key, row.EventType, []byte(row.Payload), row.ReceivedAt)
	}

	results := r.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}

// rowNamespace scopes journal row ids.
var rowNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("streamtap:realtime_events"))

// transform converts an event into a journal row. The id is derived from
// the key, receive time and payload, so recording the same frame twice
// hits ON CONFLICT instead of adding a row.
func transform(key string, ev connection.Event) Row {
	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}
	receivedAt = receivedAt.UTC()
	return Row{
		ID:         rowID(key, receivedAt, ev.Raw),
		Key:        key,
		EventType:  ev.Type,
		Payload:    ev.Raw,
		ReceivedAt: receivedAt,
	}
}

func rowID(key string, receivedAt time.Time, payload []byte) uuid.UUID {
	name := make([]byte, 0, len(key)+len(payload)+40)
	name = append(name, key...)
	name = append(name, 0)
	name = receivedAt.AppendFormat(name, time.RFC3339Nano)
	name = append(name, 0)
	name = append(name, payload...)
	return uuid.NewSHA1(rowNamespace, name)
}
