package persist

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/metrics"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// ErrOutboxClosed is returned by Close when called twice.
var ErrOutboxClosed = errors.New("outbox closed")

// OutboxConfig holds worker and retry settings.
type OutboxConfig struct {
	Workers        int
	QueueSize      int
	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	JobTimeout     time.Duration
}

// DefaultOutboxConfig returns the default outbox configuration.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		Workers:        4,
		QueueSize:      1024,
		MaxRetries:     3,
		BaseRetryDelay: 100 * time.Millisecond,
		MaxRetryDelay:  5 * time.Second,
		JobTimeout:     5 * time.Second,
	}
}

type job struct {
	kind string
	key  string
	run  func(ctx context.Context) error
}

// Outbox applies committed changes to a Store in the background. Jobs for the
// same room go to the same worker, so a room's changes are applied in commit
// order. Enqueueing never blocks: when a worker queue is full the job is
// dropped and counted.
type Outbox struct {
	messages MessageStore
	catalog  RoomCatalog
	cfg      OutboxConfig
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queues []chan job

	runCtx context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// NewOutbox starts the workers. catalog may be nil, in which case room
// changes are not persisted.
func NewOutbox(messages MessageStore, catalog RoomCatalog, cfg OutboxConfig, logger *zap.Logger, m *metrics.Metrics) *Outbox {
	def := DefaultOutboxConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = def.BaseRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Outbox{
		messages: messages,
		catalog:  catalog,
		cfg:      cfg,
		log:      logger.Named("outbox"),
		metrics:  m,
		queues:   make([]chan job, cfg.Workers),
		runCtx:   ctx,
		cancel:   cancel,
	}
	perWorker := max(cfg.QueueSize/cfg.Workers, 1)
	for i := range o.queues {
		q := make(chan job, perWorker)
		o.queues[i] = q
		o.wg.Go(func() { o.work(q) })
	}
	return o
}

func (o *Outbox) work(q <-chan job) {
	for j := range q {
		o.metrics.PersistQueueDepth.Dec()
		o.process(j)
	}
}

func (o *Outbox) process(j job) {
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(o.runCtx, o.cfg.JobTimeout)
		err := j.run(ctx)
		cancel()
		if err == nil {
			o.metrics.PersistJobs.WithLabelValues(j.kind, "ok").Inc()
			return
		}
		if attempt >= o.cfg.MaxRetries || o.runCtx.Err() != nil {
			o.metrics.PersistJobs.WithLabelValues(j.kind, "failed").Inc()
			o.log.Error("persistence job failed",
				zap.String("kind", j.kind),
				zap.String("room_id", j.key),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			return
		}
		delay := o.retryDelay(attempt + 1)
		o.log.Warn("persistence job failed, retrying",
			zap.String("kind", j.kind),
			zap.String("room_id", j.key),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-time.After(delay):
		case <-o.runCtx.Done():
		}
	}
}

// retryDelay is base * 2^(retry-1), capped at MaxRetryDelay.
func (o *Outbox) retryDelay(retry int) time.Duration {
	delay := float64(o.cfg.BaseRetryDelay) * math.Pow(2, float64(retry-1))
	if time.Duration(delay) > o.cfg.MaxRetryDelay {
		return o.cfg.MaxRetryDelay
	}
	return time.Duration(delay)
}

func (o *Outbox) enqueue(j job) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(j.key))
	q := o.queues[h.Sum32()%uint32(len(o.queues))]
	select {
	case q <- j:
		o.metrics.PersistQueueDepth.Inc()
		return true
	default:
		o.metrics.PersistJobs.WithLabelValues(j.kind, "dropped").Inc()
		o.log.Warn("persistence queue full, dropping job",
			zap.String("kind", j.kind),
			zap.String("room_id", j.key))
		return false
	}
}

// MessageCommitted persists a new message or a tombstone.
func (o *Outbox) MessageCommitted(msg chat.Message) {
	if o.messages == nil {
		return
	}
	o.enqueue(job{kind: "message", key: msg.RoomID, run: func(ctx context.Context) error {
		return o.messages.PersistMessage(ctx, msg.RoomID, msg)
	}})
}

func (o *Outbox) RoomSaved(info chat.RoomInfo) {
	if o.catalog == nil {
		return
	}
	info.Backlog = nil
	o.enqueue(job{kind: "room_save", key: info.ID, run: func(ctx context.Context) error {
		return o.catalog.SaveRoom(ctx, info)
	}})
}

func (o *Outbox) RoomDeleted(roomID string) {
	if o.catalog == nil {
		return
	}
	o.enqueue(job{kind: "room_delete", key: roomID, run: func(ctx context.Context) error {
		return o.catalog.DeleteRoom(ctx, roomID)
	}})
}

func (o *Outbox) MemberAdded(roomID, userID string) {
	if o.catalog == nil {
		return
	}
	o.enqueue(job{kind: "member_add", key: roomID, run: func(ctx context.Context) error {
		return o.catalog.AddMember(ctx, roomID, userID)
	}})
}

func (o *Outbox) MemberRemoved(roomID, userID string) {
	if o.catalog == nil {
		return
	}
	o.enqueue(job{kind: "member_remove", key: roomID, run: func(ctx context.Context) error {
		return o.catalog.RemoveMember(ctx, roomID, userID)
	}})
}

// Close stops accepting jobs and waits for queued ones to finish. When ctx
// expires first, in-flight jobs are cancelled and ctx.Err() is returned.
func (o *Outbox) Close(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrOutboxClosed
	}
	o.closed = true
	for _, q := range o.queues {
		close(q)
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancel()
		o.log.Info("outbox drained")
		return nil
	case <-ctx.Done():
		o.cancel()
		<-done
		o.log.Warn("outbox drain interrupted", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}
