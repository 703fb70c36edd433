package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voicecrm/auditcore/internal/audit"
	"github.com/voicecrm/auditcore/internal/clientinfo"
	"github.com/voicecrm/auditcore/internal/events"
	"github.com/voicecrm/auditcore/internal/metrics"
	"github.com/voicecrm/auditcore/internal/models"
	"go.uber.org/zap"
)

// Actor identifies who performed an audited operation. A nil *Actor means a
// system action.
type Actor struct {
	UserID string
	Email  string
	Name   string
}

// HTTPContext is the request data captured for an audit record. It must not
// reference buffers owned by the HTTP framework, since records may be written
// after the request has finished.
type HTTPContext struct {
	Method     string
	URL        string
	Headers    clientinfo.HeaderGetter
	RemoteAddr string
	Body       *models.Document
	SessionID  string
}

func (h *HTTPContext) userAgent() string {
	if h == nil || h.Headers == nil {
		return ""
	}
	return h.Headers.Get("User-Agent")
}

type Outcome struct {
	Status        int
	ExecutionTime time.Duration
	ErrorMessage  string
}

type AuditInput struct {
	Actor     *Actor
	Operation models.OperationType
	TableName string
	RecordID  string
	Before    *models.Document
	After     *models.Document
	HTTP      *HTTPContext
	Outcome   Outcome
}

// AuditSink receives every persisted record, e.g. the text ledger.
type AuditSink interface {
	Append(records []models.AuditRecord) error
}

// AuditWriter is the store side the writer needs.
type AuditWriter interface {
	Insert(ctx context.Context, rec *models.AuditRecord) (int64, error)
}

var errInvalidOperation = errors.New("invalid operation type")

type AuditServiceConfig struct {
	QueueSize     int
	Workers       int
	SinkBatchSize int
	SinkFlush     time.Duration
	RecordTimeout time.Duration
}

func DefaultAuditServiceConfig() AuditServiceConfig {
	return AuditServiceConfig{
		QueueSize:     1000,
		Workers:       4,
		SinkBatchSize: 50,
		SinkFlush:     time.Second,
		RecordTimeout: 5 * time.Second,
	}
}

func (c AuditServiceConfig) withDefaults() AuditServiceConfig {
	d := DefaultAuditServiceConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.SinkBatchSize <= 0 {
		c.SinkBatchSize = d.SinkBatchSize
	}
	if c.SinkFlush <= 0 {
		c.SinkFlush = d.SinkFlush
	}
	if c.RecordTimeout <= 0 {
		c.RecordTimeout = d.RecordTimeout
	}
	return c
}

// AuditService turns audit inputs into persisted records. Recording never
// fails the caller: problems are logged and reported only through the
// boolean result.
type AuditService struct {
	store     AuditWriter
	sink      AuditSink
	publisher events.Publisher
	metrics   *metrics.Metrics
	log       *zap.Logger
	cfg       AuditServiceConfig
	newID     func() string

	queue  chan AuditInput
	sinkCh chan models.AuditRecord

	mu         sync.RWMutex
	started    bool
	stopped    bool
	sinkClosed bool
	workers    sync.WaitGroup
	sinkDone   chan struct{}
	detached   sync.WaitGroup
}

type AuditServiceOption func(*AuditService)

func WithSink(sink AuditSink) AuditServiceOption {
	return func(s *AuditService) { s.sink = sink }
}

func WithPublisher(p events.Publisher) AuditServiceOption {
	return func(s *AuditService) { s.publisher = p }
}

func WithAuditMetrics(m *metrics.Metrics) AuditServiceOption {
	return func(s *AuditService) { s.metrics = m }
}

func NewAuditService(store AuditWriter, log *zap.Logger, cfg AuditServiceConfig, opts ...AuditServiceOption) *AuditService {
	cfg = cfg.withDefaults()
	s := &AuditService{
		store:  store,
		log:    log,
		cfg:    cfg,
		newID:  func() string { return uuid.NewString() },
		queue:  make(chan AuditInput, cfg.QueueSize),
		sinkCh: make(chan models.AuditRecord, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the queue workers and the sink batcher.
func (s *AuditService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}
	for i := 0; i < s.cfg.Workers; i++ {
		s.workers.Add(1)
		go s.worker(i)
	}
	s.sinkDone = make(chan struct{})
	go s.sinkLoop()

	s.started = true
	s.log.Info("audit service started",
		zap.Int("workers", s.cfg.Workers),
		zap.Int("queue_size", s.cfg.QueueSize),
		zap.Int("sink_batch_size", s.cfg.SinkBatchSize),
	)
	return nil
}

// Stop stops accepting queued work, drains what is pending and flushes the
// sink. Records submitted afterwards are still written, out of band.
func (s *AuditService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("audit service not running")
	}
	s.stopped = true
	close(s.queue)
	s.mu.Unlock()

	s.log.Info("stopping audit service", zap.Int("pending", len(s.queue)))
	deadline := time.After(timeout)

	if !waitOrTimeout(&s.workers, deadline) {
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
	if !waitOrTimeout(&s.detached, deadline) {
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}

	s.mu.Lock()
	s.sinkClosed = true
	close(s.sinkCh)
	s.mu.Unlock()

	select {
	case <-s.sinkDone:
		s.log.Info("audit service stopped")
		return nil
	case <-deadline:
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

func waitOrTimeout(wg *sync.WaitGroup, deadline <-chan time.Time) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-deadline:
		return false
	}
}

// Submit queues in for a background worker and returns immediately. When the
// queue is full or the service is not running, the record is written from a
// detached goroutine instead of being dropped.
func (s *AuditService) Submit(in AuditInput) {
	s.mu.RLock()
	running := s.started && !s.stopped
	if running {
		select {
		case s.queue <- in:
			s.metrics.SetQueueDepth(len(s.queue))
			s.mu.RUnlock()
			return
		default:
			s.metrics.IncQueueOverflow()
			s.log.Warn("audit queue full, recording out of band",
				zap.String("operation", string(in.Operation)),
				zap.String("table", in.TableName),
			)
		}
		// Stop waits for overflow writers started while running.
		s.detached.Add(1)
	}
	s.mu.RUnlock()

	go func() {
		if running {
			defer s.detached.Done()
		}
		s.recordWithTimeout(in)
	}()
}

func (s *AuditService) worker(id int) {
	defer s.workers.Done()
	for in := range s.queue {
		s.metrics.SetQueueDepth(len(s.queue))
		s.recordWithTimeout(in)
	}
	s.log.Debug("audit worker stopped", zap.Int("worker_id", id))
}

func (s *AuditService) recordWithTimeout(in AuditInput) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RecordTimeout)
	defer cancel()
	s.Record(ctx, in)
}

// Record builds, persists and forwards one audit record synchronously. It
// returns the store id and true on success; on any failure it logs and
// returns 0, false.
func (s *AuditService) Record(ctx context.Context, in AuditInput) (id int64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncRecordFailures()
			s.log.Error("audit record panicked",
				zap.Any("panic", r),
				zap.String("operation", string(in.Operation)),
			)
			id, ok = 0, false
		}
	}()

	rec, err := s.build(in)
	if err != nil {
		s.metrics.IncRecordFailures()
		s.log.Warn("audit input rejected", zap.Error(err), zap.String("table", in.TableName))
		return 0, false
	}

	id, err = s.store.Insert(ctx, rec)
	if err != nil {
		s.metrics.IncRecordFailures()
		s.log.Error("failed to persist audit record",
			zap.Error(err),
			zap.String("operation", string(rec.OperationType)),
			zap.String("table", rec.TableName),
			zap.String("record_id", rec.RecordID),
		)
		return 0, false
	}
	rec.ID = id

	s.metrics.IncRecordsWritten(string(rec.OperationType))
	s.forward(*rec)
	return id, true
}

func (s *AuditService) build(in AuditInput) (*models.AuditRecord, error) {
	if !in.Operation.Valid() {
		return nil, fmt.Errorf("%w: %q", errInvalidOperation, in.Operation)
	}

	rec := &models.AuditRecord{
		OperationType: in.Operation,
		TableName:     coalesce(in.TableName, models.UnknownTable),
		RecordID:      coalesce(in.RecordID, models.UnknownRecordID),
		ChangedFields: audit.ChangedFields(in.Before, in.After),
		OldValues:     audit.Redact(in.Before),
		NewValues:     audit.Redact(in.After),
		IPAddress:     clientinfo.UnknownIP,
		TransactionID: s.newID(),
	}

	if in.Actor != nil {
		rec.UserID = optional(in.Actor.UserID)
		rec.UserEmail = optional(in.Actor.Email)
		rec.UserName = optional(in.Actor.Name)
	}

	if h := in.HTTP; h != nil {
		rec.IPAddress = clientinfo.ResolveClientIP(h.Headers, h.RemoteAddr)
		rec.UserAgent = h.userAgent()
		rec.RequestMethod = h.Method
		rec.RequestURL = h.URL
		rec.RequestBody = audit.Redact(h.Body)
		rec.SessionID = strings.TrimSpace(h.SessionID)
	}
	if rec.SessionID == "" {
		rec.SessionID = s.newID()
	}

	browser := clientinfo.ResolveBrowserInfo(rec.UserAgent)
	rec.Browser, rec.Engine = browser.Browser, browser.Engine

	if in.Outcome.Status != 0 {
		status := in.Outcome.Status
		rec.ResponseStatus = &status
	}
	if in.Outcome.ExecutionTime > 0 {
		ms := in.Outcome.ExecutionTime.Milliseconds()
		rec.ExecutionTimeMs = &ms
	}
	rec.ErrorMessage = optional(in.Outcome.ErrorMessage)
	return rec, nil
}

// forward hands a persisted record to the sink batcher. When the batcher is
// not running or its buffer is full the record is flushed directly, so every
// persisted record reaches the ledger.
func (s *AuditService) forward(rec models.AuditRecord) {
	s.mu.RLock()
	if s.started && !s.sinkClosed {
		select {
		case s.sinkCh <- rec:
			s.mu.RUnlock()
			return
		default:
		}
	}
	s.mu.RUnlock()

	if s.sink == nil && s.publisher == nil {
		return
	}
	s.metrics.IncLedgerDirect()
	s.flush([]models.AuditRecord{rec})
}

// sinkLoop batches persisted records by size or interval, whichever comes
// first, and hands each batch to the sink and the publisher.
func (s *AuditService) sinkLoop() {
	defer close(s.sinkDone)

	ticker := time.NewTicker(s.cfg.SinkFlush)
	defer ticker.Stop()

	batch := make([]models.AuditRecord, 0, s.cfg.SinkBatchSize)
	for {
		select {
		case rec, ok := <-s.sinkCh:
			if !ok {
				s.flush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= s.cfg.SinkBatchSize {
				s.flush(batch)
				batch = make([]models.AuditRecord, 0, s.cfg.SinkBatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = make([]models.AuditRecord, 0, s.cfg.SinkBatchSize)
			}
		}
	}
}

func (s *AuditService) flush(batch []models.AuditRecord) {
	if len(batch) == 0 {
		return
	}
	if s.sink != nil {
		if err := s.sink.Append(batch); err != nil {
			s.metrics.IncLedgerFailures()
			s.log.Warn("failed to append audit batch to ledger", zap.Int("records", len(batch)), zap.Error(err))
		} else {
			s.metrics.AddLedgerLines(len(batch))
		}
	}
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RecordTimeout)
	defer cancel()
	for i := range batch {
		if err := s.publisher.Publish(ctx, events.StreamAudit, events.AuditRecorded(&batch[i])); err != nil {
			s.log.Debug("failed to publish audit event", zap.Int64("id", batch[i].ID), zap.Error(err))
		}
	}
}

type AuditStats struct {
	Running     bool `json:"running"`
	QueueLength int  `json:"queue_length"`
	QueueSize   int  `json:"queue_size"`
	Workers     int  `json:"workers"`
	SinkPending int  `json:"sink_pending"`
}

func (s *AuditService) Stats() AuditStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return AuditStats{
		Running:     s.started && !s.stopped,
		QueueLength: len(s.queue),
		QueueSize:   s.cfg.QueueSize,
		Workers:     s.cfg.Workers,
		SinkPending: len(s.sinkCh),
	}
}

func coalesce(v, fallback string) string {
	if v = strings.TrimSpace(v); v == "" {
		return fallback
	}
	return v
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
