package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

var (
	ErrQueueFull   = errors.New("dispatch queue is full")
	ErrQueueClosed = errors.New("dispatch queue is closed")
)

// Dispatcher hands a persisted event id to asynchronous processing.
type Dispatcher interface {
	Dispatch(ctx context.Context, eventID string) error
}

// Handler processes one persisted event.
type Handler func(ctx context.Context, eventID string) error

// Dispatch runs h inline, making any Handler a synchronous Dispatcher.
func (h Handler) Dispatch(ctx context.Context, eventID string) error {
	return h(ctx, eventID)
}

type WorkerConfig struct {
	Workers    int
	QueueSize  int
	MaxRetries int
	Backoff    time.Duration
}

type job struct {
	eventID string
	attempt int
}

// WorkerPool is the in-process Dispatcher. Jobs that fail with a retryable
// error are re-enqueued with linear backoff; anything still unprocessed
// after a restart is recovered by the Replayer.
type WorkerPool struct {
	cfg     WorkerConfig
	handler Handler
	logger  *slog.Logger

	jobs    chan job
	closeCh chan struct{}
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	timers  sync.WaitGroup
}

func NewWorkerPool(handler Handler, cfg WorkerConfig, logger *slog.Logger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		jobs:    make(chan job, cfg.QueueSize),
		closeCh: make(chan struct{}),
	}
}

// Start launches the workers; they exit when ctx is done or Stop is called.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Dispatch enqueues without blocking. A full queue is reported rather than
// stalling the caller; the event stays received and is replayed later.
func (p *WorkerPool) Dispatch(ctx context.Context, eventID string) error {
	return p.enqueue(ctx, job{eventID: eventID})
}

func (p *WorkerPool) enqueue(ctx context.Context, j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrQueueClosed
	}
	select {
	case p.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closeCh:
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-p.closeCh:
			return
		case j := <-p.jobs:
			p.run(ctx, j)
		}
	}
}

func (p *WorkerPool) run(ctx context.Context, j job) {
	err := p.handler(ctx, j.eventID)
	if err == nil {
		return
	}
	if errors.Is(err, ErrInvalidEvent) || j.attempt >= p.cfg.MaxRetries {
		p.logger.Error("event_processing_failed", "event_id", j.eventID, "attempt", j.attempt+1, "error", err)
		return
	}

	j.attempt++
	backoff := time.Duration(j.attempt) * p.cfg.Backoff
	p.logger.Warn("event_processing_retry", "event_id", j.eventID, "attempt", j.attempt, "backoff", backoff, "error", err)
	p.timers.Add(1)
	time.AfterFunc(backoff, func() {
		defer p.timers.Done()
		if err := p.enqueue(ctx, j); err != nil {
			p.logger.Warn("event_retry_dropped", "event_id", j.eventID, "error", err)
		}
	})
}

// Stop closes the queue and waits for in-flight jobs. Jobs still buffered
// are not run; their events stay received for the Replayer.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.closeCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.timers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SQSAPI is the subset of the SQS client used for dispatch.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// EventMessage is the SQS body carrying an event id to the worker lambda.
type EventMessage struct {
	EventID string `json:"event_id"`
}

// SQSDispatcher sends event ids to a queue consumed by a separate worker,
// for deployments running more than one receiver instance.
type SQSDispatcher struct {
	Client   SQSAPI
	QueueURL string
}

func NewSQSDispatcher(client SQSAPI, queueURL string) *SQSDispatcher {
	return &SQSDispatcher{Client: client, QueueURL: queueURL}
}

var _ Dispatcher = (*SQSDispatcher)(nil)
var _ Dispatcher = (*WorkerPool)(nil)

func (s *SQSDispatcher) Dispatch(ctx context.Context, eventID string) error {
	body, err := json.Marshal(EventMessage{EventID: eventID})
	if err != nil {
		return fmt.Errorf("failed to marshal event message: %w", err)
	}
	_, err = s.Client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.QueueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send message to SQS: %w", err)
	}
	return nil
}

// DecodeMessage extracts the event id from an SQS body.
func DecodeMessage(body string) (string, error) {
	var m EventMessage
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return "", fmt.Errorf("decode event message: %w", err)
	}
	if m.EventID == "" {
		return "", errors.New("event message without event_id")
	}
	return m.EventID, nil
}
