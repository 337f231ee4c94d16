package sentry

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// EventProcessor performs one delivery attempt
type EventProcessor interface {
	ProcessEvent(ctx context.Context, event *SentryEvent) *SendResult
}

// Pipeline delivers events through a single sender goroutine. Events
// that cannot be sent right now, or whose send fails, go to the
// pending store and are retried on the next Flush.
type Pipeline struct {
	jobs      chan *SentryEvent
	processor EventProcessor
	store     *Store
	probe     NetworkProbe
	metrics   *metricsCollector
	logger    *zap.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// ids waiting in the backlog or being sent
	queuedMu sync.Mutex
	queued   map[string]struct{}
}

// NewPipeline creates a pipeline. A nil processor means no endpoint is
// configured: every event is kept in the store.
func NewPipeline(config *QueueConfig, processor EventProcessor, store *Store, probe NetworkProbe, metrics *metricsCollector, logger *zap.Logger) *Pipeline {
	size := config.BufferSize
	if size <= 0 {
		size = defaultBacklog
	}
	if probe == nil {
		probe = AlwaysOnline
	}
	if metrics == nil {
		metrics = newMetricsCollector()
	}

	return &Pipeline{
		jobs:      make(chan *SentryEvent, size),
		processor: processor,
		store:     store,
		probe:     probe,
		metrics:   metrics,
		logger:    logger,
		queued:    make(map[string]struct{}),
	}
}

// Start launches the sender goroutine. Cancelling ctx does not stop it;
// only Stop does, so the backlog always has a reader.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPipelineClosed
	}
	if p.started {
		return nil
	}
	p.started = true

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel

	p.wg.Add(1)
	go p.worker(workerCtx)

	return nil
}

// Stop lets the sender finish the backlog until ctx expires; whatever
// is left after that is written to the store.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	started := p.started
	p.mu.Unlock()

	if !started {
		p.drain()
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("Delivery pipeline stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("Delivery pipeline stop timed out, storing remaining events")
		p.cancel()
		<-done
	}
	p.cancel()
	p.drain()

	return nil
}

// Submit routes one event: straight to the store when sending is not
// possible, otherwise into the backlog. A full backlog discards the
// submission and returns ErrBacklogFull.
func (p *Pipeline) Submit(event *SentryEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.storeEvent(event)
		return ErrPipelineClosed
	}

	if !p.shouldAttemptPost() {
		p.logger.Debug("Not attempting to send, storing event", zap.String("event_id", event.ID))
		p.storeEvent(event)
		return nil
	}

	if !p.markQueued(event.ID) {
		p.logger.Debug("Event already waiting for delivery", zap.String("event_id", event.ID))
		return nil
	}

	select {
	case p.jobs <- event:
		return nil
	default:
		p.unmarkQueued(event.ID)
		p.metrics.IncDroppedEvents()
		p.logger.Warn("Delivery backlog is full, discarding submission",
			zap.String("event_id", event.ID))
		return ErrBacklogFull
	}
}

// Flush resubmits every pending event and returns how many there were
func (p *Pipeline) Flush() int {
	pending := p.store.GetAll()
	p.logger.Debug("Sending cached events", zap.Int("count", len(pending)))

	for _, event := range pending {
		_ = p.Submit(event)
	}
	return len(pending)
}

// BacklogLength returns the number of submissions waiting for the sender
func (p *Pipeline) BacklogLength() int {
	return len(p.jobs)
}

// shouldAttemptPost requires a configured endpoint and a usable network
func (p *Pipeline) shouldAttemptPost() bool {
	return p.processor != nil && p.probe.Online()
}

// worker is the only goroutine that talks to the network
func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.drain()
			return

		case event, ok := <-p.jobs:
			if !ok {
				return
			}
			p.process(ctx, event)
		}
	}
}

// process sends one event. The queued mark is released only once the
// store reflects the outcome, so a concurrent Flush cannot send it twice.
func (p *Pipeline) process(ctx context.Context, event *SentryEvent) {
	result := p.processor.ProcessEvent(ctx, event)
	if result.Success {
		p.metrics.IncSuccessfulEvents()
		p.store.Remove(event)
		p.unmarkQueued(event.ID)
		return
	}

	p.metrics.IncFailedEvents()
	p.logger.Warn("Failed to deliver event, keeping it for later",
		zap.String("event_id", event.ID),
		zap.String("error", result.Error),
		zap.Bool("rate_limit", result.RateLimit))
	p.storeEvent(event)
	p.unmarkQueued(event.ID)
}

// drain moves whatever is left in the backlog to the store
func (p *Pipeline) drain() {
	for {
		select {
		case event, ok := <-p.jobs:
			if !ok {
				return
			}
			p.storeEvent(event)
			p.unmarkQueued(event.ID)
		default:
			return
		}
	}
}

func (p *Pipeline) storeEvent(event *SentryEvent) {
	if p.store.Add(event) {
		p.metrics.IncStoredEvents()
	}
}

func (p *Pipeline) markQueued(id string) bool {
	p.queuedMu.Lock()
	defer p.queuedMu.Unlock()

	if _, ok := p.queued[id]; ok {
		return false
	}
	p.queued[id] = struct{}{}
	return true
}

func (p *Pipeline) unmarkQueued(id string) {
	p.queuedMu.Lock()
	delete(p.queued, id)
	p.queuedMu.Unlock()
}
