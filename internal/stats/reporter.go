package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Publisher sends samples to a message bus. The NATS bridge satisfies
// this; the indirection keeps stats from importing the nats package.
type Publisher interface {
	// PublishStats publishes one sample.
	PublishStats(sample Sample) error
	// IsConnected reports whether the bus connection is active.
	IsConnected() bool
}

// Reporter runs the collector on an interval, caches the latest sample
// for the HTTP stats endpoint, and publishes each sample when a
// connected Publisher is set. It runs independently of session
// handling; collection failures log warnings and never stop the loop.
type Reporter struct {
	collector *Collector
	publisher Publisher
	logger    *slog.Logger
	interval  time.Duration

	mu     sync.RWMutex
	latest *Sample

	// Previous network counters for delta calculation.
	prevNetSent uint64
	prevNetRecv uint64
	firstReport bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewReporter creates a reporter that collects every interval.
func NewReporter(collector *Collector, logger *slog.Logger, interval time.Duration) *Reporter {
	return &Reporter{
		collector:   collector,
		logger:      logger.With(slog.String("component", "stats-reporter")),
		interval:    interval,
		firstReport: true,
	}
}

// SetPublisher sets the bus publisher. When set and connected, each
// sample is published after it is cached.
func (r *Reporter) SetPublisher(publisher Publisher) {
	r.publisher = publisher
}

// Latest returns the most recent sample, or false if none has been
// collected yet.
func (r *Reporter) Latest() (Sample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.latest == nil {
		return Sample{}, false
	}
	return *r.latest, true
}

// Run starts the collection loop and blocks until the context is
// cancelled. The first sample is collected immediately rather than
// waiting out the first interval. Run should be called in a goroutine.
func (r *Reporter) Run(ctx context.Context) {
	internalCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.logger.Info("stats reporter starting",
		slog.Duration("interval", r.interval),
	)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.collectAndStore(internalCtx)

	for {
		select {
		case <-internalCtx.Done():
			r.logger.Info("stats reporter stopped")
			return

		case <-ticker.C:
			r.collectAndStore(internalCtx)
		}
	}
}

// collectAndStore performs a single collect, cache, and publish cycle.
func (r *Reporter) collectAndStore(ctx context.Context) {
	r.wg.Add(1)
	defer r.wg.Done()

	select {
	case <-ctx.Done():
		return
	default:
	}

	sample, err := r.collector.Collect(ctx)
	if err != nil {
		r.logger.Warn("failed to collect stats",
			slog.String("error", err.Error()),
		)
		return
	}

	// Rewrite cumulative network counters to per-interval deltas.
	sample.NetBytesSent, sample.NetBytesRecv = r.networkDeltas(sample.NetBytesSent, sample.NetBytesRecv)

	r.mu.Lock()
	r.latest = sample
	r.mu.Unlock()

	r.logger.Debug("collected stats",
		slog.Int("sessions", sample.Sessions),
		slog.Float64("cpu_pct", sample.CPU),
		slog.Float64("memory_pct", sample.MemoryPct),
		slog.Uint64("net_sent_delta", sample.NetBytesSent),
		slog.Uint64("net_recv_delta", sample.NetBytesRecv),
	)

	if r.publisher == nil || !r.publisher.IsConnected() {
		return
	}

	if err := r.publisher.PublishStats(*sample); err != nil {
		r.logger.Warn("failed to publish stats",
			slog.String("error", err.Error()),
		)
		return
	}

	if r.firstReport {
		r.logger.Info("first stats sample published")
		r.firstReport = false
	}
}

// networkDeltas computes bytes sent and received since the previous
// sample. The first call establishes the baseline and returns zeros; a
// counter that went backwards means the kernel counters reset, in which
// case the current value is the best available delta.
func (r *Reporter) networkDeltas(currentSent, currentRecv uint64) (deltaSent, deltaRecv uint64) {
	if r.prevNetSent == 0 && r.prevNetRecv == 0 {
		r.prevNetSent = currentSent
		r.prevNetRecv = currentRecv
		return 0, 0
	}

	if currentSent >= r.prevNetSent {
		deltaSent = currentSent - r.prevNetSent
	} else {
		deltaSent = currentSent
		r.logger.Debug("network sent counter reset detected",
			slog.Uint64("prev", r.prevNetSent),
			slog.Uint64("current", currentSent),
		)
	}

	if currentRecv >= r.prevNetRecv {
		deltaRecv = currentRecv - r.prevNetRecv
	} else {
		deltaRecv = currentRecv
		r.logger.Debug("network recv counter reset detected",
			slog.Uint64("prev", r.prevNetRecv),
			slog.Uint64("current", currentRecv),
		)
	}

	r.prevNetSent = currentSent
	r.prevNetRecv = currentRecv
	return deltaSent, deltaRecv
}

// Shutdown stops the reporter and waits for any in-flight collection to
// finish, respecting the context's deadline.
func (r *Reporter) Shutdown(ctx context.Context) error {
	r.logger.Info("stats reporter shutting down")

	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("stats reporter shutdown complete")
		return nil
	case <-ctx.Done():
		r.logger.Warn("stats reporter shutdown timed out")
		return ctx.Err()
	}
}
