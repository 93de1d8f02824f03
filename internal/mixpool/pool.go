// Package mixpool implements the bounded, deadline-aware mix thread pool:
// jobs carry a priority and an enqueue timestamp; the worker loop drops any
// job whose age exceeds the real-time budget rather than ever applying
// back-pressure to the ingress path. Grounded on the original
// AudioThreadPool (priority dispatch, semaphore-gated concurrency, EMA
// latency, health check).
package mixpool

import (
	"container/heap"
	"context"
	"errors"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/audiorelay/voicecore/internal/wire"
)

// Priority orders jobs within the pool's queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// ErrQueueFull is returned immediately, never blocking the caller, when the
// submission queue is at capacity.
var ErrQueueFull = errors.New("mixpool: queue full")

// mixDeadline is the default real-time budget, used when
// Config.WorkerTimeout is not positive: jobs older than the budget at the
// moment a worker would run them are dropped instead.
const mixDeadline = 500 * time.Millisecond

// MixFunc runs a mix for a job's packets, returning the mixed bytes or nil.
type MixFunc func(packets []*wire.AudioPacket, channelID uuid.UUID) ([]byte, time.Duration)

// Job is one unit of mix work.
type Job struct {
	ID         uint64
	ChannelID  uuid.UUID
	Packets    []*wire.AudioPacket
	Priority   Priority
	EnqueuedAt time.Time
	resultCh   chan Result
}

// Result is what a submitted Job eventually resolves to.
type Result struct {
	Bytes   []byte
	Dropped bool
}

// Config configures pool sizing and deadlines.
type Config struct {
	MaxWorkers         int
	QueueSize          int
	WorkerTimeout      time.Duration
	MaxConcurrentMixes int
}

// DefaultConfig returns a pool config sized to the machine's CPU count
// (minimum 4 workers).
func DefaultConfig() Config {
	workers := runtime.NumCPU()
	if workers < 4 {
		workers = 4
	}
	return Config{
		MaxWorkers:         workers,
		QueueSize:          256,
		WorkerTimeout:      mixDeadline,
		MaxConcurrentMixes: workers,
	}
}

// Stats is a snapshot of pool health metrics.
type Stats struct {
	ActiveWorkers   int
	QueueDepth      int
	PeakQueue       int
	Completed       uint64
	Failed          uint64
	AvgProcessingMs float64
}

// LoadLevel is a coarse human-readable classification of pool load, derived
// from queue utilization and average latency, matching the original's
// LoadMetrics beyond the boolean health predicate.
type LoadLevel int

const (
	LoadLow LoadLevel = iota
	LoadModerate
	LoadHigh
	LoadCritical
)

func (l LoadLevel) String() string {
	switch l {
	case LoadModerate:
		return "Moderate"
	case LoadHigh:
		return "High"
	case LoadCritical:
		return "Critical"
	default:
		return "Low"
	}
}

// jobHeap is a priority queue ordered by Priority desc, then FIFO within a
// priority tier (EnqueuedAt asc).
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)   { *h = append(*h, x.(*Job)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Pool is the bounded priority mix worker pool.
type Pool struct {
	cfg     Config
	mix     MixFunc
	nowFunc func() time.Time

	mu       sync.Mutex
	queue    jobHeap
	notEmpty chan struct{}

	sem chan struct{}

	nextID    atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	peakQueue atomic.Int64
	avgMs     atomic.Uint64 // bits of float64

	active atomic.Int32

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a Pool with the given config and mix function. Workers are
// started by Start.
func New(cfg Config, mix MixFunc, nowFunc func() time.Time) *Pool {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &Pool{
		cfg:      cfg,
		mix:      mix,
		nowFunc:  nowFunc,
		notEmpty: make(chan struct{}, 1),
		sem:      make(chan struct{}, cfg.MaxConcurrentMixes),
	}
}

// Start launches the worker goroutines. Call Stop to shut down.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.cfg.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx)
	}
}

// Stop signals all workers to finish their current job and exit, then
// blocks until they have.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Submit enqueues a mix job. Returns ErrQueueFull immediately if the queue
// is at capacity; never blocks.
func (p *Pool) Submit(channelID uuid.UUID, packets []*wire.AudioPacket, priority Priority) (<-chan Result, error) {
	p.mu.Lock()
	if len(p.queue) >= p.cfg.QueueSize {
		p.mu.Unlock()
		p.failed.Add(1)
		return nil, ErrQueueFull
	}

	job := &Job{
		ID:         p.nextID.Add(1),
		ChannelID:  channelID,
		Packets:    packets,
		Priority:   priority,
		EnqueuedAt: p.nowFunc(),
		resultCh:   make(chan Result, 1),
	}
	heap.Push(&p.queue, job)
	depth := int64(len(p.queue))
	p.mu.Unlock()

	for {
		peak := p.peakQueue.Load()
		if depth <= peak || p.peakQueue.CompareAndSwap(peak, depth) {
			break
		}
	}

	select {
	case p.notEmpty <- struct{}{}:
	default:
	}

	return job.resultCh, nil
}

func (p *Pool) dequeue(ctx context.Context) *Job {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			job := heap.Pop(&p.queue).(*Job)
			p.mu.Unlock()
			return job
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-p.notEmpty:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (p *Pool) workerLoop(ctx context.Context) {
	defer p.wg.Done()

	for {
		job := p.dequeue(ctx)
		if job == nil {
			return
		}

		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			job.resultCh <- Result{Dropped: true}
			return
		}

		p.processJob(job)
		<-p.sem

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (p *Pool) processJob(job *Job) {
	deadline := p.cfg.WorkerTimeout
	if deadline <= 0 {
		deadline = mixDeadline
	}
	age := p.nowFunc().Sub(job.EnqueuedAt)
	if age > deadline {
		p.failed.Add(1)
		job.resultCh <- Result{Dropped: true}
		return
	}

	p.active.Add(1)
	bytes, duration := p.mix(job.Packets, job.ChannelID)
	p.active.Add(-1)

	p.completed.Add(1)
	p.updateAvg(duration)

	job.resultCh <- Result{Bytes: bytes}
}

// updateAvg applies an exponentially-smoothed average with alpha=0.1.
func (p *Pool) updateAvg(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0
	for {
		old := math.Float64frombits(p.avgMs.Load())
		var next float64
		if old == 0 {
			next = ms
		} else {
			next = old*0.9 + ms*0.1
		}
		if p.avgMs.CompareAndSwap(math.Float64bits(old), math.Float64bits(next)) {
			return
		}
	}
}

// Stats returns a point-in-time snapshot of pool health metrics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	depth := len(p.queue)
	p.mu.Unlock()

	return Stats{
		ActiveWorkers:   int(p.active.Load()),
		QueueDepth:      depth,
		PeakQueue:       int(p.peakQueue.Load()),
		Completed:       p.completed.Load(),
		Failed:          p.failed.Load(),
		AvgProcessingMs: math.Float64frombits(p.avgMs.Load()),
	}
}

// Healthy reports whether the pool is within its real-time budget: queue
// utilization under 90%, at least one worker configured, and average
// latency under 50ms.
func (p *Pool) Healthy() bool {
	s := p.Stats()
	utilization := float64(s.QueueDepth) / float64(p.cfg.QueueSize)
	return utilization < 0.90 && p.cfg.MaxWorkers > 0 && s.AvgProcessingMs < 50
}

// Load classifies current pool load into a coarse human-readable tier.
func (p *Pool) Load() LoadLevel {
	s := p.Stats()
	utilization := float64(s.QueueDepth) / float64(p.cfg.QueueSize)

	switch {
	case utilization >= 0.90 || s.AvgProcessingMs >= 200:
		return LoadCritical
	case utilization >= 0.70 || s.AvgProcessingMs >= 100:
		return LoadHigh
	case utilization >= 0.30 || s.AvgProcessingMs >= 30:
		return LoadModerate
	default:
		return LoadLow
	}
}
