package volumeengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/vdisk/pkg/log"
	"github.com/cuemby/vdisk/pkg/metrics"
	"github.com/rs/zerolog"
)

// UploadPool is the per-node backend worker pool of spec.md §5: a fixed
// number of goroutines executing SCO and TLog uploads so the write
// serialiser never blocks on the backend itself. One pool is shared across
// every local volume's Engine.
type UploadPool struct {
	jobs   chan uploadJob
	wg     sync.WaitGroup
	logger zerolog.Logger

	mu      sync.Mutex
	pending int
	idle    chan struct{} // closed and replaced whenever pending drops to zero
}

type uploadJob struct {
	objectType string
	run        func(context.Context) error
}

// NewUploadPool starts size worker goroutines. size is clamped to at least 1.
func NewUploadPool(size int) *UploadPool {
	if size < 1 {
		size = 1
	}
	p := &UploadPool{
		jobs:   make(chan uploadJob, size*4),
		logger: log.WithComponent("volumeengine.pool"),
		idle:   closedChan(),
	}
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (p *UploadPool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		timer := metrics.NewTimer()
		if err := job.run(context.Background()); err != nil {
			p.logger.Error().Err(err).Str("object_type", job.objectType).Msg("background upload failed")
		}
		timer.ObserveDurationVec(metrics.BackendSyncDuration, job.objectType)
		p.done()
	}
}

// Submit enqueues an upload. Callers never block on Submit under normal
// load; the channel buffer only fills when every worker is already busy,
// at which point Submit's caller (the write serialiser) intentionally
// backpressures rather than let uploads pile up unbounded.
func (p *UploadPool) Submit(objectType string, run func(context.Context) error) {
	p.mu.Lock()
	if p.pending == 0 {
		p.idle = make(chan struct{})
	}
	p.pending++
	p.mu.Unlock()

	p.jobs <- uploadJob{objectType: objectType, run: run}
}

func (p *UploadPool) done() {
	p.mu.Lock()
	p.pending--
	if p.pending == 0 {
		close(p.idle)
	}
	p.mu.Unlock()
}

// Drain blocks until every submitted upload has completed, or ctx expires.
// Migration's quiesce step calls this before handing ownership off.
func (p *UploadPool) Drain(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("volumeengine: drain uploads: %w", ctx.Err())
	}
}

// Close stops accepting new work and waits for workers to exit. Callers
// must ensure no further Submit calls race with Close.
func (p *UploadPool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
