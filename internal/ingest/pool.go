// Package ingest runs the bounded ingestion worker pool: documents are
// chunked, embedded, and written to both the vector store and the lexical
// index by a fixed set of workers fed from a bounded queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mnemo-ai/mnemo/internal/chunking"
	"github.com/mnemo-ai/mnemo/internal/config"
	"github.com/mnemo-ai/mnemo/internal/embeddings"
	"github.com/mnemo-ai/mnemo/internal/faults"
	"github.com/mnemo-ai/mnemo/internal/kb"
	"github.com/mnemo-ai/mnemo/internal/lexical"
	"github.com/mnemo-ai/mnemo/internal/metrics"
)

// Task is one document to ingest. Submitter is the principal id that
// enqueued it and gates who may read its status.
type Task struct {
	ID            string
	Entry         kb.KnowledgeEntry
	Text          string
	Source        string
	ContextPrefix string
	Submitter     string
}

// VectorWriter is the slice of the vector store the pipeline needs.
type VectorWriter interface {
	Upsert(ctx context.Context, passages []kb.Passage, vectors [][]float32) error
	Delete(ctx context.Context, ids []string) error
}

// Pipeline turns one task into indexed passages and returns their ids.
type Pipeline interface {
	Process(ctx context.Context, task Task) ([]string, error)
}

// IndexPipeline is the production pipeline: chunk, embed, upsert dense,
// index lexical. If the lexical step cannot complete, the already-written
// vectors are deleted so the two indices never diverge.
type IndexPipeline struct {
	Chunker *chunking.Chunker
	Embed   *embeddings.Service
	Vectors VectorWriter
	Lexical *lexical.Index
}

// Process implements Pipeline.
func (p *IndexPipeline) Process(ctx context.Context, task Task) (ids []string, err error) {
	passages := p.Chunker.Passages(task.Entry, task.Text, task.Source, task.ContextPrefix)
	if len(passages) == 0 {
		return []string{}, nil
	}

	texts := make([]string, len(passages))
	for i, pass := range passages {
		texts[i] = pass.EmbedText()
	}
	vecs, err := p.Embed.Encode(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if err := p.Vectors.Upsert(ctx, passages, vecs); err != nil {
		return nil, fmt.Errorf("vector upsert: %w", err)
	}

	ids = make([]string, len(passages))
	for i, pass := range passages {
		ids[i] = pass.ID
	}

	defer func() {
		// compensate the dense write if lexical indexing panics, so a
		// half-indexed entry is not retrievable from one channel only
		if r := recover(); r != nil {
			_ = p.Vectors.Delete(context.WithoutCancel(ctx), ids)
			err = fmt.Errorf("lexical index: %v", r)
			ids = nil
		}
	}()
	for _, pass := range passages {
		p.Lexical.Add(pass)
	}
	return ids, nil
}

var errShutdown = errors.New("shutdown")

// Pool is the bounded worker pool.
type Pool struct {
	queue    chan Task
	store    *statusStore
	pipeline Pipeline
	deadline time.Duration
	grace    time.Duration
	logger   *zap.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc

	// mu is held shared across every enqueue and exclusively while closed
	// flips, so no Submit can enqueue after stop is closed. The queue
	// channel itself is never closed.
	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
}

// NewPool creates the pool and starts its workers.
func NewPool(pipeline Pipeline, cfg config.IngestConfig, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = 3
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 1024
	}
	deadline := cfg.TaskDeadline
	if deadline == 0 {
		deadline = 120 * time.Second
	}
	grace := cfg.ShutdownGrace
	if grace == 0 {
		grace = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:    make(chan Task, capacity),
		store:    newStatusStore(cfg.StatusRetention),
		pipeline: pipeline,
		deadline: deadline,
		grace:    grace,
		logger:   logger,
		cancel:   cancel,
		stop:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	return p
}

// Submit enqueues a task without blocking. A full queue fails immediately
// with ErrQueueFull; the caller is expected to back off and retry.
func (p *Pool) Submit(task Task) (string, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return "", fmt.Errorf("%w: ingestion pool is shut down", faults.ErrQueueFull)
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	// the status record must exist before a worker can pull the task
	p.store.put(Status{
		TaskID:    task.ID,
		Submitter: task.Submitter,
		State:     StatePending,
		Submitted: time.Now(),
	})

	select {
	case p.queue <- task:
		p.mu.RUnlock()
		metrics.IngestionSubmitted.Inc()
		metrics.QueueDepth.Set(float64(len(p.queue)))
		return task.ID, nil
	default:
		p.mu.RUnlock()
		// the caller never sees this id, so no record is kept for it
		p.store.remove(task.ID)
		metrics.IngestionRejected.Inc()
		return "", faults.ErrQueueFull
	}
}

// Status returns the task status, or ErrNotFound for unknown (or already
// evicted) task ids.
func (p *Pool) Status(taskID string) (Status, error) {
	st, ok := p.store.get(taskID)
	if !ok {
		return Status{}, fmt.Errorf("%w: task %s", faults.ErrNotFound, taskID)
	}
	return st, nil
}

// QueueDepth returns the number of queued (not yet started) tasks.
func (p *Pool) QueueDepth() int { return len(p.queue) }

// Shutdown stops accepting work, fails everything still queued, and waits
// up to the configured grace for in-flight tasks. In-flight tasks that
// outlive the grace are cancelled and marked failed.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.stop)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.grace):
		p.logger.Warn("Ingestion drain exceeded grace period, cancelling in-flight tasks")
		p.cancel()
		<-done
	case <-ctx.Done():
		p.cancel()
		<-done
	}
	p.cancel()
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			p.drainQueue()
			return
		case task := <-p.queue:
			metrics.QueueDepth.Set(float64(len(p.queue)))
			select {
			case <-p.stop:
				// the pool stopped while this task sat in the queue
				p.finish(task.ID, nil, errShutdown, time.Now())
			default:
				p.run(ctx, task)
			}
		}
	}
}

// drainQueue fails every task still queued when the pool stops. The grace
// period covers in-flight tasks only, never the backlog.
func (p *Pool) drainQueue() {
	for {
		select {
		case task := <-p.queue:
			p.finish(task.ID, nil, errShutdown, time.Now())
			metrics.QueueDepth.Set(float64(len(p.queue)))
		default:
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, task Task) {
	start := time.Now()
	p.store.update(task.ID, func(st *Status) {
		st.State = StateRunning
		st.Started = start
	})

	taskCtx, cancel := context.WithTimeout(ctx, p.deadline)
	defer cancel()

	var ids []string
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("ingestion panic: %v", r)
				p.logger.Error("Ingestion task panicked",
					zap.String("task_id", task.ID),
					zap.Any("panic", r),
				)
			}
		}()
		ids, err = p.pipeline.Process(taskCtx, task)
	}()

	p.finish(task.ID, ids, err, start)
}

func (p *Pool) finish(taskID string, ids []string, err error, start time.Time) {
	now := time.Now()
	if err != nil {
		p.store.update(taskID, func(st *Status) {
			st.State = StateFailed
			st.Error = err.Error()
			st.Finished = now
		})
		metrics.IngestionCompleted.WithLabelValues(string(StateFailed)).Inc()
	} else {
		p.store.update(taskID, func(st *Status) {
			st.State = StateCompleted
			st.PassageIDs = ids
			st.Finished = now
		})
		metrics.IngestionCompleted.WithLabelValues(string(StateCompleted)).Inc()
	}
	metrics.IngestionDuration.Observe(now.Sub(start).Seconds())
}
