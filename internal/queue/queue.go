package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// HandlerFunc executes one workflow. The context carries the soft time
// limit: when it fires the handler should run its graceful-failure path and
// return. Handlers are invoked at least once per job and must be idempotent.
type HandlerFunc func(ctx context.Context, args json.RawMessage) error

// Enqueuer is the subset of Runner the intent layer depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, args interface{}) (string, error)
}

// Job is the wire format of one queued workflow.
type Job struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Args    json.RawMessage `json:"args"`
	Attempt int             `json:"attempt"`
}

// Config holds the runner configuration.
type Config struct {
	Redis         *redis.Client
	Key           string
	Concurrency   int
	MaxAttempts   int
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
	Logger        *logrus.Entry
}

// Runner executes queued workflows with a bounded worker pool. Delivery is
// at-least-once: a worker crash after BRPOP loses nothing already durable in
// the database, and a re-enqueued job may repeat steps that already ran.
// A job abandoned at the hard time limit is re-enqueued while its old
// goroutine may still be running, so two executions of the same job can
// briefly overlap; handlers must tolerate overlap, not just redelivery.
type Runner struct {
	rdb           *redis.Client
	key           string
	concurrency   int
	maxAttempts   int
	softTimeLimit time.Duration
	hardTimeLimit time.Duration
	logger        *logrus.Entry

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a workflow runner.
func NewRunner(cfg *Config) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Runner{
		rdb:           cfg.Redis,
		key:           cfg.Key,
		concurrency:   concurrency,
		maxAttempts:   maxAttempts,
		softTimeLimit: cfg.SoftTimeLimit,
		hardTimeLimit: cfg.HardTimeLimit,
		logger:        cfg.Logger.WithField("component", "queue"),
		handlers:      make(map[string]HandlerFunc),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Register binds a workflow name to its handler. Must be called before Start.
func (r *Runner) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Enqueue queues a workflow for execution and returns its job handle.
func (r *Runner) Enqueue(ctx context.Context, name string, args interface{}) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job args: %w", err)
	}

	job := Job{
		ID:      uuid.NewString(),
		Name:    name,
		Args:    raw,
		Attempt: 1,
	}

	if err := r.push(ctx, &job); err != nil {
		return "", err
	}

	r.logger.WithFields(logrus.Fields{
		"job":      job.ID,
		"workflow": name,
	}).Info("Workflow enqueued")

	return job.ID, nil
}

func (r *Runner) push(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := r.rdb.LPush(ctx, r.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to push job: %w", err)
	}
	return nil
}

// Start launches the worker pool.
func (r *Runner) Start() {
	r.logger.WithFields(logrus.Fields{
		"concurrency":  r.concurrency,
		"max_attempts": r.maxAttempts,
	}).Info("Starting workflow workers")

	for i := 0; i < r.concurrency; i++ {
		r.wg.Add(1)
		go r.workerLoop(i)
	}
}

// Stop cancels the workers and waits for in-flight jobs to settle. Jobs past
// their hard time limit are abandoned, not waited for.
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) workerLoop(id int) {
	defer r.wg.Done()

	logger := r.logger.WithField("worker", id)
	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		res, err := r.rdb.BRPop(r.ctx, time.Second, r.key).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if r.ctx.Err() != nil {
				return
			}
			logger.Errorf("Failed to pop job: %v", err)
			time.Sleep(time.Second)
			continue
		}

		// BRPOP returns [key, value]
		if len(res) != 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			logger.Errorf("Discarding malformed job: %v", err)
			continue
		}

		r.execute(logger, &job)
	}
}

// execute runs one job under the soft/hard time limits and applies the retry
// policy on failure.
func (r *Runner) execute(logger *logrus.Entry, job *Job) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Name]
	r.mu.RUnlock()
	if !ok {
		logger.WithFields(logrus.Fields{
			"job":      job.ID,
			"workflow": job.Name,
		}).Error("No handler registered for workflow, discarding job")
		return
	}

	logger = logger.WithFields(logrus.Fields{
		"job":      job.ID,
		"workflow": job.Name,
		"attempt":  job.Attempt,
	})
	logger.Info("Executing workflow")

	ctx := context.Background()
	var cancel context.CancelFunc = func() {}
	if r.softTimeLimit > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.softTimeLimit)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- handler(ctx, job.Args)
	}()

	var hardTimer <-chan time.Time
	if r.hardTimeLimit > 0 {
		t := time.NewTimer(r.hardTimeLimit)
		defer t.Stop()
		hardTimer = t.C
	}

	select {
	case err := <-done:
		if err == nil {
			logger.Info("Workflow completed")
			return
		}
		logger.Errorf("Workflow failed: %v", err)
		r.retry(logger, job)
	case <-hardTimer:
		// The goroutine cannot be killed; it is abandoned and the VM it was
		// driving must be reconciled out-of-band.
		logger.Error("Workflow exceeded hard time limit, abandoning")
		r.retry(logger, job)
	}
}

func (r *Runner) retry(logger *logrus.Entry, job *Job) {
	if job.Attempt >= r.maxAttempts {
		logger.Error("Workflow permanently failed, retry budget exhausted")
		return
	}

	next := *job
	next.Attempt++
	if err := r.push(context.Background(), &next); err != nil {
		logger.Errorf("Failed to re-enqueue job: %v", err)
		return
	}
	logger.WithField("next_attempt", next.Attempt).Warn("Workflow re-enqueued")
}
