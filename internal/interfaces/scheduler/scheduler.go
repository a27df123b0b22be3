package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	taskRuns, _     = jobMeter.Int64Counter("scheduler.task.runs", metric.WithDescription("Periodic task runs by task and status"))
	taskAffected, _ = jobMeter.Int64Counter("scheduler.task.affected", metric.WithDescription("Records a periodic task acted on"))
)

// Task is periodic maintenance work. Run returns how many records it acted on.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) (int, error)
}

// Config holds scheduler settings.
type Config struct {
	// RunOnStartup runs every task once as soon as the scheduler starts.
	RunOnStartup bool
	// TaskTimeout bounds a single task run.
	TaskTimeout time.Duration
}

// Scheduler runs each task on its own interval. A run that is still going
// when the next tick arrives makes that tick a no-op.
type Scheduler struct {
	tasks []Task
	cfg   Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[string]bool
}

func NewScheduler(cfg Config, tasks ...Task) (*Scheduler, error) {
	if len(tasks) == 0 {
		return nil, errors.New("at least one task is required")
	}
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		switch {
		case t.Name == "":
			return nil, errors.New("task name is required")
		case seen[t.Name]:
			return nil, fmt.Errorf("duplicate task %q", t.Name)
		case t.Interval <= 0:
			return nil, fmt.Errorf("task %q: interval must be positive", t.Name)
		case t.Run == nil:
			return nil, fmt.Errorf("task %q: run function is required", t.Name)
		}
		seen[t.Name] = true
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:   tasks,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]bool),
	}, nil
}

// Start launches one loop per task.
func (s *Scheduler) Start() {
	for _, t := range s.tasks {
		log.Printf("Scheduler: %s every %s", t.Name, t.Interval)
		s.wg.Add(1)
		go s.loop(t)
	}
}

func (s *Scheduler) loop(t Task) {
	defer s.wg.Done()

	if s.cfg.RunOnStartup {
		s.runTask(t)
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.runTask(t)
		}
	}
}

// runTask runs t unless a previous run is still going. It reports whether
// the task ran.
func (s *Scheduler) runTask(t Task) bool {
	s.mu.Lock()
	if s.running[t.Name] {
		s.mu.Unlock()
		log.Printf("Scheduler: %s still running, skipping", t.Name)
		return false
	}
	s.running[t.Name] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, t.Name)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.TaskTimeout)
	defer cancel()

	start := time.Now()
	n, err := t.Run(ctx)
	attrs := metric.WithAttributes(attribute.String("task", t.Name), attribute.Bool("error", err != nil))
	taskRuns.Add(ctx, 1, attrs)
	if n > 0 {
		taskAffected.Add(ctx, int64(n), metric.WithAttributes(attribute.String("task", t.Name)))
	}

	if err != nil {
		log.Printf("Scheduler: %s failed after %d records: %v", t.Name, n, err)
		return true
	}
	if n > 0 {
		log.Printf("Scheduler: %s handled %d records in %s", t.Name, n, time.Since(start).Round(time.Millisecond))
	}
	return true
}

// TriggerNow runs the named task in the background.
func (s *Scheduler) TriggerNow(name string) error {
	for _, t := range s.tasks {
		if t.Name != name {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runTask(t)
		}()
		return nil
	}
	return fmt.Errorf("unknown task %q", name)
}

// Shutdown stops the loops and waits up to timeout for running tasks.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Scheduler: stopped")
	case <-time.After(timeout):
		log.Println("Scheduler: timeout waiting for tasks to stop")
	}
}
