package core

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	taskRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_task_runs_total",
		Help: "Task invocations by result.",
	}, []string{"task", "result"})
	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_task_duration_seconds",
		Help:    "Task run time.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"task"})
)

// Task is a periodic job. Overlapping invocations of the same task are dropped.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error

	running int32
}

// Scheduler runs tasks on a fixed pool of workers.
type Scheduler struct {
	threads int
	tasks   []*Task
	jobs    chan *Task

	ctx    context.Context
	cancel context.CancelFunc

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewScheduler
func NewScheduler(threads int) *Scheduler {
	if threads <= 0 {
		threads = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		threads: threads,
		jobs:    make(chan *Task, threads),
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
	}
}

// Add registers a task. Tasks must be added before Start.
func (s *Scheduler) Add(task *Task) {
	s.tasks = append(s.tasks, task)
}

func (s *Scheduler) Start() {
	for i := 0; i < s.threads; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	for _, task := range s.tasks {
		if task.Interval <= 0 {
			log.Warnf("Task %s has no interval, not scheduled", task.Name)
			continue
		}
		s.wg.Add(1)
		go s.tick(task)
	}
	log.Infof("Started scheduler with %d workers and %d tasks", s.threads, len(s.tasks))
}

func (s *Scheduler) tick(task *Task) {
	defer s.wg.Done()

	log.Infof("Set %s interval to %v", task.Name, task.Interval)
	timer := time.NewTimer(task.Interval)
	defer timer.Stop()
	for {
		select {
		case <-s.quit:
			return

		case <-timer.C:
			s.Trigger(task)
			timer.Reset(task.Interval)
		}
	}
}

// Trigger enqueues the task unless it is already running or queued.
func (s *Scheduler) Trigger(task *Task) bool {
	if !atomic.CompareAndSwapInt32(&task.running, 0, 1) {
		taskRuns.WithLabelValues(task.Name, "overlap").Inc()
		log.Debugf("Task %s still running, skipping", task.Name)
		return false
	}
	select {
	case s.jobs <- task:
		return true
	default:
		// 队列已满
		atomic.StoreInt32(&task.running, 0)
		taskRuns.WithLabelValues(task.Name, "dropped").Inc()
		log.Warnf("Worker pool busy, dropping %s", task.Name)
		return false
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.quit:
			return

		case task := <-s.jobs:
			s.execute(task)
		}
	}
}

func (s *Scheduler) execute(task *Task) {
	defer atomic.StoreInt32(&task.running, 0)
	defer func() {
		if r := recover(); r != nil {
			taskRuns.WithLabelValues(task.Name, "panic").Inc()
			log.Errorf("Task %s panicked: %v", task.Name, r)
		}
	}()

	logger := log.WithFields(log.Fields{"task": task.Name, "run": uuid.NewString()[:8]})
	start := time.Now()
	err := task.Run(s.ctx)
	taskDuration.WithLabelValues(task.Name).Observe(time.Since(start).Seconds())
	if err != nil {
		taskRuns.WithLabelValues(task.Name, "error").Inc()
		logger.Errorf("Task failed after %v: %v", time.Since(start), err)
		return
	}
	taskRuns.WithLabelValues(task.Name, "ok").Inc()
	logger.Debugf("Task done in %v", time.Since(start))
}

// Close stops the tickers, cancels running tasks and waits for the workers.
func (s *Scheduler) Close() {
	close(s.quit)
	s.cancel()

	// 等待服务关闭
	s.wg.Wait()
}
