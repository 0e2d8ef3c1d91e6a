/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Queue names a worker pool
type Queue string

const (
	QueueHigh Queue = "high"
	QueueLow  Queue = "low"
)

const (
	DefaultResolution = 250 * time.Millisecond
	queueBuffer       = 256
)

// Task is a periodic job. Name and Key identify the registration: two
// executions of the same (Name, Key) never overlap.
type Task struct {
	Name     string
	Key      string
	Queue    Queue
	Interval time.Duration
	Delay    time.Duration
	Run      func(ctx context.Context) error
}

func (t Task) id() string {
	return t.Name + ":" + t.Key
}

// Handle lets a running task remove its own registration
type Handle struct {
	cancelled atomic.Bool
}

func (h *Handle) Cancel() { h.cancelled.Store(true) }

func (h *Handle) Cancelled() bool { return h.cancelled.Load() }

type handleKey struct{}

// WithHandle returns a context carrying the handle of the running task
func WithHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, handleKey{}, h)
}

// CancelCurrentTask removes the registration of the task running with
// ctx once it returns. It reports false outside of a task.
func CancelCurrentTask(ctx context.Context) bool {
	h, ok := ctx.Value(handleKey{}).(*Handle)
	if !ok {
		zap.L().Warn("CancelCurrentTask called outside of a scheduled task")
		return false
	}
	h.Cancel()
	return true
}

type registration struct {
	task    Task
	nextRun time.Time
	running bool
	removed bool
}

// Config holds worker pool settings
type Config struct {
	HighWorkers int
	LowWorkers  int
	Resolution  time.Duration
}

// Scheduler runs periodic tasks on bounded worker pools. Registrations
// live in memory: Resume hooks of the state machines re-register them
// after a restart.
type Scheduler struct {
	clock      clock.Clock
	resolution time.Duration
	workers    map[Queue]int
	queues     map[Queue]chan *registration

	mu    sync.Mutex
	tasks map[string]*registration
	wake  chan struct{}
}

func New(cfg Config, clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	if cfg.Resolution <= 0 {
		cfg.Resolution = DefaultResolution
	}
	if cfg.HighWorkers <= 0 {
		cfg.HighWorkers = 4
	}
	if cfg.LowWorkers <= 0 {
		cfg.LowWorkers = 1
	}

	return &Scheduler{
		clock:      clk,
		resolution: cfg.Resolution,
		workers: map[Queue]int{
			QueueHigh: cfg.HighWorkers,
			QueueLow:  cfg.LowWorkers,
		},
		queues: map[Queue]chan *registration{
			QueueHigh: make(chan *registration, queueBuffer),
			QueueLow:  make(chan *registration, queueBuffer),
		},
		tasks: make(map[string]*registration),
		wake:  make(chan struct{}, 1),
	}
}

// Schedule registers a periodic task. Registering an existing (Name, Key)
// is a no-op and returns false.
func (s *Scheduler) Schedule(task Task) (bool, error) {
	if task.Name == "" || task.Run == nil {
		return false, errors.New("task requires a name and a function")
	}
	if task.Interval <= 0 {
		return false, fmt.Errorf("task %s requires a positive interval", task.Name)
	}
	if task.Queue == "" {
		task.Queue = QueueHigh
	}
	if _, ok := s.queues[task.Queue]; !ok {
		return false, fmt.Errorf("unknown queue %s", task.Queue)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := task.id()
	if _, exists := s.tasks[id]; exists {
		return false, nil
	}
	s.tasks[id] = &registration{
		task:    task,
		nextRun: s.clock.Now().Add(task.Delay),
	}

	zap.L().Debug("Task scheduled",
		zap.String("task", task.Name),
		zap.String("key", task.Key),
		zap.Duration("interval", task.Interval))

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true, nil
}

// Cancel removes a registration from outside of the task
func (s *Scheduler) Cancel(name, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := name + ":" + key
	if r, ok := s.tasks[id]; ok {
		r.removed = true
		if !r.running {
			delete(s.tasks, id)
		}
	}
}

// Registered reports whether the task is still scheduled
func (s *Scheduler) Registered(name, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.tasks[name+":"+key]
	return ok && !r.removed
}

// Len returns the number of registered tasks
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Run dispatches due tasks to the worker pools until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for queue, n := range s.workers {
		ch := s.queues[queue]
		for i := 0; i < n; i++ {
			g.Go(func() error {
				for {
					select {
					case <-ctx.Done():
						return nil
					case r := <-ch:
						s.execute(ctx, r)
					}
				}
			})
		}
	}

	g.Go(func() error {
		for {
			for _, r := range s.due(s.clock.Now()) {
				select {
				case s.queues[r.task.Queue] <- r:
				default:
					// queue is saturated, retry on the next tick
					s.release(r)
				}
			}

			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
			case <-s.clock.TickAfter(s.resolution):
			}
		}
	})

	zap.L().Info("Scheduler started",
		zap.Int("high_workers", s.workers[QueueHigh]),
		zap.Int("low_workers", s.workers[QueueLow]))

	return g.Wait()
}

// due marks every registration whose time has come as running
func (s *Scheduler) due(now time.Time) []*registration {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*registration
	for _, r := range s.tasks {
		if r.running || r.removed || now.Before(r.nextRun) {
			continue
		}
		r.running = true
		ready = append(ready, r)
	}
	return ready
}

func (s *Scheduler) release(r *registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.running = false
}

// execute runs one occurrence of a task. Errors and panics are logged and
// the registration stays in place for the next tick.
func (s *Scheduler) execute(ctx context.Context, r *registration) {
	handle := &Handle{}
	taskCtx := WithHandle(ctx, handle)

	func() {
		defer func() {
			if p := recover(); p != nil {
				zap.L().Error("Task panicked",
					zap.String("task", r.task.Name),
					zap.String("key", r.task.Key),
					zap.Any("panic", p))
			}
		}()

		if err := r.task.Run(taskCtx); err != nil {
			zap.L().Error("Task failed",
				zap.String("task", r.task.Name),
				zap.String("key", r.task.Key),
				zap.Error(err))
		}
	}()

	s.finish(r, handle.Cancelled())
}

// finish re-arms the registration, the interval counts from completion
func (s *Scheduler) finish(r *registration, cancelled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.running = false
	if cancelled || r.removed {
		if current, ok := s.tasks[r.task.id()]; ok && current == r {
			delete(s.tasks, r.task.id())
		}
		zap.L().Debug("Task cancelled",
			zap.String("task", r.task.Name),
			zap.String("key", r.task.Key))
		return
	}
	r.nextRun = s.clock.Now().Add(r.task.Interval)
}
