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
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func TestCancelCurrentTask(t *testing.T) {
	require.False(t, CancelCurrentTask(context.Background()))

	h := &Handle{}
	require.True(t, CancelCurrentTask(WithHandle(context.Background(), h)))
	require.True(t, h.Cancelled())
}

func TestSchedule_Validation(t *testing.T) {
	s := New(Config{}, clock.NewTestClock(testStart))
	noop := func(ctx context.Context) error { return nil }

	_, err := s.Schedule(Task{Name: "", Interval: time.Second, Run: noop})
	require.Error(t, err)

	_, err = s.Schedule(Task{Name: "t", Run: noop})
	require.Error(t, err)

	_, err = s.Schedule(Task{Name: "t", Interval: time.Second, Queue: "middle", Run: noop})
	require.Error(t, err)

	added, err := s.Schedule(Task{Name: "t", Key: "a", Interval: time.Second, Run: noop})
	require.NoError(t, err)
	require.True(t, added)

	added, err = s.Schedule(Task{Name: "t", Key: "a", Interval: time.Second, Run: noop})
	require.NoError(t, err)
	require.False(t, added)
	require.Equal(t, 1, s.Len())
}

func TestDueAndInterval(t *testing.T) {
	clk := clock.NewTestClock(testStart)
	s := New(Config{}, clk)

	var runs int
	_, err := s.Schedule(Task{
		Name:     "poll",
		Key:      "dep1",
		Interval: 2 * time.Second,
		Delay:    time.Second,
		Run: func(ctx context.Context) error {
			runs++
			return nil
		},
	})
	require.NoError(t, err)

	// start delay
	require.Empty(t, s.due(clk.Now()))

	clk.SetTime(testStart.Add(time.Second))
	ready := s.due(clk.Now())
	require.Len(t, ready, 1)

	// a running task is never dispatched twice
	require.Empty(t, s.due(clk.Now().Add(time.Hour)))

	// completion happens later than the nominal tick
	clk.SetTime(testStart.Add(5 * time.Second))
	s.execute(context.Background(), ready[0])
	require.Equal(t, 1, runs)

	clk.SetTime(testStart.Add(6 * time.Second))
	require.Empty(t, s.due(clk.Now()))

	clk.SetTime(testStart.Add(7 * time.Second))
	require.Len(t, s.due(clk.Now()), 1)
}

func TestExecute_SelfCancel(t *testing.T) {
	clk := clock.NewTestClock(testStart)
	s := New(Config{}, clk)

	_, err := s.Schedule(Task{
		Name:     "wait",
		Key:      "dep1",
		Interval: time.Second,
		Run: func(ctx context.Context) error {
			CancelCurrentTask(ctx)
			return nil
		},
	})
	require.NoError(t, err)

	ready := s.due(clk.Now())
	require.Len(t, ready, 1)
	s.execute(context.Background(), ready[0])

	require.False(t, s.Registered("wait", "dep1"))
	require.Equal(t, 0, s.Len())
}

func TestExecute_ErrorsAndPanicsKeepTask(t *testing.T) {
	clk := clock.NewTestClock(testStart)
	s := New(Config{}, clk)

	_, err := s.Schedule(Task{
		Name: "failing", Key: "a", Interval: time.Second,
		Run: func(ctx context.Context) error { return errors.New("node unreachable") },
	})
	require.NoError(t, err)
	_, err = s.Schedule(Task{
		Name: "panicking", Key: "a", Interval: time.Second,
		Run: func(ctx context.Context) error { panic("boom") },
	})
	require.NoError(t, err)

	for _, r := range s.due(clk.Now()) {
		s.execute(context.Background(), r)
	}

	require.True(t, s.Registered("failing", "a"))
	require.True(t, s.Registered("panicking", "a"))
}

func TestCancelWhileRunning(t *testing.T) {
	clk := clock.NewTestClock(testStart)
	s := New(Config{}, clk)

	_, err := s.Schedule(Task{
		Name: "check", Key: "a", Interval: time.Second,
		Run: func(ctx context.Context) error { return nil },
	})
	require.NoError(t, err)

	ready := s.due(clk.Now())
	s.Cancel("check", "a")
	require.False(t, s.Registered("check", "a"))

	s.execute(context.Background(), ready[0])
	require.Equal(t, 0, s.Len())
}

func TestRun(t *testing.T) {
	s := New(Config{HighWorkers: 2, LowWorkers: 1, Resolution: 5 * time.Millisecond}, clock.NewDefaultClock())

	var high, low atomic.Int32
	_, err := s.Schedule(Task{
		Name: "deposit", Key: "a", Interval: time.Millisecond,
		Run: func(ctx context.Context) error {
			if high.Add(1) == 3 {
				CancelCurrentTask(ctx)
			}
			return nil
		},
	})
	require.NoError(t, err)
	_, err = s.Schedule(Task{
		Name: "activation", Key: "b", Queue: QueueLow, Interval: time.Millisecond,
		Run: func(ctx context.Context) error {
			low.Add(1)
			CancelCurrentTask(ctx)
			return nil
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Len() == 0 }, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, int32(3), high.Load())
	require.Equal(t, int32(1), low.Load())

	cancel()
	require.NoError(t, <-done)
}
