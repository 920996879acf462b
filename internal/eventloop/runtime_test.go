// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRuntimePostRunsOnDispatchGoroutine(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	got := make(chan int, 1)
	r.Post(func() { got <- 42 })

	select {
	case v := <-got:
		require.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("job never ran")
	}

	r.Stop()
	<-done
}

func TestRuntimeTimerFires(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	fired := make(chan struct{})
	r.ScheduleAfter(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	r.Stop()
}

func TestRuntimeCancelTimerIsNoop(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	fired := make(chan struct{}, 1)
	timer := r.ScheduleAfter(20*time.Millisecond, func() { fired <- struct{}{} })
	timer.Cancel()
	timer.Cancel() // idempotent

	select {
	case <-fired:
		t.Fatal("canceled timer fired")
	case <-time.After(80 * time.Millisecond):
	}
	r.Stop()
}

func TestRuntimeTimersFireInDeadlineOrder(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	order := make(chan int, 3)
	base := time.Now()
	r.ScheduleAt(base.Add(30*time.Millisecond), func() { order <- 3 })
	r.ScheduleAt(base.Add(10*time.Millisecond), func() { order <- 1 })
	r.ScheduleAt(base.Add(20*time.Millisecond), func() { order <- 2 })

	var got []int
	for i := 0; i < 3; i++ {
		select {
		case v := <-order:
			got = append(got, v)
		case <-time.After(time.Second):
			t.Fatal("timers never fired")
		}
	}
	require.Equal(t, []int{1, 2, 3}, got)
	r.Stop()
}
