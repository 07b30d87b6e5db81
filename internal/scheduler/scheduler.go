// Package scheduler runs the background maintenance jobs: aggregate
// refreshes, compression sweeps, and retention sweeps. Time is injected
// through a Clock so tests drive the schedule deterministically.
package scheduler

import (
	"context"
	"log"
	"sync"
	"time"
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// RealClock reads the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a fake clock starting at now.
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// JobFunc is one schedulable unit of work. now is the scheduler's view of
// the current time when the job fired.
type JobFunc func(ctx context.Context, now time.Time) error

type job struct {
	name  string
	group string
	every time.Duration
	run   JobFunc
	next  time.Time
}

// Scheduler fires registered jobs at their intervals. Jobs sharing a group
// (one group per table) run sequentially in registration order; groups run
// concurrently within a tick. A failing job is logged and rescheduled,
// never halting the loop.
type Scheduler struct {
	clock Clock
	tick  time.Duration

	mu   sync.Mutex
	jobs []*job

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler ticking at the given interval.
func New(tick time.Duration, clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{clock: clock, tick: tick}
}

// Add registers a job to run every interval. Jobs with the same group never
// overlap and run in registration order when due together. The first run
// happens on the first tick at or after registration.
func (s *Scheduler) Add(name, group string, every time.Duration, fn JobFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &job{
		name:  name,
		group: group,
		every: every,
		run:   fn,
		next:  s.clock.Now(),
	})
}

// RunPending runs every job due at now and reschedules it. Due jobs in the
// same group run sequentially in registration order; groups run
// concurrently. RunPending returns once all of them finish, with the number
// of jobs that fired.
func (s *Scheduler) RunPending(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	groups := make(map[string][]*job)
	var order []string
	fired := 0
	for _, j := range s.jobs {
		if !now.Before(j.next) {
			j.next = now.Add(j.every)
			if _, seen := groups[j.group]; !seen {
				order = append(order, j.group)
			}
			groups[j.group] = append(groups[j.group], j)
			fired++
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, g := range order {
		wg.Add(1)
		go func(due []*job) {
			defer wg.Done()
			for _, j := range due {
				runJob(ctx, j, now)
			}
		}(groups[g])
	}
	wg.Wait()
	return fired
}

// runJob executes one job, containing panics so the rest of the group
// still runs.
func runJob(ctx context.Context, j *job, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduler: job %s panicked: %v", j.name, r)
		}
	}()
	if err := j.run(ctx, now); err != nil {
		log.Printf("scheduler: job %s failed: %v", j.name, err)
	}
}

// Start launches the background loop. Stop (or cancelling the parent
// context) terminates it.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunPending(ctx, s.clock.Now())
			}
		}
	}()
}

// Stop terminates the background loop and waits for it to exit. In-flight
// jobs observe the cancelled context.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}
