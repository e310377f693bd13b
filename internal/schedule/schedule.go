// Package schedule runs the coach's daily jobs (tip and digest broadcasts)
// on 5-field cron expressions. Times are evaluated in the local timezone.
//
// Clock injection: the Runner accepts an optional clock interface so that
// tests can advance time precisely without relying on wall-clock sleeps.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// clock is an interface over time.Now and time.After, allowing tests to
// substitute a controlled fake clock that advances on demand.
type clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Schedule holds the sets of matching values for each of the 5 cron fields:
//
//	minute(0-59)  hour(0-23)  day-of-month(1-31)  month(1-12)  day-of-week(0-6)
type Schedule struct {
	minute     []int
	hour       []int
	dayOfMonth []int
	month      []int
	dayOfWeek  []int
}

// Parse compiles a 5-field cron expression (space-separated). Supported
// field syntax:
//
//	*          every value in the allowed range
//	*/N        every Nth value (step)
//	N          single value
//	N-M        range [N, M] inclusive
//	N-M/S      range with step S
//	A,B,C      list of values
func Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("cron expression must have exactly 5 fields, got %d in %q", len(fields), expr)
	}

	minute, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("minute field %q: %w", fields[0], err)
	}
	hour, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("hour field %q: %w", fields[1], err)
	}
	dayOfMonth, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("day-of-month field %q: %w", fields[2], err)
	}
	month, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("month field %q: %w", fields[3], err)
	}
	dayOfWeek, err := parseField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("day-of-week field %q: %w", fields[4], err)
	}

	return &Schedule{
		minute:     minute,
		hour:       hour,
		dayOfMonth: dayOfMonth,
		month:      month,
		dayOfWeek:  dayOfWeek,
	}, nil
}

// parseField parses a single cron field into the sorted set of matching
// integer values within [min, max] inclusive.
func parseField(field string, min, max int) ([]int, error) {
	// Step: */N or range/N
	if idx := strings.LastIndex(field, "/"); idx != -1 {
		stepStr := field[idx+1:]
		step, err := strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step value %q", stepStr)
		}
		base := field[:idx]
		var start, end int
		if base == "*" {
			start, end = min, max
		} else if strings.Contains(base, "-") {
			start, end, err = parseSpan(base)
			if err != nil {
				return nil, err
			}
		} else {
			v, err := strconv.Atoi(base)
			if err != nil {
				return nil, fmt.Errorf("invalid value %q", base)
			}
			start, end = v, max
		}
		if err := checkSpan(start, end, min, max); err != nil {
			return nil, err
		}
		var vals []int
		for v := start; v <= end; v += step {
			vals = append(vals, v)
		}
		return vals, nil
	}

	if field == "*" {
		vals := make([]int, max-min+1)
		for i := range vals {
			vals[i] = min + i
		}
		return vals, nil
	}

	// List: A,B,C
	if strings.Contains(field, ",") {
		seen := make(map[int]bool)
		var vals []int
		for _, p := range strings.Split(field, ",") {
			v, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("invalid list value %q", p)
			}
			if v < min || v > max {
				return nil, fmt.Errorf("value %d out of range [%d, %d]", v, min, max)
			}
			if !seen[v] {
				seen[v] = true
				vals = append(vals, v)
			}
		}
		sort.Ints(vals)
		return vals, nil
	}

	// Range: N-M
	if strings.Contains(field, "-") {
		start, end, err := parseSpan(field)
		if err != nil {
			return nil, err
		}
		if err := checkSpan(start, end, min, max); err != nil {
			return nil, err
		}
		vals := make([]int, end-start+1)
		for i := range vals {
			vals[i] = start + i
		}
		return vals, nil
	}

	// Single value
	v, err := strconv.Atoi(field)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q", field)
	}
	if v < min || v > max {
		return nil, fmt.Errorf("value %d out of range [%d, %d]", v, min, max)
	}
	return []int{v}, nil
}

func parseSpan(s string) (start, end int, err error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid range %q", s)
	}
	start, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range start %q", parts[0])
	}
	end, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid range end %q", parts[1])
	}
	return start, end, nil
}

func checkSpan(start, end, min, max int) error {
	if start < min || end > max || start > end {
		return fmt.Errorf("range [%d, %d] out of bounds [%d, %d]", start, end, min, max)
	}
	return nil
}

// Next returns the next time after now that matches the schedule. It
// searches forward at minute resolution and returns the zero time if no
// match is found within one year.
func (s *Schedule) Next(now time.Time) time.Time {
	t := now.Add(time.Minute).Truncate(time.Minute)

	for range 366 * 24 * 60 {
		if containsInt(s.month, int(t.Month())) &&
			containsInt(s.dayOfMonth, t.Day()) &&
			containsInt(s.dayOfWeek, int(t.Weekday())) &&
			containsInt(s.hour, t.Hour()) &&
			containsInt(s.minute, t.Minute()) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}
}

func containsInt(vals []int, v int) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

// Job is a scheduled callback. The context is cancelled on Runner shutdown.
type Job func(ctx context.Context)

type scheduledJob struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner fires registered jobs on their cron schedules. New() creates an
// idle runner; Add() starts a job goroutine; Stop() tears everything down.
type Runner struct {
	mu     sync.Mutex
	jobs   map[string]*scheduledJob
	ctx    context.Context
	cancel context.CancelFunc
	clk    clock
}

// NewRunner returns an idle runner using the wall clock.
func NewRunner() *Runner {
	return newRunner(realClock{})
}

func newRunner(clk clock) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		jobs:   make(map[string]*scheduledJob),
		ctx:    ctx,
		cancel: cancel,
		clk:    clk,
	}
}

// Add registers and starts a named job on the given cron expression.
// Adding a name twice replaces the previous job.
func (r *Runner) Add(name, expr string, fn Job) error {
	sched, err := Parse(expr)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.jobs[name]; ok {
		old.cancel()
		<-old.done
	}

	ctx, cancel := context.WithCancel(r.ctx)
	job := &scheduledJob{name: name, cancel: cancel, done: make(chan struct{})}
	r.jobs[name] = job

	slog.Info("schedule: job started", "name", name, "expression", expr)
	go r.run(ctx, job, sched, fn)
	return nil
}

// Stop cancels all jobs and waits for their goroutines to exit.
func (r *Runner) Stop() {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, job := range r.jobs {
		slog.Info("schedule: stopping job on shutdown", "name", name)
		job.cancel()
		<-job.done
	}
	r.jobs = make(map[string]*scheduledJob)
}

// run is the tick loop for one job. It blocks until ctx is cancelled.
func (r *Runner) run(ctx context.Context, job *scheduledJob, sched *Schedule, fn Job) {
	defer close(job.done)

	for {
		next := sched.Next(r.clk.Now())
		if next.IsZero() {
			slog.Error("schedule: could not compute next tick, stopping job", "name", job.name)
			return
		}

		delay := next.Sub(r.clk.Now())
		if delay < 0 {
			delay = 0
		}

		select {
		case <-ctx.Done():
			slog.Info("schedule: job stopped", "name", job.name)
			return
		case <-r.clk.After(delay):
			fn(ctx)
		}
	}
}
