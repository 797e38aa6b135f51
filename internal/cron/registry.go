package cron

import (
	"context"
	"fmt"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// Job represents a scheduled task run by the scheduler.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Schedule yields the next activation after the given time.
type Schedule interface {
	Next(time.Time) time.Time
}

// Every fires at a constant interval, rounded to whole seconds.
func Every(d time.Duration) Schedule {
	return robfig.Every(d)
}

// ParseSchedule parses a standard five-field cron expression.
func ParseSchedule(expr string) (Schedule, error) {
	sched, err := robfig.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// Entry pairs a job with its schedule.
type Entry struct {
	Job      Job
	Schedule Schedule
}

// Registry tracks scheduled jobs.
type Registry struct {
	entries []Entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a job; nil jobs or schedules are ignored.
func (r *Registry) Register(job Job, schedule Schedule) {
	if job == nil || schedule == nil {
		return
	}
	r.entries = append(r.entries, Entry{Job: job, Schedule: schedule})
}

// Entries returns the registered entries in the order they were added.
func (r *Registry) Entries() []Entry {
	entries := make([]Entry, len(r.entries))
	copy(entries, r.entries)
	return entries
}
