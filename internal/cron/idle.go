package cron

import (
	"context"

	"github.com/angelmondragon/bookshop-backend/pkg/logger"
)

type idleChecker interface {
	IsIdle() bool
}

// SkipWhenIdle wraps a job so invocations while the gate is idle are no-ops.
func SkipWhenIdle(job Job, gate idleChecker, logg *logger.Logger) Job {
	if job == nil || gate == nil {
		return job
	}
	return &idleGatedJob{job: job, gate: gate, logg: logg}
}

type idleGatedJob struct {
	job  Job
	gate idleChecker
	logg *logger.Logger
}

func (j *idleGatedJob) Name() string { return j.job.Name() }

func (j *idleGatedJob) Idle() bool { return j.gate.IsIdle() }

func (j *idleGatedJob) Run(ctx context.Context) error {
	if j.gate.IsIdle() {
		if j.logg != nil {
			j.logg.Info(ctx, "service idle; skipping job")
		}
		return nil
	}
	return j.job.Run(ctx)
}

type idleSweeper interface {
	Sweep(ctx context.Context) bool
}

// NewIdleSweepJob builds the job that moves the gate to idle after inactivity.
// It is never gated itself and runs on every instance.
func NewIdleSweepJob(gate idleSweeper) Job {
	return &idleSweepJob{gate: gate}
}

type idleSweepJob struct {
	gate idleSweeper
}

func (j *idleSweepJob) Name() string { return "idle-sweep" }

func (j *idleSweepJob) Local() bool { return true }

func (j *idleSweepJob) Run(ctx context.Context) error {
	j.gate.Sweep(ctx)
	return nil
}
