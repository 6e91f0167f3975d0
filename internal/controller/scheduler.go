package controller

import (
	"time"

	"github.com/ChuLiYu/carbonite/pkg/types"
)

// Timer is a pending scheduled call. *time.Timer satisfies it.
type Timer interface {
	// Stop prevents the call from running. It returns false if the call
	// already ran or was stopped.
	Stop() bool
}

// Scheduler runs f once after d. Tests replace it with a manual clock.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemScheduler schedules on the runtime timer.
type SystemScheduler struct{}

// AfterFunc wraps time.AfterFunc.
func (SystemScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Recorder receives control loop observations. internal/metrics implements it.
type Recorder interface {
	RecordCycle()
	RecordFailure(reason string, delay time.Duration)
	RecordCandidate(found bool)
	RecordFreezeDispatched()
	RecordFreezeCompleted(status types.MetadataArchiveStatus, latency time.Duration)
	RecordUnexpectedCompletion()
	SetPhase(phase string)
}

type nopRecorder struct{}

func (nopRecorder) RecordCycle() {}
func (nopRecorder) RecordFailure(string, time.Duration) {}
func (nopRecorder) RecordCandidate(bool) {}
func (nopRecorder) RecordFreezeDispatched() {}
func (nopRecorder) RecordFreezeCompleted(types.MetadataArchiveStatus, time.Duration) {}
func (nopRecorder) RecordUnexpectedCompletion() {}
func (nopRecorder) SetPhase(string) {}
