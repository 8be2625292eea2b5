package squeeze

import (
	"errors"
	"fmt"
)

// Stage is a state of one pipeline run.
type Stage string

const (
	StagePlanning    Stage = "planning"
	StageSplitting   Stage = "splitting"
	StageCompressing Stage = "compressing"
	StageMerging     Stage = "merging"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// FailureKind classifies why a run failed.
type FailureKind string

const (
	KindPageCount FailureKind = "page_count_unavailable"
	KindSplit     FailureKind = "split_failure"
	KindCompress  FailureKind = "compress_failure"
	KindMerge     FailureKind = "merge_failure"
	KindLaunch    FailureKind = "process_launch_failure"
)

// Failure is the single error a failed run returns. Range is set for split
// and compress failures.
type Failure struct {
	Kind  FailureKind
	Stage Stage
	Range *PageRange
	Err   error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("squeeze: %s during %s", f.Kind, f.Stage)
	if f.Range != nil {
		msg += fmt.Sprintf(" (pages %s)", f.Range)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// launchFailure is implemented by tool errors raised before a process ran.
type launchFailure interface {
	LaunchFailed() bool
}

func newFailure(kind FailureKind, stage Stage, r *PageRange, err error) *Failure {
	var lf launchFailure
	if errors.As(err, &lf) && lf.LaunchFailed() {
		kind = KindLaunch
	}
	return &Failure{Kind: kind, Stage: stage, Range: r, Err: err}
}

// KindOf returns the failure kind carried by err, or "" if err is not a
// pipeline failure.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}
