package task

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type outcomeKind int

const (
	outcomeComplete outcomeKind = iota
	outcomeBlocked
	outcomeBackground
	outcomeFailed
)

// Outcome is the tagged result of a lifecycle callback: exactly one of
// Complete, Blocked, Background or Failed.
type Outcome struct {
	kind outcomeKind

	output     []byte
	subtaskIDs []string
	reason     string
	timeout    time.Duration
	err        *Error
}

// Complete finishes the task; output is persisted as the task's JSON output
// bag.
func Complete(output any) Outcome {
	var raw []byte
	if output != nil {
		raw, _ = json.Marshal(output)
	}
	return Outcome{kind: outcomeComplete, output: raw}
}

// Blocked parks the task until every listed subtask completes.
func Blocked(subtaskIDs ...string) Outcome {
	return Outcome{kind: outcomeBlocked, subtaskIDs: subtaskIDs}
}

// Background suspends the task and hands completion to an external actor,
// which must call Store.Complete or Store.Fail before the timeout.
func Background(reason string, timeout time.Duration) Outcome {
	return Outcome{kind: outcomeBackground, reason: reason, timeout: timeout}
}

// Failed fails the task. Retryability is taken from *Error when err is one,
// otherwise derived by Retryable.
func Failed(err error) Outcome {
	var terr *Error
	if !errors.As(err, &terr) {
		terr = &Error{Message: err.Error(), Retryable: Retryable(err)}
	}
	return Outcome{kind: outcomeFailed, err: terr}
}

// Retryable classifies an error for retry purposes. IO and timeout classes
// retry; everything else is considered a permanent failure. Callers with
// richer knowledge wrap their errors in *Error instead.
func Retryable(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, io.ErrClosedPipe)
}
