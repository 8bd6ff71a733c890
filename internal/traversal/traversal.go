// Package traversal defines the contract between the scheduler and the
// engine that actually traverses a source.
package traversal

import (
	"context"
	"fmt"
	"time"
)

// DelayPolicy tells the scheduler how to treat the source after a batch.
type DelayPolicy int

const (
	// PolicyPoll: the source ran out of work; wait for the schedule's retry delay.
	PolicyPoll DelayPolicy = iota + 1
	// PolicyError: the batch failed; back off for ErrorWait.
	PolicyError
	// PolicyImmediate: the batch was cut short and more work may be ready now.
	PolicyImmediate
)

// ErrorWait is the default backoff after a failed batch. It is deliberately
// longer than the default retry delay.
const ErrorWait = 15 * time.Minute

func (p DelayPolicy) String() string {
	switch p {
	case PolicyPoll:
		return "poll"
	case PolicyError:
		return "error"
	case PolicyImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("DelayPolicy(%d)", int(p))
	}
}

// Result is what one batch reports on completion.
type Result struct {
	Policy DelayPolicy
	// Units is the amount of work processed; it is charged against the quota.
	Units int
	// Err carries the failure behind PolicyError, for logging only.
	Err error
}

func Poll(units int) Result      { return Result{Policy: PolicyPoll, Units: units} }
func Immediate(units int) Result { return Result{Policy: PolicyImmediate, Units: units} }
func Failed(err error) Result    { return Result{Policy: PolicyError, Err: err} }

// Batch is one bounded unit of traversal work for a source.
//
// Run must return promptly once ctx is cancelled; hint is the suggested
// amount of work in abstract units.
type Batch interface {
	Run(ctx context.Context, hint int) Result
}

// BatchFunc adapts a function to Batch.
type BatchFunc func(ctx context.Context, hint int) Result

func (f BatchFunc) Run(ctx context.Context, hint int) Result { return f(ctx, hint) }

// Factory produces a runnable batch for a source.
type Factory interface {
	NewBatch(sourceID string) (Batch, error)
}
