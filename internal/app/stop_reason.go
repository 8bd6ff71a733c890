package app

// StopReason is logged on shutdown and decides whether running batches are
// interrupted or drained.
type StopReason string

const (
	StopUnknown     StopReason = "unknown"
	StopSIGINT      StopReason = "sigint"
	StopSIGTERM     StopReason = "sigterm"
	StopFatalError  StopReason = "fatal_error"
	StopAppStop     StopReason = "app_stop"
	StopForceSignal StopReason = "force_signal"
)

// interrupts reports whether in-flight batches are cancelled instead of drained.
func (r StopReason) interrupts() bool {
	return r == StopFatalError || r == StopForceSignal
}
