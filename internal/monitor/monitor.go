// Package monitor carries the scheduler's observability variables to
// external sinks. Publishing is fire-and-forget: a sink never blocks or
// fails the caller.
package monitor

import (
	logx "traversald/pkg/logx"
)

// Var names published by the scheduler.
const (
	VarCurrentTime = "/Scheduler/currentTime"
	VarPasses      = "/Scheduler/passes"
	VarSubmitted   = "/Scheduler/submitted"
	VarRunning     = "/Scheduler/running"
	VarRemoved     = "/Scheduler/removed"
)

type Sink interface {
	Publish(vars map[string]any)
}

type nopSink struct{}

func (nopSink) Publish(map[string]any) {}

// Nop discards everything.
func Nop() Sink { return nopSink{} }

type multi struct {
	sinks []Sink
	log   logx.Logger
}

// Multi fans out to every non-nil sink. A panicking sink is logged and skipped.
func Multi(log logx.Logger, sinks ...Sink) Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &multi{log: log}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *multi) Publish(vars map[string]any) {
	for _, s := range m.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Warn("monitor sink panicked", logx.Any("panic", r))
				}
			}()
			s.Publish(vars)
		}()
	}
}
