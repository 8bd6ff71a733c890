// Package schedule parses and formats a source's persisted run policy.
//
// Persisted form:
//
//	[#]<source>:<load>:<retryDelayMillis>:<start>-<end>[:<start>-<end>...]
//
// A leading '#' marks the schedule disabled. The legacy form without the retry
// field ("<source>:<load>:<start>-<end>...") is still accepted and gets
// DefaultRetryDelayMillis. Hours are local; an end hour of 0 means midnight.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// PollingDisabled is the retry delay that means "pause the source once it
	// runs out of work".
	PollingDisabled = -1

	DefaultRetryDelayMillis = 5 * 60 * 1000

	disabledPrefix = "#"
	fieldSep       = ":"
	rangeSep       = "-"
)

var ErrMalformed = errors.New("malformed schedule")

// Interval is a half-open hour range [Start, End). End == 0 means 24.
type Interval struct {
	Start int
	End   int
}

// EffectiveEnd maps the midnight end marker to 24.
func (iv Interval) EffectiveEnd() int {
	if iv.End == 0 {
		return 24
	}
	return iv.End
}

func (iv Interval) Contains(hour int) bool {
	return hour >= iv.Start && hour < iv.EffectiveEnd()
}

func (iv Interval) String() string {
	return strconv.Itoa(iv.Start) + rangeSep + strconv.Itoa(iv.End)
}

func (iv Interval) validate() error {
	if iv.Start < 0 || iv.Start > 23 {
		return fmt.Errorf("%w: start hour %d out of range", ErrMalformed, iv.Start)
	}
	if iv.End < 0 || iv.End > 24 {
		return fmt.Errorf("%w: end hour %d out of range", ErrMalformed, iv.End)
	}
	if iv.EffectiveEnd() <= iv.Start {
		return fmt.Errorf("%w: empty interval %s", ErrMalformed, iv)
	}
	return nil
}

// Descriptor is the parsed run policy of one source.
type Descriptor struct {
	SourceID         string
	Disabled         bool
	Load             int
	RetryDelayMillis int
	Intervals        []Interval
}

// Parse turns a persisted schedule into a Descriptor.
//
// On error the returned descriptor is disabled with no intervals, so a caller
// that ignores the error still never schedules the source.
func Parse(raw string) (Descriptor, error) {
	d, err := parse(raw)
	if err != nil {
		return Descriptor{SourceID: d.SourceID, Disabled: true}, err
	}
	return d, nil
}

func parse(raw string) (Descriptor, error) {
	s := strings.TrimSpace(raw)
	var d Descriptor
	if strings.HasPrefix(s, disabledPrefix) {
		d.Disabled = true
		s = strings.TrimPrefix(s, disabledPrefix)
	}

	fields := strings.Split(s, fieldSep)
	if len(fields) < 2 {
		return d, fmt.Errorf("%w: %q needs at least source and load", ErrMalformed, raw)
	}
	d.SourceID = strings.TrimSpace(fields[0])
	if d.SourceID == "" {
		return d, fmt.Errorf("%w: empty source id", ErrMalformed)
	}

	load, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil || load < 0 {
		return d, fmt.Errorf("%w: invalid load %q", ErrMalformed, fields[1])
	}
	d.Load = load

	rest := fields[2:]
	d.RetryDelayMillis = DefaultRetryDelayMillis
	// Interval fields always contain a '-' after the sign, the retry field never does.
	if len(rest) > 0 && !isIntervalField(rest[0]) {
		delay, err := strconv.Atoi(strings.TrimSpace(rest[0]))
		if err != nil || (delay < 0 && delay != PollingDisabled) {
			return d, fmt.Errorf("%w: invalid retry delay %q", ErrMalformed, rest[0])
		}
		d.RetryDelayMillis = delay
		rest = rest[1:]
	}

	for _, f := range rest {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		iv, err := parseInterval(f)
		if err != nil {
			return d, err
		}
		d.Intervals = append(d.Intervals, iv)
	}
	return d, nil
}

func isIntervalField(f string) bool {
	f = strings.TrimSpace(f)
	return f != "" && strings.Contains(strings.TrimPrefix(f, "-"), rangeSep)
}

func parseInterval(f string) (Interval, error) {
	lo, hi, ok := strings.Cut(f, rangeSep)
	if !ok {
		return Interval{}, fmt.Errorf("%w: interval %q", ErrMalformed, f)
	}
	start, err1 := strconv.Atoi(strings.TrimSpace(lo))
	end, err2 := strconv.Atoi(strings.TrimSpace(hi))
	if err1 != nil || err2 != nil {
		return Interval{}, fmt.Errorf("%w: interval %q", ErrMalformed, f)
	}
	iv := Interval{Start: start, End: end}
	return iv, iv.validate()
}

// String renders the persisted form. Parse(d.String()) == d for any
// descriptor Parse accepts.
func (d Descriptor) String() string {
	var b strings.Builder
	if d.Disabled {
		b.WriteString(disabledPrefix)
	}
	b.WriteString(d.SourceID)
	b.WriteString(fieldSep)
	b.WriteString(strconv.Itoa(d.Load))
	b.WriteString(fieldSep)
	b.WriteString(strconv.Itoa(d.RetryDelayMillis))
	b.WriteString(fieldSep)
	for i, iv := range d.Intervals {
		if i > 0 {
			b.WriteString(fieldSep)
		}
		b.WriteString(iv.String())
	}
	return b.String()
}

// WithDisabled returns a copy with the disabled flag set. The caller persists it.
func (d Descriptor) WithDisabled(disabled bool) Descriptor {
	cp := d
	cp.Intervals = append([]Interval(nil), d.Intervals...)
	cp.Disabled = disabled
	return cp
}

// Contains reports whether hour (0..23) falls inside one of the windows.
func (d Descriptor) Contains(hour int) bool {
	for _, iv := range d.Intervals {
		if iv.Contains(hour) {
			return true
		}
	}
	return false
}

// RetryDelay converts the retry field. It reports false for PollingDisabled.
func (d Descriptor) RetryDelay() (time.Duration, bool) {
	if d.RetryDelayMillis == PollingDisabled {
		return 0, false
	}
	return time.Duration(d.RetryDelayMillis) * time.Millisecond, true
}

// PausesWhenExhausted reports whether the source disables itself once it
// runs out of work.
func (d Descriptor) PausesWhenExhausted() bool {
	return d.RetryDelayMillis == PollingDisabled
}
