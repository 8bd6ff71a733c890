package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		want Descriptor
	}{
		{
			name: "full form",
			raw:  "crawler:10:5000:9-17",
			want: Descriptor{SourceID: "crawler", Load: 10, RetryDelayMillis: 5000, Intervals: []Interval{{9, 17}}},
		},
		{
			name: "disabled",
			raw:  "#crawler:10:5000:9-17",
			want: Descriptor{SourceID: "crawler", Disabled: true, Load: 10, RetryDelayMillis: 5000, Intervals: []Interval{{9, 17}}},
		},
		{
			name: "legacy without retry delay",
			raw:  "crawler:100:1-2:3-8",
			want: Descriptor{SourceID: "crawler", Load: 100, RetryDelayMillis: DefaultRetryDelayMillis, Intervals: []Interval{{1, 2}, {3, 8}}},
		},
		{
			name: "polling disabled sentinel",
			raw:  "crawler:10:-1:0-0",
			want: Descriptor{SourceID: "crawler", Load: 10, RetryDelayMillis: PollingDisabled, Intervals: []Interval{{0, 0}}},
		},
		{
			name: "no intervals",
			raw:  "crawler:10:5000:",
			want: Descriptor{SourceID: "crawler", Load: 10, RetryDelayMillis: 5000},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("Parse(%q) mismatch (-want +got):\n%s", tt.raw, diff)
			}
		})
	}
}

func TestParseMalformedIsDisabled(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{
		"",
		"crawler",
		":10:5000:9-17",
		"crawler:ten:5000:9-17",
		"crawler:10:5000:17-9",
		"crawler:10:5000:9-25",
		"crawler:10:-7:9-17",
		"crawler:10:5000:9to17",
	} {
		d, err := Parse(raw)
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("Parse(%q) err = %v, want ErrMalformed", raw, err)
		}
		if !d.Disabled || len(d.Intervals) != 0 {
			t.Fatalf("Parse(%q) = %+v, want disabled with no intervals", raw, d)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	for _, d := range []Descriptor{
		{SourceID: "a", Load: 10, RetryDelayMillis: 5000, Intervals: []Interval{{9, 17}}},
		{SourceID: "b", Disabled: true, Load: 0, RetryDelayMillis: 0, Intervals: []Interval{{0, 0}, {3, 4}}},
		{SourceID: "c", Load: 7, RetryDelayMillis: PollingDisabled},
		{SourceID: "d.e-f", Load: 1, RetryDelayMillis: 1, Intervals: []Interval{{22, 24}}},
	} {
		got, err := Parse(d.String())
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", d.String(), err)
		}
		if diff := cmp.Diff(d, got); diff != "" {
			t.Fatalf("round trip of %q mismatch (-want +got):\n%s", d.String(), diff)
		}
	}
}

func TestLegacyFormIsRewrittenInFullForm(t *testing.T) {
	t.Parallel()
	d, err := Parse("crawler:100:1-2")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if got, want := d.String(), "crawler:100:300000:1-2"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestContainsBoundaries(t *testing.T) {
	t.Parallel()
	d := Descriptor{Intervals: []Interval{{9, 17}, {22, 0}}}
	cases := map[int]bool{
		8: false, 9: true, 16: true, 17: false,
		21: false, 22: true, 23: true, 0: false,
	}
	for hour, want := range cases {
		if got := d.Contains(hour); got != want {
			t.Fatalf("Contains(%d) = %v, want %v", hour, got, want)
		}
	}

	if (Descriptor{}).Contains(12) {
		t.Fatal("empty interval set must never contain an hour")
	}
}

func TestWithDisabledDoesNotAlias(t *testing.T) {
	t.Parallel()
	d := Descriptor{SourceID: "a", Load: 1, RetryDelayMillis: PollingDisabled, Intervals: []Interval{{1, 2}}}
	off := d.WithDisabled(true)
	off.Intervals[0].Start = 5

	if d.Disabled {
		t.Fatal("original descriptor was mutated")
	}
	if d.Intervals[0].Start != 1 {
		t.Fatal("intervals slice is shared with the copy")
	}
	if got, want := d.WithDisabled(true).String(), "#a:1:-1:1-2"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()
	if d, ok := (Descriptor{RetryDelayMillis: 5000}).RetryDelay(); !ok || d != 5*time.Second {
		t.Fatalf("RetryDelay = %v, %v", d, ok)
	}
	sentinel := Descriptor{RetryDelayMillis: PollingDisabled}
	if _, ok := sentinel.RetryDelay(); ok {
		t.Fatal("sentinel delay must not convert")
	}
	if !sentinel.PausesWhenExhausted() {
		t.Fatal("PausesWhenExhausted = false for sentinel")
	}
}
