package timescale_test

import (
	"testing"
	"time"

	"pgregory.net/rapid"

	"opsdrill/internal/timescale"
)

var priorities = []string{"critical", "high", "medium", "low"}

func TestSLAMinutesKnownValues(t *testing.T) {
	cases := []struct {
		priority string
		duration int
		want     int
	}{
		{"critical", 60, 6},
		{"critical", 10, 5},    // clamped to min
		{"critical", 1000, 30}, // clamped to max
		{"high", 60, 12},
		{"medium", 60, 21},
		{"low", 60, 30},
		{"low", 1000, 240},
	}
	for _, c := range cases {
		got := timescale.SLAMinutes(c.priority, c.duration)
		if got != c.want {
			t.Errorf("SLAMinutes(%s, %d) = %d, want %d", c.priority, c.duration, got, c.want)
		}
	}
}

func TestUnknownPriorityFallsBackToMedium(t *testing.T) {
	if timescale.SLAMinutes("bogus", 60) != timescale.SLAMinutes("medium", 60) {
		t.Fatalf("unknown priority should use medium band")
	}
}

func TestThresholdOrdering(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := rapid.IntRange(1, 100000).Draw(t, "duration")
		p := rapid.SampledFrom(priorities).Draw(t, "priority")
		atRisk := timescale.AtRiskThreshold(p, d)
		l1 := timescale.EscalationThreshold(p, 1, d)
		l2 := timescale.EscalationThreshold(p, 2, d)
		l3 := timescale.EscalationThreshold(p, 3, d)
		sla := timescale.SLATarget(p, d)
		if !(atRisk < l1 && l1 < l2 && l2 < l3 && l3 < sla) {
			t.Fatalf("ordering broken for p=%s d=%d: %v %v %v %v %v", p, d, atRisk, l1, l2, l3, sla)
		}
	})
}

func TestOutputsWithinBandBounds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d := rapid.IntRange(1, 100000).Draw(t, "duration")
		p := rapid.SampledFrom(priorities).Draw(t, "priority")
		b := timescale.SLABand(p)
		m := timescale.SLAMinutes(p, d)
		if m < b.Min || m > b.Max {
			t.Fatalf("SLAMinutes(%s,%d)=%d outside [%d,%d]", p, d, m, b.Min, b.Max)
		}
		for _, kind := range []string{"quick", "standard", "extended"} {
			wb := timescale.WindowBand(kind)
			w := int(timescale.ChallengeWindow(kind, d) / time.Minute)
			if w < wb.Min || w > wb.Max {
				t.Fatalf("ChallengeWindow(%s,%d)=%d outside [%d,%d]", kind, d, w, wb.Min, wb.Max)
			}
		}
	})
}

func TestMonotonicInDuration(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		d1 := rapid.IntRange(1, 100000).Draw(t, "d1")
		d2 := rapid.IntRange(d1, 100000).Draw(t, "d2")
		p := rapid.SampledFrom(priorities).Draw(t, "priority")
		if timescale.SLAMinutes(p, d1) > timescale.SLAMinutes(p, d2) {
			t.Fatalf("SLAMinutes not monotonic for %s: d=%d -> %d, d=%d -> %d",
				p, d1, timescale.SLAMinutes(p, d1), d2, timescale.SLAMinutes(p, d2))
		}
	})
}

func TestDeterministic(t *testing.T) {
	for _, p := range priorities {
		for _, d := range []int{1, 30, 60, 120, 480} {
			a := timescale.SLATarget(p, d)
			b := timescale.SLATarget(p, d)
			if a != b {
				t.Fatalf("SLATarget(%s,%d) not deterministic", p, d)
			}
		}
	}
}

func TestCapWindow(t *testing.T) {
	cases := []struct {
		name      string
		window    time.Duration
		remaining time.Duration
		want      time.Duration
	}{
		{"plenty of time", 10 * time.Minute, 60 * time.Minute, 10 * time.Minute},
		{"capped with buffer", 20 * time.Minute, 15 * time.Minute, 13 * time.Minute},
		{"floor applies", 20 * time.Minute, 4 * time.Minute, 5 * time.Minute},
		{"no remaining", 20 * time.Minute, 0, 5 * time.Minute},
		{"exact buffer edge", 10 * time.Minute, 12 * time.Minute, 10 * time.Minute},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := timescale.CapWindow(c.window, c.remaining)
			if got != c.want {
				t.Fatalf("CapWindow(%v, %v) = %v, want %v", c.window, c.remaining, got, c.want)
			}
		})
	}
}

func TestCapWindowNeverBelowFloor(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		w := time.Duration(rapid.Int64Range(0, int64(4*time.Hour)).Draw(t, "window"))
		r := time.Duration(rapid.Int64Range(0, int64(4*time.Hour)).Draw(t, "remaining"))
		got := timescale.CapWindow(w, r)
		if got < 5*time.Minute {
			t.Fatalf("CapWindow(%v, %v) = %v below floor", w, r, got)
		}
		if r > 7*time.Minute && got > r-2*time.Minute && got > 5*time.Minute && w > r-2*time.Minute {
			t.Fatalf("CapWindow(%v, %v) = %v did not leave buffer", w, r, got)
		}
	})
}
