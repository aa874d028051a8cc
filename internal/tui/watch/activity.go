package watch

import (
	"strings"
	"time"
)

const activityWindow = 30 // seconds shown in the sparkline

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

// Activity counts events per second over a sliding window.
type Activity struct {
	buckets [activityWindow]int
	head    time.Time // second that buckets[0] represents
	last    time.Time
}

// Record counts one event at t.
func (a *Activity) Record(t time.Time) {
	a.advance(t)
	a.buckets[0]++
	a.last = t
}

// advance shifts the window so buckets[0] is the second containing t.
func (a *Activity) advance(t time.Time) {
	sec := t.Truncate(time.Second)
	if a.head.IsZero() {
		a.head = sec
		return
	}
	shift := int(sec.Sub(a.head) / time.Second)
	if shift <= 0 {
		return
	}
	if shift >= activityWindow {
		a.buckets = [activityWindow]int{}
	} else {
		copy(a.buckets[shift:], a.buckets[:activityWindow-shift])
		clear(a.buckets[:shift])
	}
	a.head = sec
}

// Total returns the events counted in the window ending at now.
func (a *Activity) Total(now time.Time) int {
	a.advance(now)
	n := 0
	for _, c := range a.buckets {
		n += c
	}
	return n
}

// LastEvent is the time of the most recent Record, zero if none.
func (a Activity) LastEvent() time.Time {
	return a.last
}

// Sparkline renders the window oldest to newest, scaled to the busiest second.
func (a *Activity) Sparkline(now time.Time) string {
	a.advance(now)
	peak := 0
	for _, c := range a.buckets {
		peak = max(peak, c)
	}

	var b strings.Builder
	for i := activityWindow - 1; i >= 0; i-- {
		c := a.buckets[i]
		if c == 0 || peak == 0 {
			b.WriteRune(' ')
			continue
		}
		idx := (c*len(sparkBlocks) - 1) / peak
		b.WriteRune(sparkBlocks[idx])
	}
	return b.String()
}
