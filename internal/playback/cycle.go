// Package playback drives the media player through the playlist on a
// fleet-wide UTC-anchored cycle, correcting drift at fixed checkpoints.
package playback

import (
	"time"

	"github.com/doohkit/kioskd/internal/media"
)

// Every kiosk pins cycle position 0 to 00:05 UTC so the whole fleet shows
// the same item at the same moment. The seven minutes before the anchor are
// the PREP window used to re-align clocks.
const (
	anchorHourUTC   = 0
	anchorMinuteUTC = 5
	prepStartHour   = 23
	prepStartMinute = 58
)

// Drift actions returned by ClassifyDriftAction.
const (
	DriftNone       = "none"
	DriftSoftResync = "soft_resync"
	DriftHardResync = "hard_resync"
)

// CyclePosition locates a moment within the playlist cycle.
type CyclePosition struct {
	Index        int
	OffsetMS     int64
	CyclePosMS   int64
	CycleTotalMS int64
	Anchor       time.Time
}

// DailyAnchorUTC returns 00:05 UTC of now's UTC day, or of the previous day
// when now is earlier than 00:05 UTC.
func DailyAnchorUTC(now time.Time) time.Time {
	nowUTC := now.UTC()
	anchor := time.Date(nowUTC.Year(), nowUTC.Month(), nowUTC.Day(),
		anchorHourUTC, anchorMinuteUTC, 0, 0, time.UTC)
	if nowUTC.Before(anchor) {
		anchor = anchor.AddDate(0, 0, -1)
	}
	return anchor
}

// NextDailyAnchorUTC returns the first 00:05 UTC at or after now.
func NextDailyAnchorUTC(now time.Time) time.Time {
	anchor := DailyAnchorUTC(now)
	if anchor.Equal(now.UTC()) {
		return anchor
	}
	return anchor.AddDate(0, 0, 1)
}

// InPrepWindowUTC reports whether now falls inside [23:58, 00:05) UTC. The
// window crosses midnight, so it is two half-open ranges.
func InPrepWindowUTC(now time.Time) bool {
	t := now.UTC()
	minuteOfDay := t.Hour()*60 + t.Minute()
	return minuteOfDay >= prepStartHour*60+prepStartMinute ||
		minuteOfDay < anchorHourUTC*60+anchorMinuteUTC
}

// EffectiveDurations maps raw item durations to scheduling durations:
// non-positive inputs take defaultMS, then everything is clamped to the
// one-second floor.
func EffectiveDurations(items []media.Item, defaultMS int64) []int64 {
	out := make([]int64, len(items))
	for i, it := range items {
		d := it.DurationMS
		if d <= 0 {
			d = defaultMS
		}
		out[i] = media.EffectiveDurationMS(d)
	}
	return out
}

// cycleStarts returns each item's start offset within the cycle plus the
// cycle total.
func cycleStarts(durations []int64) (starts []int64, total int64) {
	starts = make([]int64, len(durations))
	for i, d := range durations {
		starts[i] = total
		total += d
	}
	return starts, total
}

// ComputeCyclePosition derives where in the cycle now falls, given the
// per-item durations. ok is false when the cycle is empty or degenerate.
func ComputeCyclePosition(now time.Time, durations []int64) (CyclePosition, bool) {
	starts, total := cycleStarts(durations)
	if total <= 0 {
		return CyclePosition{}, false
	}
	anchor := DailyAnchorUTC(now)
	elapsed := now.UTC().Sub(anchor).Milliseconds() % total
	if elapsed < 0 {
		elapsed += total
	}
	idx := 0
	for i := range starts {
		if starts[i] <= elapsed {
			idx = i
		} else {
			break
		}
	}
	return CyclePosition{
		Index:        idx,
		OffsetMS:     elapsed - starts[idx],
		CyclePosMS:   elapsed,
		CycleTotalMS: total,
		Anchor:       anchor,
	}, true
}

// SignedCycleDeltaMS computes the shortest signed arc from current to target
// over the cyclic group of period cycleTotal. The result lies in
// (-cycle/2, cycle/2] and satisfies (current + delta) ≡ target (mod cycle).
func SignedCycleDeltaMS(targetMS, currentMS, cycleTotalMS int64) int64 {
	if cycleTotalMS <= 0 {
		return 0
	}
	d := (targetMS - currentMS) % cycleTotalMS
	if d < 0 {
		d += cycleTotalMS
	}
	if d > cycleTotalMS/2 {
		d -= cycleTotalMS
	}
	return d
}

// ClassifyDriftAction buckets a signed drift against the two thresholds. A
// hard threshold below the soft one is treated as equal to it.
func ClassifyDriftAction(deltaMS, softMS, hardMS int64) string {
	if hardMS < softMS {
		hardMS = softMS
	}
	abs := deltaMS
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs < softMS:
		return DriftNone
	case abs < hardMS:
		return DriftSoftResync
	default:
		return DriftHardResync
	}
}

// NextHourCheckpointUTC returns the first interval-aligned UTC boundary
// strictly after now. Alignment is from UTC midnight, so an interval of
// 3600 s yields exact hour marks.
func NextHourCheckpointUTC(now time.Time, intervalSec int) time.Time {
	if intervalSec <= 0 {
		intervalSec = 3600
	}
	t := now.UTC()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	secOfDay := int64(t.Sub(midnight).Seconds())
	next := (secOfDay/int64(intervalSec) + 1) * int64(intervalSec)
	return midnight.Add(time.Duration(next) * time.Second)
}
