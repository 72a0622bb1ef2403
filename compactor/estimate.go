package compactor

import (
	"sync/atomic"
	"time"
)

// record is the shared 5-tuple estimate described in spec.md §4.5: the
// elapsed time and size of the most recently recorded group, the
// quarter-band around that group's average step time, and a
// monotonically increasing stamp used to reject stale updates from
// groups that started before a more recent one finished.
//
// record is installed as a single atomic pointer swap, never mutated
// in place, so every reader always observes a self-consistent tuple
// (spec.md §5 "readers always get a structurally valid tuple, fields
// updated together under a single assignment") even though writers
// never take a lock.
type record struct {
	total time.Duration
	n     int
	muLo  time.Duration
	muHi  time.Duration
	stamp int64
}

type estimate struct {
	cur   atomic.Pointer[record]
	stamp atomic.Int64
}

func newEstimate(seedTotal time.Duration, seedN int) *estimate {
	e := &estimate{}
	avg := seedTotal / time.Duration(seedN)
	e.cur.Store(&record{
		total: seedTotal,
		n:     seedN,
		muLo:  avg - avg/4,
		muHi:  avg + avg/4,
	})
	return e
}

func (e *estimate) load() *record {
	return e.cur.Load()
}

// nextStamp issues the stamp for a group's observation when that
// observation is about to be recorded, after the group has run and
// timed itself, so a later-starting, earlier-finishing group cannot be
// judged stale by a stamp comparison alone; staleness is about
// recording order, not start order (spec.md §4.5 "stamp <
// recorded_stamp: discard").
func (e *estimate) nextStamp() int64 {
	return e.stamp.Add(1)
}

// tryUpdate applies the update rule from spec.md §4.5 for a group that
// ran n steps in elapsed time under stamp. Concurrent callers may race
// here; the loser's CAS fails and its write is simply dropped, which
// is fine — spec.md §5 explicitly tolerates losing an update ("a torn
// write is explicitly tolerated... corrected on the next group").
func (e *estimate) tryUpdate(target time.Duration, stamp int64, n int, elapsed time.Duration) {
	prev := e.cur.Load()
	if stamp < prev.stamp {
		return // stale: a later group already recorded
	}

	avg := elapsed / time.Duration(n)
	distDelta := absDuration(target-elapsed) < absDuration(target-prev.total)
	changedEnough := absDuration(elapsed-prev.total) > prev.total/10

	record3 := avg < prev.muLo || avg > prev.muHi

	if !((distDelta && changedEnough) || record3) {
		return // rule 4: skip
	}

	next := &record{
		total: elapsed,
		n:     n,
		muLo:  avg - avg/4,
		muHi:  avg + avg/4,
		stamp: stamp,
	}
	e.cur.CompareAndSwap(prev, next)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// suggestedSize computes the next group size from the current estimate
// and target, per spec.md §4.5 "Suggested size".
func suggestedSize(rec *record, target time.Duration, scaleDown, scaleUp int) int {
	t := target
	T := rec.total
	n := rec.n

	var size int
	switch {
	case T > t:
		if T/time.Duration(scaleDown) >= t {
			size = n / scaleDown
		} else {
			size = ceilDiv(int64(t)*int64(n), int64(T))
		}
	default: // T <= t
		if T*time.Duration(scaleUp) <= t {
			size = n * scaleUp
		} else {
			size = ceilDiv(int64(t)*int64(n), int64(T))
		}
	}
	if size < 1 {
		size = 1
	}
	return size
}

func ceilDiv(a, b int64) int {
	if b == 0 {
		return 1
	}
	q := a / b
	if a%b != 0 {
		q++
	}
	return int(q)
}
