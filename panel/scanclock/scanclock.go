// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package scanclock models the panel's scan position between hardware
// reads, so the scheduler can ask "how long until line L?" and "which
// line now?" without issuing a register read on every call.
package scanclock

import (
	"fmt"
	"sync"
	"time"
)

// TotalLines is the number of scanlines the panel's timing generator
// counts per refresh, independent of logical orientation.
const TotalLines = 320

// ReadLineFunc issues the panel's "read scanline" command and returns
// a value in [0, TotalLines). It is the PanelSession collaborator this
// package consumes but does not implement.
type ReadLineFunc func() (int, error)

// Clock tracks (synced_line, synced_at_time, period, total_lines) per
// §3 and answers scan-position questions cheaply between resyncs.
type Clock struct {
	mu sync.Mutex

	readHW ReadLineFunc
	now    func() time.Time
	sleep  func(time.Duration)

	totalLines int
	syncedLine int
	syncedAt   time.Time
	period     time.Duration
}

// New creates a Clock that reads the scan position through readHW. now
// and sleep default to time.Now and time.Sleep; tests inject fakes.
func New(readHW ReadLineFunc) *Clock {
	return &Clock{
		readHW:     readHW,
		now:        time.Now,
		sleep:      time.Sleep,
		totalLines: TotalLines,
		syncedAt:   time.Now(),
	}
}

// withClock lets tests substitute a deterministic now()/sleep() pair.
func (c *Clock) withClock(now func() time.Time, sleep func(time.Duration)) {
	c.now = now
	c.sleep = sleep
	c.syncedAt = now()
}

// ReadLineHW issues a hardware scanline read and resyncs the anchor.
// A read that returns a value outside [0, totalLines) is treated as
// invalid per §7 and the prior anchor is kept.
func (c *Clock) ReadLineHW() (int, error) {
	line, err := c.readHW()
	if err != nil {
		return 0, err
	}
	if line < 0 || line >= c.totalLines {
		return 0, fmt.Errorf("scanclock: invalid line read %d, keeping prior anchor", line)
	}
	c.mu.Lock()
	c.syncedLine = line
	c.syncedAt = c.now()
	c.mu.Unlock()
	return line, nil
}

// LineNow estimates the current scanline from the saved anchor and
// period without issuing hardware traffic.
func (c *Clock) LineNow() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lineNowLocked()
}

func (c *Clock) lineNowLocked() int {
	if c.period <= 0 {
		return c.syncedLine
	}
	elapsed := c.now().Sub(c.syncedAt)
	advance := int64(elapsed) * int64(c.totalLines) / int64(c.period)
	line := (int64(c.syncedLine) + advance) % int64(c.totalLines)
	if line < 0 {
		line += int64(c.totalLines)
	}
	return int(line)
}

// MicrosToReach returns the duration until the next time LineNow()
// equals L, optionally resyncing against hardware first.
func (c *Clock) MicrosToReach(l int, sync bool) (time.Duration, error) {
	if sync {
		if _, err := c.ReadLineHW(); err != nil {
			return 0, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.period <= 0 {
		return 0, nil
	}
	current := c.lineNowLocked()
	dist := (l - current + c.totalLines) % c.totalLines
	return time.Duration(int64(dist) * int64(c.period) / int64(c.totalLines)), nil
}

// MicrosToExitRange returns 0 if the current line is outside [a, b];
// otherwise the duration until the beam exits the range (reaches b+1
// mod totalLines).
func (c *Clock) MicrosToExitRange(a, b int) time.Duration {
	c.mu.Lock()
	current := c.lineNowLocked()
	c.mu.Unlock()
	if !inRange(current, a, b, c.totalLines) {
		return 0
	}
	d, _ := c.MicrosToReach((b+1)%c.totalLines, false)
	return d
}

func inRange(line, a, b, total int) bool {
	a = ((a % total) + total) % total
	b = ((b % total) + total) % total
	if a <= b {
		return line >= a && line <= b
	}
	// Range wraps past 0.
	return line >= a || line <= b
}

// SampleRefreshPeriod waits for two consecutive line-0 crossings,
// repeats 10 times, and averages the interval into the period used by
// LineNow/MicrosToReach. It must be called after every refresh-rate
// change.
func (c *Clock) SampleRefreshPeriod() error {
	const samples = 10
	var total time.Duration
	prev, err := c.waitForLine0()
	if err != nil {
		return err
	}
	for i := 0; i < samples; i++ {
		next, err := c.waitForLine0()
		if err != nil {
			return err
		}
		total += next.Sub(prev)
		prev = next
	}
	c.mu.Lock()
	c.period = total / samples
	c.mu.Unlock()
	return nil
}

// waitForLine0 busy-polls the hardware line register until it reports
// scanline 0, returning the time of the crossing.
func (c *Clock) waitForLine0() (time.Time, error) {
	for {
		line, err := c.readHW()
		if err != nil {
			return time.Time{}, err
		}
		if line == 0 {
			t := c.now()
			c.mu.Lock()
			c.syncedLine = 0
			c.syncedAt = t
			c.mu.Unlock()
			return t, nil
		}
		c.sleep(10 * time.Microsecond)
	}
}

// Period returns the currently measured refresh period.
func (c *Clock) Period() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.period
}

// TimeForScanlines returns how long the beam takes to cross n
// scanlines at the last measured refresh period.
func (c *Clock) TimeForScanlines(n int) time.Duration {
	c.mu.Lock()
	p := c.period
	c.mu.Unlock()
	if p <= 0 {
		return 0
	}
	return time.Duration(int64(p) * int64(n) / int64(c.totalLines))
}

// LinesElapsed returns how many scanlines the beam crosses in d at
// the last measured refresh period.
func (c *Clock) LinesElapsed(d time.Duration) int {
	c.mu.Lock()
	p := c.period
	c.mu.Unlock()
	if p <= 0 {
		return 0
	}
	return int(int64(d) * int64(c.totalLines) / int64(p))
}

// modeHzRatio computes hz(mode)/hz(0) for mode in [0, 31], per §4.2:
// hz(mode) = hz(0) * 16 / (16 + (m mod 16)), halved when m >= 16.
func modeHzRatio(m int) float64 {
	ratio := 16.0 / float64(16+(m%16))
	if m >= 16 {
		ratio /= 2
	}
	return ratio
}

// ModeForRefreshRate returns the refresh mode m in [0, 31] whose
// frame rate (baseHz * modeHzRatio(m)) is closest to hz, found by
// binary search over the monotonically decreasing ratio.
func ModeForRefreshRate(baseHz, hz float64) int {
	target := hz / baseHz
	lo, hi := 0, 31
	best := 0
	bestDiff := -1.0
	for lo <= hi {
		mid := (lo + hi) / 2
		r := modeHzRatio(mid)
		diff := r - target
		if diff < 0 {
			diff = -diff
		}
		if bestDiff < 0 || diff < bestDiff {
			bestDiff = diff
			best = mid
		}
		if r > target {
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}
