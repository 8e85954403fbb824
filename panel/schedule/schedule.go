// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package schedule gates the uploader on the scan position so the
// write cursor stays a safe margin ahead of the beam: §4.4's vsync
// spacing, late-start policy and margin/tear accounting.
package schedule

import (
	"time"

	"github.com/GermanBionicSystems/rgb565panel/panel/scanclock"
)

// Special vsync_spacing values, per §4.4.
const (
	// DropFrames lets frames be dropped entirely when an async upload
	// is already active.
	DropFrames = -1
	// AsFastAsPossible runs the uploader with no beam tracking.
	AsFastAsPossible = 0
)

// FrameTiming records §3's "Frame timing record": the last frame's
// emission start time, the refreshes it occupied, the minimum margin
// the write cursor stayed ahead of the beam, the start scanline, and
// elapsed time since start.
type FrameTiming struct {
	TimeFrameStart time.Time
	LastDelta      int
	Margin         int
	StartLine      int
	ElapsedAsync   time.Duration
}

// Teared reports whether the beam overtook the write cursor at some
// point during the frame.
func (f FrameTiming) Teared() bool { return f.Margin < 0 }

// Scheduler decides when the uploader may emit the next run. It never
// sleeps itself; it returns durations for the caller (the uploader's
// synchronous loop, or the ISR-driven timer arm) to wait.
type Scheduler struct {
	clock *scanclock.Clock

	VsyncSpacing   int
	LateStartRatio float64

	lateStartOverride bool

	timing      FrameTiming
	minMargin   int
	haveMargin  bool
	frameActive bool
}

// New creates a Scheduler driven by clock.
func New(clock *scanclock.Clock) *Scheduler {
	return &Scheduler{clock: clock}
}

// SetLateStartRatioOverride arms the one-shot override documented in
// §9: the next frame after bring-up or resync strictly waits for line
// 0 regardless of LateStartRatio, then clears itself automatically.
func (s *Scheduler) SetLateStartRatioOverride() {
	s.lateStartOverride = true
}

// ShouldDropFrame implements vsync_spacing = -1: if an async upload is
// active, the caller must return from update() without touching any
// buffer.
func (s *Scheduler) ShouldDropFrame(asyncActive bool) bool {
	return s.VsyncSpacing == DropFrames && asyncActive
}

// StartDelay returns how long to wait, from now, before beginning
// upload of a new frame, targeting one uploaded frame per
// VsyncSpacing panel refreshes. It is 0 for vsync_spacing <= 0.
func (s *Scheduler) StartDelay() time.Duration {
	if s.VsyncSpacing < 1 {
		return 0
	}
	period := s.clock.Period()
	if period <= 0 || s.timing.TimeFrameStart.IsZero() {
		return 0
	}
	target := s.timing.TimeFrameStart.Add(time.Duration(s.VsyncSpacing-1) * period)
	now := time.Now()
	if target.Before(now) {
		return 0
	}
	return target.Sub(now)
}

// FirstRunWait computes the wait before emitting the first run of a
// frame starting at panel scanline sc1, per §4.4's late-start policy:
// the allowed late window is [sc1, sc1 + (320-sc1)*LateStartRatio]; if
// we are inside or before it, wait for sc1; if past it, start
// immediately (the frame may tear).
func (s *Scheduler) FirstRunWait(sc1 int) time.Duration {
	if s.lateStartOverride {
		s.lateStartOverride = false
		d, _ := s.clock.MicrosToReach(0, true)
		return d
	}
	windowEnd := sc1 + int(float64(scanclock.TotalLines-sc1)*s.LateStartRatio)
	current := s.clock.LineNow()
	if inWindow(current, sc1, windowEnd) {
		d, _ := s.clock.MicrosToReach(sc1, false)
		return d
	}
	// Past the window: late, start immediately.
	return 0
}

func inWindow(line, start, end int) bool {
	if start <= end {
		return line <= end
	}
	return line <= end || line >= start
}

// PredictedLine returns the live beam position implied by a frame that
// started at slinitpos emAsync ago, without issuing a hardware read:
// slinitpos + linesElapsed(emAsync), wrapped into [0, TotalLines).
func (s *Scheduler) PredictedLine(slinitpos int, emAsync time.Duration) int {
	return (slinitpos + s.clock.LinesElapsed(emAsync)) % scanclock.TotalLines
}

// WaitUntilScanline returns how long to wait, from now, until the beam
// reaches scanline y, resyncing against hardware first.
func (s *Scheduler) WaitUntilScanline(y int) time.Duration {
	d, _ := s.clock.MicrosToReach(y, true)
	return d
}

// BeamLine resyncs against hardware and returns the beam's current
// scanline.
func (s *Scheduler) BeamLine() (int, error) {
	return s.clock.ReadLineHW()
}

// BeginFrame records the start of a new frame for margin and timing
// purposes.
func (s *Scheduler) BeginFrame(startLine int) {
	s.frameActive = true
	s.haveMargin = false
	s.minMargin = 0
	s.timing.TimeFrameStart = time.Now()
	s.timing.StartLine = startLine
}

// RecordWrite updates the running margin after writing up to
// writtenLine: margin is the minimum, over the frame, of
// writtenLine - beam line. Negative margin marks the frame as teared.
func (s *Scheduler) RecordWrite(writtenLine int) {
	beam := s.clock.LineNow()
	margin := writtenLine - beam
	if !s.haveMargin || margin < s.minMargin {
		s.minMargin = margin
		s.haveMargin = true
	}
}

// FinishFrame closes out the frame timing record and returns it.
// refreshesOccupied is the number of panel refreshes the upload
// actually took (computed by the caller from elapsed wall time and
// clock.Period()).
func (s *Scheduler) FinishFrame(refreshesOccupied int, elapsed time.Duration) FrameTiming {
	s.timing.LastDelta = refreshesOccupied
	s.timing.Margin = s.minMargin
	s.timing.ElapsedAsync = elapsed
	s.frameActive = false
	return s.timing
}

// LastTiming returns the scheduler's timing record: the most recently
// finished frame's, except that TimeFrameStart and StartLine already
// belong to the next frame once BeginFrame has run. Dev.Stats does not
// call it; it keeps the record passed to its completion callback.
func (s *Scheduler) LastTiming() FrameTiming {
	return s.timing
}

// RefreshesOccupied estimates how many panel refreshes elapsed took,
// per §3's "number of panel refreshes it occupied". Returns at least
// 1 whenever the refresh period hasn't been measured yet.
func (s *Scheduler) RefreshesOccupied(elapsed time.Duration) int {
	period := s.clock.Period()
	if period <= 0 {
		return 1
	}
	n := int(elapsed / period)
	if n < 1 {
		n = 1
	}
	return n
}
