// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package upload drives the serial link from a diffbuf.DiffBuffer: a
// synchronous path that blocks the caller, and a DMA-simulated
// asynchronous path whose "interrupt" continuations are scheduled with
// time.AfterFunc, per §4.3 and §9's "plain enum-tagged state machine
// resumed from the ISR".
package upload

import (
	"sync"
	"time"

	"github.com/GermanBionicSystems/rgb565panel/panel/diffbuf"
	"github.com/GermanBionicSystems/rgb565panel/panel/fb"
	"github.com/GermanBionicSystems/rgb565panel/panel/schedule"
)

// MinWaitTime is the minimum duration the async path will arm its
// one-shot wait timer for, per §4.3.
const MinWaitTime = 50 * time.Microsecond

// Controller is the bit-exact panel protocol this package drives: two
// 16-bit big-endian column/page address windows and a pixel stream,
// per §6. It is implemented by the panel package's spiController over
// the panel's SPI connection.
type Controller interface {
	// CASET sets the column address window (start, end).
	CASET(start, end uint16) error
	// PASET sets the page (row) address window (start, end).
	PASET(start, end uint16) error
	// RAMWR begins the pixel stream and transmits pixels, already
	// expanded to 18-bit-per-pixel triplets.
	RAMWR(pixels []byte) error
}

// AsyncController additionally exposes a DMA-like asynchronous
// transfer: SendRunAsync starts transmitting pixels and invokes done
// once the transfer completes, emulating the DMA completion
// interrupt described in §4.3 and §9.
type AsyncController interface {
	Controller
	SendRunAsync(pixels []byte, done func())
}

// runPixels returns the 18-bit-expanded pixel bytes for a run of
// length pixels starting at panel coordinate (x, y) under rotation r,
// reading color data from src via the scan-order translation. Runs
// produced by the overflow fallback may extend past one scanline, so
// the walk is done over a flat panel-order cursor rather than
// assuming x+length <= rotW.
func runPixels(src *fb.Framebuffer, r fb.Rotation, rotW, x, y, length int) []byte {
	out := make([]byte, 0, length*3)
	flat := y*rotW + x
	for i := 0; i < length; i++ {
		px := (flat + i) % rotW
		py := (flat + i) / rotW
		lx, ly := fb.PanelToLogical(r, px, py)
		r8, g8, b8 := src.RGB565At(lx, ly).Expand18()
		out = append(out, r8, g8, b8)
	}
	return out
}

// SyncUploader drives the Controller inline, blocking the caller
// until the frame is fully transmitted.
type SyncUploader struct {
	ctrl  Controller
	sched *schedule.Scheduler
	sleep func(time.Duration)
}

// NewSync creates a synchronous uploader.
func NewSync(ctrl Controller, sched *schedule.Scheduler) *SyncUploader {
	return &SyncUploader{ctrl: ctrl, sched: sched, sleep: time.Sleep}
}

// UploadNow drives d to completion over ctrl, blocking as required by
// sched. It implements §4.3's synchronous path.
func (u *SyncUploader) UploadNow(d *diffbuf.DiffBuffer, src *fb.Framebuffer, r fb.Rotation) schedule.FrameTiming {
	rotW, rotH := fb.RotatedSize(r)
	d.InitRead()

	start := time.Now()

	// Peek the first run's scanline via the pending mechanism (asl=-1
	// always blocks) so the late-start wait can be computed before the
	// run is actually consumed.
	peek := d.ReadDiff(-1)
	if peek.Done {
		elapsed := time.Since(start)
		return u.sched.FinishFrame(u.sched.RefreshesOccupied(elapsed), elapsed)
	}
	sc1 := peek.RequiredScanline
	// vsync_spacing <= 0 does no beam tracking: runs are emitted
	// back to back.
	track := u.sched.VsyncSpacing >= 1
	if track {
		if wait := u.sched.FirstRunWait(sc1); wait > 0 {
			u.sleep(wait)
		}
	}
	u.sched.BeginFrame(sc1)
	slinitpos := sc1

	first := d.ReadDiff(sc1)
	u.ctrl.CASET(uint16(first.X), uint16(rotW-1))
	u.ctrl.PASET(uint16(first.Y), uint16(rotH-1))
	u.ctrl.RAMWR(runPixels(src, r, rotW, first.X, first.Y, first.Len))
	u.sched.RecordWrite(first.Y)
	lastX, lastY := first.X, first.Y

	for {
		asl := rotH
		if track {
			asl = u.sched.PredictedLine(slinitpos, time.Since(start))
		}
		res := d.ReadDiff(asl)
		if res.Done {
			break
		}
		if res.Blocked {
			if wait := u.sched.WaitUntilScanline(res.RequiredScanline); wait > 0 {
				u.sleep(wait)
			}
			// The beam has reached the run's scanline: release the run.
			res = d.ReadDiff(res.RequiredScanline)
		}
		if res.X != lastX {
			u.ctrl.CASET(uint16(res.X), uint16(rotW-1))
		}
		if res.Y != lastY {
			u.ctrl.PASET(uint16(res.Y), uint16(rotH-1))
		}
		lastX, lastY = res.X, res.Y

		u.ctrl.RAMWR(runPixels(src, r, rotW, res.X, res.Y, res.Len))
		u.sched.RecordWrite(res.Y)
	}

	elapsed := time.Since(start)
	return u.sched.FinishFrame(u.sched.RefreshesOccupied(elapsed), elapsed)
}

// asyncState tags the DMA state machine's current phase, per §9.
type asyncState int

const (
	stateIdle asyncState = iota
	stateAwaitingFirstRun
	stateRunning
	stateDone
)

// AsyncUploader drives an AsyncController through a DMA-simulated
// pixel-run sequencer. Start returns immediately; subsequent runs are
// fed from completion callbacks and timer call-backs that stand in for
// the DMA completion ISR and the one-shot scanline-wait timer of §4.3.
type AsyncUploader struct {
	ctrl  AsyncController
	sched *schedule.Scheduler

	mu        sync.Mutex
	state     asyncState
	d         *diffbuf.DiffBuffer
	src       *fb.Framebuffer
	r         fb.Rotation
	rotW      int
	start     time.Time
	slinitpos int
	sc1       int
	lastX     int
	lastY     int
	onDone    func(schedule.FrameTiming)
	timer     *time.Timer
}

// NewAsync creates an asynchronous uploader bound to ctrl and sched.
func NewAsync(ctrl AsyncController, sched *schedule.Scheduler) *AsyncUploader {
	return &AsyncUploader{ctrl: ctrl, sched: sched, state: stateIdle}
}

// Active reports whether an asynchronous upload is currently in
// flight, per §6's async_update_active.
func (u *AsyncUploader) Active() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state != stateIdle && u.state != stateDone
}

// Start begins an asynchronous upload of d against src under rotation
// r. onDone is invoked, exactly once, with the frame's timing record
// once the diff stream is exhausted. The caller must not mutate src or
// d until onDone fires, per §5's pipeline-ownership rule.
func (u *AsyncUploader) Start(d *diffbuf.DiffBuffer, src *fb.Framebuffer, r fb.Rotation, onDone func(schedule.FrameTiming)) {
	rotW, _ := fb.RotatedSize(r)
	u.mu.Lock()
	u.d = d
	u.src = src
	u.r = r
	u.rotW = rotW
	u.onDone = onDone
	u.start = time.Now()
	u.lastX, u.lastY = -1, -1
	u.state = stateAwaitingFirstRun
	u.mu.Unlock()

	d.InitRead()
	u.beginFirstRun()
}

// beginFirstRun peeks the first run's scanline (without consuming it,
// via the diffbuf pending mechanism: asl=-1 always blocks) and applies
// the late-start policy before committing to it.
func (u *AsyncUploader) beginFirstRun() {
	res := u.d.ReadDiff(-1)
	if res.Done {
		u.finish()
		return
	}
	u.sc1 = res.RequiredScanline
	var wait time.Duration
	if u.sched.VsyncSpacing >= 1 {
		wait = u.sched.FirstRunWait(u.sc1)
	}
	if wait > 0 {
		u.armTimer(wait, u.commitFirstRun)
		return
	}
	u.commitFirstRun()
}

func (u *AsyncUploader) commitFirstRun() {
	u.sched.BeginFrame(u.sc1)
	u.mu.Lock()
	u.slinitpos = u.sc1
	u.mu.Unlock()
	res := u.d.ReadDiff(u.sc1)
	u.mu.Lock()
	u.state = stateRunning
	u.mu.Unlock()
	u.dispatchRun(res)
}

// step implements _subFrameInterruptDiff: the handler invoked from
// the DMA completion interrupt. A run blocked on a scanline is released
// by the deferred scanline-wait timer once its wait has elapsed, and
// that run's completion brings the sequencer back here.
func (u *AsyncUploader) step() {
	u.mu.Lock()
	slinitpos := u.slinitpos
	start := u.start
	r := u.r
	u.mu.Unlock()

	_, asl := fb.RotatedSize(r)
	if u.sched.VsyncSpacing >= 1 {
		asl = u.sched.PredictedLine(slinitpos, time.Since(start))
	}
	res := u.d.ReadDiff(asl)
	if res.Done {
		u.finish()
		return
	}
	if res.Blocked {
		wait := u.sched.WaitUntilScanline(res.RequiredScanline)
		if wait < MinWaitTime {
			wait = MinWaitTime
		}
		required := res.RequiredScanline
		u.armTimer(wait, func() { u.dispatchRun(u.d.ReadDiff(required)) })
		return
	}
	u.dispatchRun(res)
}

func (u *AsyncUploader) armTimer(wait time.Duration, resume func()) {
	if wait <= 0 {
		resume()
		return
	}
	u.timer = time.AfterFunc(wait, resume)
}

func (u *AsyncUploader) dispatchRun(res diffbuf.ReadResult) {
	u.mu.Lock()
	rotW := u.rotW
	r := u.r
	src := u.src
	if res.X != u.lastX {
		u.ctrl.CASET(uint16(res.X), uint16(rotW-1))
	}
	if res.Y != u.lastY {
		_, rotH := fb.RotatedSize(r)
		u.ctrl.PASET(uint16(res.Y), uint16(rotH-1))
	}
	u.lastX, u.lastY = res.X, res.Y
	u.mu.Unlock()

	pixels := runPixels(src, r, rotW, res.X, res.Y, res.Len)
	u.sched.RecordWrite(res.Y)
	u.ctrl.SendRunAsync(pixels, u.step)
}

func (u *AsyncUploader) finish() {
	u.mu.Lock()
	start := u.start
	onDone := u.onDone
	u.state = stateDone
	u.mu.Unlock()

	elapsed := time.Since(start)
	timing := u.sched.FinishFrame(u.sched.RefreshesOccupied(elapsed), elapsed)

	u.mu.Lock()
	u.state = stateIdle
	u.mu.Unlock()

	if onDone != nil {
		onDone(timing)
	}
}
