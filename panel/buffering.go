// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package panel

import (
	"image"
	"time"

	"github.com/GermanBionicSystems/rgb565panel/panel/diffbuf"
	"github.com/GermanBionicSystems/rgb565panel/panel/fb"
	"github.com/GermanBionicSystems/rgb565panel/panel/schedule"
)

// BufferingMode selects the buffering policy, per §4.5. It is derived
// from which framebuffers are bound, not set directly: BindFramebuffers
// with only fb1 non-nil selects Double; with both fb1 and fb2 bound it
// selects Triple; with neither bound it selects None.
type BufferingMode int

const (
	// ModeNone builds a dummy diff and uploads synchronously on every
	// update; no mirror is tracked.
	ModeNone BufferingMode = iota
	// ModeDouble keeps one committed mirror (fb1) and uploads
	// asynchronously, using diff2 (if bound) to stage a second update
	// behind an in-flight upload.
	ModeDouble
	// ModeTriple keeps two framebuffers, staging a replacement frame
	// into fb2 while fb1 is still being transmitted.
	ModeTriple
)

func (m BufferingMode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeDouble:
		return "double"
	case ModeTriple:
		return "triple"
	default:
		return "unknown"
	}
}

// mirrorState names which buffer, if any, is currently believed to
// match the panel's contents.
type mirrorState int

const (
	mirrorNone mirrorState = iota
	mirrorFB1
	mirrorFB2
)

// ongoingDiffState names a diff pending application, used by
// updateRegion's deferred-redraw path.
type ongoingDiffState int

const (
	ongoingNone ongoingDiffState = iota
	ongoingDiff1
)

// bufferingModeLocked returns the mode implied by the currently bound
// buffers. Callers must hold d.mu.
func (d *Dev) bufferingModeLocked() BufferingMode {
	switch {
	case d.fb1 == nil:
		return ModeNone
	case d.fb2 == nil:
		return ModeDouble
	default:
		return ModeTriple
	}
}

// BufferingMode reports the currently selected buffering mode.
func (d *Dev) BufferingMode() BufferingMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bufferingModeLocked()
}

// AsyncUpdateActive reports whether an asynchronous upload is in
// flight.
func (d *Dev) AsyncUpdateActive() bool {
	return d.asyncUp.Active()
}

// DiffUpdateActive reports whether a region diff is pending
// application from a deferred updateRegion call.
func (d *Dev) DiffUpdateActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ongoingDiff != ongoingNone
}

// waitForFB2Clear busy-waits until a staged triple-buffer frame has
// been picked up, per §4.5: "Block until fb2_full clears".
func (d *Dev) waitForFB2Clear() {
	for {
		d.mu.Lock()
		full := d.fb2Full
		d.mu.Unlock()
		if !full {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

// WaitUpdateComplete is the barrier of §4.4/§5: it returns once no
// asynchronous upload is in flight and no triple-buffer frame remains
// staged.
func (d *Dev) WaitUpdateComplete() {
	for {
		if !d.asyncUp.Active() {
			d.mu.Lock()
			full := d.fb2Full
			d.mu.Unlock()
			if !full {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
}

// startAsync launches an asynchronous upload of buf through diff,
// updating mirror immediately to buf per §4.5's invariant: "After any
// upload_async(fb, _) returns, mirror = fb."
func (d *Dev) startAsync(buf *fb.Framebuffer, diff *diffbuf.DiffBuffer) {
	d.mu.Lock()
	if buf == d.fb2 {
		d.mirror = mirrorFB2
	} else {
		d.mirror = mirrorFB1
	}
	d.mu.Unlock()
	d.asyncUp.Start(diff, buf, d.rotationLocked(), d.onAsyncDone)
}

func (d *Dev) rotationLocked() fb.Rotation {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rotation
}

// onAsyncDone is the single completion handler registered with
// asyncUp.Start. It records the frame's timing and, if a triple-buffer
// swap was deferred behind this upload, performs it and launches the
// next one.
func (d *Dev) onAsyncDone(timing schedule.FrameTiming) {
	d.mu.Lock()
	d.lastTiming = timing
	pending := d.pendingSwap
	d.pendingSwap = nil
	d.mu.Unlock()
	if pending != nil {
		pending()
	}
}

// Update implements §6's update(fb, force_full): it selects buffers per
// the decision table of §4.5 and dispatches to the mode-specific path.
func (d *Dev) Update(newFB *fb.Framebuffer, forceFull bool) error {
	d.mu.Lock()
	mode := d.bufferingModeLocked()
	d.ongoingDiff = ongoingNone
	d.mu.Unlock()

	switch mode {
	case ModeNone:
		return d.updateNone(newFB)
	case ModeDouble:
		return d.updateDouble(newFB, forceFull)
	default:
		return d.updateTriple(newFB, forceFull)
	}
}

// updateNone implements the "none" row: build a dummy diff over newFB
// and upload it synchronously, clearing the mirror since nothing is
// tracked between calls.
func (d *Dev) updateNone(newFB *fb.Framebuffer) error {
	d.mu.Lock()
	r := d.rotation
	scratch := d.scratchDiff
	d.mu.Unlock()

	diffbuf.ComputeDummyDiff(scratch, r)
	d.syncUp.UploadNow(scratch, newFB, r)

	d.mu.Lock()
	d.mirror = mirrorNone
	d.mu.Unlock()
	return nil
}

// updateDouble implements the "double" rows of §4.5.
func (d *Dev) updateDouble(newFB *fb.Framebuffer, forceFull bool) error {
	d.mu.Lock()
	r, g, m := d.rotation, d.diffGap, d.compareMask
	fb1 := d.fb1
	haveDiff2 := d.diff2 != nil
	canLaunchDirect := !forceFull && d.mirror == mirrorFB1 && !d.asyncUp.Active()
	d.mu.Unlock()

	if canLaunchDirect {
		diffbuf.ComputeDiff(d.diff1, fb1, newFB, r, g, m, true)
		d.startAsync(fb1, d.diff1)
		return nil
	}

	if haveDiff2 {
		// Stage the comparison into diff2 without touching fb1 (still
		// owned by any in-flight upload), then apply once idle.
		diffbuf.ComputeDiff(d.diff2, fb1, newFB, r, g, m, false)
		d.WaitUpdateComplete()
		diffbuf.CopyFB(fb1, newFB)
		d.mu.Lock()
		d.diff1, d.diff2 = d.diff2, d.diff1
		d.mu.Unlock()
		d.startAsync(fb1, d.diff1)
		return nil
	}

	// No second diff buffer bound: there is nowhere to stage a
	// concurrent update, so drain the pipeline before comparing.
	d.WaitUpdateComplete()
	diffbuf.ComputeDiff(d.diff1, fb1, newFB, r, g, m, true)
	d.startAsync(fb1, d.diff1)
	return nil
}

// updateTriple implements the "triple" rows of §4.5, including S4's
// back-to-back-submission behavior: a frame arriving while another is
// still staged in fb2 waits until that staged frame has been swapped
// into fb1 and launched, then stages itself into fb2.
func (d *Dev) updateTriple(newFB *fb.Framebuffer, forceFull bool) error {
	d.mu.Lock()
	inFlight := d.asyncUp.Active()
	drop := d.sched.ShouldDropFrame(inFlight)
	d.mu.Unlock()
	if drop {
		return nil
	}

	if !inFlight && !forceFull {
		d.mu.Lock()
		r, g, m, fb1 := d.rotation, d.diffGap, d.compareMask, d.fb1
		d.mu.Unlock()
		diffbuf.ComputeDiff(d.diff1, fb1, newFB, r, g, m, true)
		d.startAsync(fb1, d.diff1)
		return nil
	}

	d.waitForFB2Clear()

	d.mu.Lock()
	d.fb2Full = true
	r, g, m := d.rotation, d.diffGap, d.compareMask
	fb1, fb2 := d.fb1, d.fb2
	d.mu.Unlock()

	diffbuf.CopyFB(fb2, fb1)
	diffbuf.ComputeDiff(d.diff2, fb2, newFB, r, g, m, true)

	d.mu.Lock()
	stillInFlight := d.asyncUp.Active()
	d.mu.Unlock()

	swap := func() {
		d.mu.Lock()
		d.fb1, d.fb2 = d.fb2, d.fb1
		d.diff1, d.diff2 = d.diff2, d.diff1
		d.fb2Full = false
		fb1, diff1 := d.fb1, d.diff1
		d.mu.Unlock()
		d.startAsync(fb1, diff1)
	}

	if stillInFlight {
		d.mu.Lock()
		d.pendingSwap = swap
		d.mu.Unlock()
		return nil
	}
	swap()
	return nil
}

// UpdateRegion implements §6's update_region(redrawNow, fb, rect).
func (d *Dev) UpdateRegion(redrawNow bool, newFB *fb.Framebuffer, rect image.Rectangle) error {
	d.mu.Lock()
	r, g, m := d.rotation, d.diffGap, d.compareMask
	fb1 := d.fb1
	diffTarget := d.diff1
	if d.diff2 != nil {
		diffTarget = d.diff2
	}
	d.mu.Unlock()

	diffbuf.ComputeRegionDiff(diffTarget, fb1, newFB, r, g, m, true, rect)

	if redrawNow {
		d.mu.Lock()
		d.ongoingDiff = ongoingNone
		d.mu.Unlock()
		d.startAsync(fb1, diffTarget)
		return nil
	}

	d.mu.Lock()
	d.ongoingDiff = ongoingDiff1
	d.mirror = mirrorNone
	d.mu.Unlock()
	return nil
}
