// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package panel

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/GermanBionicSystems/rgb565panel/panel/diffbuf"
	"github.com/GermanBionicSystems/rgb565panel/panel/fb"
	"github.com/GermanBionicSystems/rgb565panel/panel/scanclock"
	"github.com/GermanBionicSystems/rgb565panel/panel/schedule"
	"github.com/GermanBionicSystems/rgb565panel/panel/upload"
)

// fakeCtrl records RAMWR payloads without touching real hardware,
// following panel/upload's own fakeCtrl.
type fakeCtrl struct {
	mu       sync.Mutex
	ramwrs   [][]byte
	blockers chan struct{} // if non-nil, SendRunAsync waits on it before calling done
}

func (f *fakeCtrl) CASET(start, end uint16) error { return nil }
func (f *fakeCtrl) PASET(start, end uint16) error { return nil }

func (f *fakeCtrl) RAMWR(pixels []byte) error {
	f.mu.Lock()
	f.ramwrs = append(f.ramwrs, append([]byte(nil), pixels...))
	f.mu.Unlock()
	return nil
}

func (f *fakeCtrl) SendRunAsync(pixels []byte, done func()) {
	f.RAMWR(pixels)
	go func() {
		if f.blockers != nil {
			<-f.blockers
		}
		done()
	}()
}

func (f *fakeCtrl) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ramwrs)
}

// newTestDev builds a Dev around a fakeCtrl, bypassing bringUp entirely
// since these tests exercise the buffering policy, not bring-up or the
// wire protocol.
func newTestDev(ctrl *fakeCtrl) *Dev {
	clock := scanclock.New(func() (int, error) { return 0, nil })
	sched := schedule.New(clock)
	return &Dev{
		clock:       clock,
		sched:       sched,
		syncUp:      upload.NewSync(ctrl, sched),
		asyncUp:     upload.NewAsync(ctrl, sched),
		log:         log.New(io.Discard, "panel: ", log.LstdFlags),
		scratchDiff: diffbuf.New(diffBufferCapacity),
		diff1:       diffbuf.New(diffBufferCapacity),
		diff2:       diffbuf.New(diffBufferCapacity),
		mirror:      mirrorNone,
		ongoingDiff: ongoingNone,
	}
}

func solidFB(c fb.RGB565) *fb.Framebuffer {
	f := fb.New(fb.LogicalWidth, fb.LogicalHeight)
	f.Fill(c)
	return f
}

// TestModeNoneAlwaysUploadsSynchronously covers the "none" row: no
// framebuffers bound means every Update builds a dummy diff and
// uploads it inline, per S1.
func TestModeNoneAlwaysUploadsSynchronously(t *testing.T) {
	ctrl := &fakeCtrl{}
	d := newTestDev(ctrl)

	if mode := d.BufferingMode(); mode != ModeNone {
		t.Fatalf("BufferingMode() = %s, want none", mode)
	}
	if err := d.Update(solidFB(0), false); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if ctrl.count() == 0 {
		t.Error("expected at least one RAMWR from the dummy-diff full upload")
	}
	if d.AsyncUpdateActive() {
		t.Error("ModeNone must never leave an async upload in flight")
	}
}

// TestModeDoubleDirectLaunch covers the double-buffered fast path: once
// mirror already equals fb1 and nothing is in flight, Update launches
// directly without draining first.
func TestModeDoubleDirectLaunch(t *testing.T) {
	ctrl := &fakeCtrl{}
	d := newTestDev(ctrl)
	d.BindFramebuffers(solidFB(0), nil)
	if mode := d.BufferingMode(); mode != ModeDouble {
		t.Fatalf("BufferingMode() = %s, want double", mode)
	}

	// Seed the mirror via a synchronous clear so the fast path applies.
	if err := d.Clear(0); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if d.mirror != mirrorFB1 {
		t.Fatalf("mirror after Clear = %v, want mirrorFB1", d.mirror)
	}

	before := ctrl.count()
	if err := d.Update(solidFB(0x1234), false); err != nil {
		t.Fatalf("Update: %v", err)
	}
	d.WaitUpdateComplete()
	if ctrl.count() <= before {
		t.Error("expected the direct-launch path to issue at least one RAMWR")
	}
	if d.mirror != mirrorFB1 {
		t.Errorf("mirror after async completion = %v, want mirrorFB1", d.mirror)
	}
}

// TestModeDoubleStagesIntoDiff2 covers the "double, diff2 present,
// in-flight" row: a second Update arriving while the first is still in
// flight must not touch fb1 until the first completes, and must not
// drop the update.
func TestModeDoubleStagesIntoDiff2(t *testing.T) {
	ctrl := &fakeCtrl{blockers: make(chan struct{})}
	d := newTestDev(ctrl)
	d.BindFramebuffers(solidFB(0), nil)
	d.BindDiffBuffers(diffbuf.New(diffBufferCapacity), diffbuf.New(diffBufferCapacity))
	d.Clear(0)

	if err := d.Update(solidFB(0x1111), false); err != nil {
		t.Fatalf("first Update: %v", err)
	}
	if !d.AsyncUpdateActive() {
		t.Fatal("expected the first update's async upload to be in flight")
	}

	done := make(chan struct{})
	go func() {
		if err := d.Update(solidFB(0x2222), false); err != nil {
			t.Errorf("second Update: %v", err)
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	close(ctrl.blockers)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second Update never returned")
	}
	d.WaitUpdateComplete()
	if d.mirror != mirrorFB1 {
		t.Errorf("mirror = %v, want mirrorFB1 after both updates settle", d.mirror)
	}
}

// TestModeTripleBackToBack reproduces S4: three frames submitted
// back-to-back on a triple-buffered Dev all return, and once the
// pipeline settles one of the bound framebuffers holds frame3.
func TestModeTripleBackToBack(t *testing.T) {
	ctrl := &fakeCtrl{blockers: make(chan struct{})}
	d := newTestDev(ctrl)
	d.BindFramebuffers(solidFB(0), solidFB(0))
	if mode := d.BufferingMode(); mode != ModeTriple {
		t.Fatalf("BufferingMode() = %s, want triple", mode)
	}
	d.sched.VsyncSpacing = 2

	frame1 := solidFB(0x1111)
	frame2 := solidFB(0x2222)
	frame3 := solidFB(0x3333)

	if err := d.Update(frame1, false); err != nil {
		t.Fatalf("Update(frame1): %v", err)
	}
	if !d.AsyncUpdateActive() {
		t.Fatal("expected frame1's upload to be in flight")
	}

	done2 := make(chan struct{})
	go func() {
		if err := d.Update(frame2, false); err != nil {
			t.Errorf("Update(frame2): %v", err)
		}
		close(done2)
	}()
	// Give frame2's call time to reach waitForFB2Clear/stage into fb2
	// before frame3 arrives, matching S4's back-to-back submission.
	time.Sleep(10 * time.Millisecond)

	done3 := make(chan struct{})
	go func() {
		if err := d.Update(frame3, false); err != nil {
			t.Errorf("Update(frame3): %v", err)
		}
		close(done3)
	}()
	time.Sleep(10 * time.Millisecond)

	close(ctrl.blockers)

	select {
	case <-done2:
	case <-time.After(2 * time.Second):
		t.Fatal("Update(frame2) never returned")
	}
	select {
	case <-done3:
	case <-time.After(2 * time.Second):
		t.Fatal("Update(frame3) never returned")
	}
	d.WaitUpdateComplete()

	diffOpts := cmp.Options{cmpopts.EquateEmpty(), cmpopts.IgnoreFields(fb.Framebuffer{}, "Rect")}
	matchesFrame3 := cmp.Diff(frame3.Pix, d.fb1.Pix, diffOpts) == "" || cmp.Diff(frame3.Pix, d.fb2.Pix, diffOpts) == ""
	if !matchesFrame3 {
		t.Errorf("neither bound framebuffer matches frame3 after settling (-frame3 +fb1):\n%s", cmp.Diff(frame3.Pix, d.fb1.Pix, diffOpts))
	}
}

// TestShouldDropFrameWithVsyncMinusOne covers testable property 9: with
// vsync_spacing=-1, an Update during an active upload must not block or
// mutate any buffer, only drop the frame.
func TestShouldDropFrameWithVsyncMinusOne(t *testing.T) {
	ctrl := &fakeCtrl{blockers: make(chan struct{})}
	d := newTestDev(ctrl)
	d.BindFramebuffers(solidFB(0), solidFB(0))
	d.sched.VsyncSpacing = schedule.DropFrames

	if err := d.Update(solidFB(0x1111), false); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !d.AsyncUpdateActive() {
		t.Fatal("expected the first upload to be in flight")
	}

	before := ctrl.count()
	if err := d.Update(solidFB(0x2222), false); err != nil {
		t.Fatalf("second Update: %v", err)
	}
	if ctrl.count() != before {
		t.Error("expected the dropped frame to issue no additional RAMWR transactions")
	}

	close(ctrl.blockers)
	d.WaitUpdateComplete()
}
