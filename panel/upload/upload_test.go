// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package upload

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/GermanBionicSystems/rgb565panel/panel/diffbuf"
	"github.com/GermanBionicSystems/rgb565panel/panel/fb"
	"github.com/GermanBionicSystems/rgb565panel/panel/scanclock"
	"github.com/GermanBionicSystems/rgb565panel/panel/schedule"
)

type transaction struct {
	caset, paset *[2]uint16
	ramwr        []byte
}

type fakeCtrl struct {
	mu  sync.Mutex
	log []transaction
}

func (f *fakeCtrl) CASET(start, end uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, transaction{caset: &[2]uint16{start, end}})
	return nil
}

func (f *fakeCtrl) PASET(start, end uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, transaction{paset: &[2]uint16{start, end}})
	return nil
}

func (f *fakeCtrl) RAMWR(pixels []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, transaction{ramwr: append([]byte(nil), pixels...)})
	return nil
}

func (f *fakeCtrl) SendRunAsync(pixels []byte, done func()) {
	f.RAMWR(pixels)
	go done()
}

func newScheduler() *schedule.Scheduler {
	c := scanclock.New(func() (int, error) { return 0, nil })
	return schedule.New(c)
}

func TestSyncUploaderEmitsSingleRun(t *testing.T) {
	src := fb.New(fb.LogicalWidth, fb.LogicalHeight)
	old := fb.New(fb.LogicalWidth, fb.LogicalHeight)
	src.SetRGB565(100, 200, 0xF800)

	d := diffbuf.New(1 << 16)
	diffbuf.ComputeDiff(d, old, src, fb.Rotate0, 0, 0, false)

	ctrl := &fakeCtrl{}
	sched := newScheduler()
	u := NewSync(ctrl, sched)
	timing := u.UploadNow(d, src, fb.Rotate0)

	if timing.Teared() {
		t.Errorf("expected no tear on a synchronous upload with period unmeasured, margin=%d", timing.Margin)
	}

	want := []transaction{
		{caset: &[2]uint16{100, 319}},
		{paset: &[2]uint16{200, 479}},
		{ramwr: runPixels(src, fb.Rotate0, fb.LogicalWidth, 100, 200, 1)},
	}
	if diff := cmp.Diff(want, ctrl.log, cmp.AllowUnexported(transaction{}), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("transaction log mismatch (-want +got):\n%s", diff)
	}
}

func TestAsyncUploaderCompletes(t *testing.T) {
	src := fb.New(fb.LogicalWidth, fb.LogicalHeight)
	old := fb.New(fb.LogicalWidth, fb.LogicalHeight)
	for y := 0; y < 10; y++ {
		for x := 0; x < fb.LogicalWidth; x++ {
			src.SetRGB565(x, y, 0x1234)
		}
	}

	d := diffbuf.New(1 << 16)
	diffbuf.ComputeDiff(d, old, src, fb.Rotate0, 0, 0, false)

	ctrl := &fakeCtrl{}
	sched := newScheduler()
	u := NewAsync(ctrl, sched)

	var wg sync.WaitGroup
	wg.Add(1)
	var timing schedule.FrameTiming
	u.Start(d, src, fb.Rotate0, func(ft schedule.FrameTiming) {
		timing = ft
		wg.Done()
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async upload did not complete")
	}

	if u.Active() {
		t.Error("uploader should be idle after completion")
	}
	if timing.StartLine != 0 {
		t.Errorf("StartLine = %d, want 0", timing.StartLine)
	}

	want := []transaction{{caset: &[2]uint16{0, fb.LogicalWidth - 1}}}
	for y := 0; y < 10; y++ {
		want = append(want,
			transaction{paset: &[2]uint16{uint16(y), fb.LogicalHeight - 1}},
			transaction{ramwr: runPixels(src, fb.Rotate0, fb.LogicalWidth, 0, y, fb.LogicalWidth)},
		)
	}
	ctrl.mu.Lock()
	got := append([]transaction(nil), ctrl.log...)
	ctrl.mu.Unlock()
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(transaction{}), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("transaction log mismatch (-want +got):\n%s", diff)
	}
}

func TestRunPixelsExpandsRGB565(t *testing.T) {
	src := fb.New(4, 1)
	src.SetRGB565(0, 0, 0xF800) // pure red
	bytes := runPixels(src, fb.Rotate0, 4, 0, 0, 1)
	if len(bytes) != 3 {
		t.Fatalf("expected 3 bytes, got %d", len(bytes))
	}
	if bytes[0] != 255 || bytes[1] != 0 || bytes[2] != 0 {
		t.Errorf("expand(0xF800) = %v, want [255 0 0]", bytes)
	}
}
