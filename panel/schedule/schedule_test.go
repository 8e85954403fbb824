// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package schedule

import (
	"testing"

	"github.com/GermanBionicSystems/rgb565panel/panel/scanclock"
)

func TestShouldDropFrame(t *testing.T) {
	s := New(scanclock.New(func() (int, error) { return 0, nil }))
	s.VsyncSpacing = DropFrames
	if !s.ShouldDropFrame(true) {
		t.Error("expected drop when vsync=-1 and an upload is active")
	}
	if s.ShouldDropFrame(false) {
		t.Error("should not drop when nothing is in flight")
	}
	s.VsyncSpacing = AsFastAsPossible
	if s.ShouldDropFrame(true) {
		t.Error("vsync=0 never drops")
	}
}

func TestFirstRunWaitLateStartsImmediately(t *testing.T) {
	c := scanclock.New(func() (int, error) { return 200, nil })
	s := New(c)
	s.LateStartRatio = 0
	// Resync so the beam sits at line 200, past the window [0, 0] that
	// LateStartRatio=0 allows for a frame starting at line 0.
	if _, err := c.ReadLineHW(); err != nil {
		t.Fatal(err)
	}

	if d := s.FirstRunWait(0); d != 0 {
		t.Errorf("FirstRunWait(0) = %v, want 0 (late start begins immediately)", d)
	}
}

func TestPredictedLineWrapsAtTotalLines(t *testing.T) {
	c := scanclock.New(func() (int, error) { return 0, nil })
	s := New(c)
	if got := s.PredictedLine(scanclock.TotalLines-1, 0); got != scanclock.TotalLines-1 {
		t.Errorf("PredictedLine(%d, 0) = %d, want %d", scanclock.TotalLines-1, got, scanclock.TotalLines-1)
	}
}

func TestRecordWriteTracksMinMargin(t *testing.T) {
	beams := []int{5, 2, 100}
	i := 0
	c := scanclock.New(func() (int, error) {
		l := beams[i]
		i++
		return l, nil
	})
	s := New(c)
	s.BeginFrame(0)
	// Each RecordWrite call below is preceded by a resync so LineNow()
	// reflects the scripted beam position.
	for _, written := range []int{4, 2, 1} {
		if _, err := c.ReadLineHW(); err != nil {
			t.Fatal(err)
		}
		s.RecordWrite(written)
	}
	timing := s.FinishFrame(1, 0)
	if !timing.Teared() {
		t.Errorf("expected a teared frame given a negative margin, got margin=%d", timing.Margin)
	}
	if timing.Margin != -99 {
		t.Errorf("Margin = %d, want -99 (minimum of 4-5, 2-2, 1-100)", timing.Margin)
	}
}
