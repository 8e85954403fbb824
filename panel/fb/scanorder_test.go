// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package fb

import "testing"

func TestRotationRoundTrip(t *testing.T) {
	for _, r := range []Rotation{Rotate0, Rotate90, Rotate180, Rotate270} {
		w, h := RotatedSize(r)
		for _, pt := range [][2]int{{0, 0}, {w - 1, 0}, {0, h - 1}, {w - 1, h - 1}, {w / 2, h / 3}} {
			px, py := pt[0], pt[1]
			lx, ly := PanelToLogical(r, px, py)
			if lx < 0 || lx >= LogicalWidth || ly < 0 || ly >= LogicalHeight {
				t.Fatalf("r=%d PanelToLogical(%d,%d) = (%d,%d) out of logical bounds", r, px, py, lx, ly)
			}
			gpx, gpy := LogicalToPanel(r, lx, ly)
			if gpx != px || gpy != py {
				t.Errorf("r=%d round trip (%d,%d) -> logical(%d,%d) -> (%d,%d), want back (%d,%d)", r, px, py, lx, ly, gpx, gpy, px, py)
			}
		}
	}
}

func TestRotationBoxFullFrame(t *testing.T) {
	for _, r := range []Rotation{Rotate0, Rotate90, Rotate180, Rotate270} {
		w, h := RotatedSize(r)
		box := RotationBox(r, New(LogicalWidth, LogicalHeight).Rect)
		if box.Dx() != w || box.Dy() != h {
			t.Errorf("r=%d RotationBox(full) = %v, want %dx%d", r, box, w, h)
		}
	}
}
