// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package fb

import "image"

// PanelToLogical maps a pixel position expressed in panel-scan-order
// coordinates under rotation r back to the logical (orientation 0)
// framebuffer coordinates that hold its color. One of four branches is
// selected by r, per §4.1's "one of four scan-order helpers".
func PanelToLogical(r Rotation, px, py int) (lx, ly int) {
	switch r {
	case Rotate0:
		return px, py
	case Rotate90:
		return py, LogicalHeight - 1 - px
	case Rotate180:
		return LogicalWidth - 1 - px, LogicalHeight - 1 - py
	case Rotate270:
		return LogicalWidth - 1 - py, px
	default:
		return px, py
	}
}

// LogicalToPanel is the inverse of PanelToLogical: it maps a logical
// (lx, ly) coordinate to its position in panel-scan-order under
// rotation r.
func LogicalToPanel(r Rotation, lx, ly int) (px, py int) {
	switch r {
	case Rotate0:
		return lx, ly
	case Rotate90:
		return LogicalHeight - 1 - ly, lx
	case Rotate180:
		return LogicalWidth - 1 - lx, LogicalHeight - 1 - ly
	case Rotate270:
		return ly, LogicalWidth - 1 - lx
	default:
		return lx, ly
	}
}

// RotationBox maps a logical rectangle to the panel's coordinate
// system under rotation r, per §4.1's rotationBox.
func RotationBox(r Rotation, rect image.Rectangle) image.Rectangle {
	corners := [4]image.Point{
		{rect.Min.X, rect.Min.Y},
		{rect.Max.X - 1, rect.Min.Y},
		{rect.Min.X, rect.Max.Y - 1},
		{rect.Max.X - 1, rect.Max.Y - 1},
	}
	var out image.Rectangle
	for i, c := range corners {
		px, py := LogicalToPanel(r, c.X, c.Y)
		p := image.Pt(px, py)
		if i == 0 {
			out = image.Rectangle{Min: p, Max: p}
			continue
		}
		if p.X < out.Min.X {
			out.Min.X = p.X
		}
		if p.Y < out.Min.Y {
			out.Min.Y = p.Y
		}
		if p.X > out.Max.X {
			out.Max.X = p.X
		}
		if p.Y > out.Max.Y {
			out.Max.Y = p.Y
		}
	}
	out.Max.X++
	out.Max.Y++
	return out
}
