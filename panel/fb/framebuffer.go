// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package fb defines the RGB565 framebuffer shared by the diff builder,
// the uploader and the scheduler.
//
// The framebuffer always stores pixels in logical orientation 0
// (portrait, LogicalWidth x LogicalHeight). Rotation is never applied to
// the backing array; it is a view computed by this package's scan-order
// helpers (PanelToLogical, LogicalToPanel, RotationBox), which
// panel/upload and panel/diffbuf apply.
package fb

import (
	"fmt"
	"image"
	"image/color"
)

// Logical dimensions of the panel in orientation 0.
const (
	LogicalWidth  = 320
	LogicalHeight = 480

	// TotalScanlines is the number of scanlines the panel's timing
	// generator counts per refresh, independent of LogicalHeight: in
	// landscape rotations the panel still counts 320 scanlines even
	// though the logical row count differs.
	TotalScanlines = 320
)

// Rotation selects one of the four panel scan orders.
type Rotation uint8

const (
	Rotate0   Rotation = 0
	Rotate90  Rotation = 1
	Rotate180 Rotation = 2
	Rotate270 Rotation = 3
)

// Valid reports whether r is one of the four defined rotations.
func (r Rotation) Valid() bool {
	return r <= Rotate270
}

// RotatedSize returns the panel-coordinate width and height for r: 0/2
// keep the portrait 320x480 layout, 1/3 swap to landscape 480x320.
func RotatedSize(r Rotation) (w, h int) {
	if r == Rotate90 || r == Rotate270 {
		return LogicalHeight, LogicalWidth
	}
	return LogicalWidth, LogicalHeight
}

// RGB565 is a 16-bit packed RGB565 pixel: 5 bits red, 6 bits green, 5
// bits blue, most significant bits first.
type RGB565 uint16

// Expand18 converts the pixel to 18-bit-per-pixel (6-6-6 panel bus
// width padded into a byte each), the format the serial peripheral
// pushes to the glass: r8 = r5*255/31, g8 = g6*255/63, b8 = b5*255/31.
func (p RGB565) Expand18() (r8, g8, b8 byte) {
	r5 := byte(p>>11) & 0x1f
	g6 := byte(p>>5) & 0x3f
	b5 := byte(p) & 0x1f
	r8 = byte(uint32(r5) * 255 / 31)
	g8 = byte(uint32(g6) * 255 / 63)
	b8 = byte(uint32(b5) * 255 / 31)
	return r8, g8, b8
}

// RGBA implements color.Color.
func (p RGB565) RGBA() (r, g, b, a uint32) {
	r8, g8, b8 := p.Expand18()
	r = uint32(r8) * 0x101
	g = uint32(g8) * 0x101
	b = uint32(b8) * 0x101
	a = 0xffff
	return
}

// colorModel is the color.Model for RGB565 framebuffers.
type colorModel struct{}

// Model is the color.Model implemented by Framebuffer's ColorModel.
var Model color.Model = colorModel{}

func (colorModel) Convert(c color.Color) color.Color {
	if p, ok := c.(RGB565); ok {
		return p
	}
	r, g, b, _ := c.RGBA()
	return RGB565(((r>>11)&0x1f)<<11 | ((g>>10)&0x3f)<<5 | (b>>11)&0x1f)
}

// Framebuffer is a contiguous W x H array of RGB565 pixels in logical
// orientation 0. It implements image.Image so callers may use
// image/draw or golang.org/x/image/draw to rasterize into it.
//
// Ownership: allocated by the embedder, bound to a panel.Dev, and
// written in place by update's copy path; the driver never reallocates
// or re-lays-out the backing array.
type Framebuffer struct {
	Pix    []RGB565
	Stride int
	Rect   image.Rectangle
}

// New allocates a zeroed w x h framebuffer.
func New(w, h int) *Framebuffer {
	return &Framebuffer{
		Pix:    make([]RGB565, w*h),
		Stride: w,
		Rect:   image.Rect(0, 0, w, h),
	}
}

// ColorModel implements image.Image.
func (f *Framebuffer) ColorModel() color.Model { return Model }

// Bounds implements image.Image.
func (f *Framebuffer) Bounds() image.Rectangle { return f.Rect }

// At implements image.Image.
func (f *Framebuffer) At(x, y int) color.Color {
	return f.RGB565At(x, y)
}

// Set implements draw.Image so image/draw.Draw can target a
// Framebuffer directly.
func (f *Framebuffer) Set(x, y int, c color.Color) {
	f.SetRGB565(x, y, Model.Convert(c).(RGB565))
}

// RGB565At returns the raw pixel at (x, y) without a color.Color
// allocation; out-of-bounds coordinates return zero.
func (f *Framebuffer) RGB565At(x, y int) RGB565 {
	if !(image.Point{X: x, Y: y}.In(f.Rect)) {
		return 0
	}
	return f.Pix[f.PixOffset(x, y)]
}

// SetRGB565 writes the raw pixel at (x, y); out-of-bounds writes are
// silently ignored, matching image.Gray16.Set's contract.
func (f *Framebuffer) SetRGB565(x, y int, p RGB565) {
	if !(image.Point{X: x, Y: y}.In(f.Rect)) {
		return
	}
	f.Pix[f.PixOffset(x, y)] = p
}

// PixOffset returns the index into Pix for (x, y).
func (f *Framebuffer) PixOffset(x, y int) int {
	return (y-f.Rect.Min.Y)*f.Stride + (x - f.Rect.Min.X)
}

// Zero clears the framebuffer to RGB565(0) ("bind-time zeroing" in
// §3: Lifecycles).
func (f *Framebuffer) Zero() {
	for i := range f.Pix {
		f.Pix[i] = 0
	}
}

// Fill sets every pixel to c.
func (f *Framebuffer) Fill(c RGB565) {
	for i := range f.Pix {
		f.Pix[i] = c
	}
}

func (f *Framebuffer) String() string {
	return fmt.Sprintf("fb.Framebuffer{%dx%d}", f.Rect.Dx(), f.Rect.Dy())
}
