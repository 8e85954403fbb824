// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package demo synthesizes test frames for exercising the diff
// encoder and uploader with realistic, non-random pixel content. It is
// a development/example helper, never imported by the core panel
// packages.
package demo

import (
	"image"

	"github.com/fogleman/gg"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/GermanBionicSystems/rgb565panel/panel/fb"
)

// TextFrame renders text centered on a background color, useful for
// exercising the diff encoder against frame-to-frame caption changes.
func TextFrame(text string, bg, fg fb.RGB565) *fb.Framebuffer {
	dc := gg.NewContext(fb.LogicalWidth, fb.LogicalHeight)
	r, g, b, _ := bg.RGBA()
	dc.SetRGB255(int(r>>8), int(g>>8), int(b>>8))
	dc.Clear()

	if parsed, err := freetype.ParseFont(goregular.TTF); err == nil {
		dc.SetFontFace(truetype.NewFace(parsed, &truetype.Options{Size: 36}))
	}
	fr, fg2, fb2, _ := fg.RGBA()
	dc.SetRGB255(int(fr>>8), int(fg2>>8), int(fb2>>8))
	dc.DrawStringAnchored(text, fb.LogicalWidth/2, fb.LogicalHeight/2, 0.5, 0.5)

	return fromImage(dc.Image())
}

// ShapesFrame draws a grid of filled circles over bg,
// exercising the diff encoder against scattered, irregular change
// regions rather than one contiguous block.
func ShapesFrame(bg fb.RGB565) *fb.Framebuffer {
	dc := gg.NewContext(fb.LogicalWidth, fb.LogicalHeight)
	r, g, b, _ := bg.RGBA()
	dc.SetRGB255(int(r>>8), int(g>>8), int(b>>8))
	dc.Clear()

	for y := 40; y < fb.LogicalHeight; y += 80 {
		for x := 40; x < fb.LogicalWidth; x += 80 {
			dc.SetRGB255((x*7)%255, (y*13)%255, (x+y)%255)
			dc.DrawCircle(float64(x), float64(y), 20)
			dc.Fill()
		}
	}
	return fromImage(dc.Image())
}

// fromImage converts an *image.RGBA (gg's render target) into a
// Framebuffer, quantizing through fb.Model the way image/draw would
// quantize into any color.Model-backed destination.
func fromImage(img image.Image) *fb.Framebuffer {
	out := fb.New(fb.LogicalWidth, fb.LogicalHeight)
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, y, img.At(x, y))
		}
	}
	return out
}
