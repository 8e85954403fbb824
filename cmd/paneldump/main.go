// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Command paneldump renders a raw RGB565 framebuffer dump as an
// ANSI-256 terminal preview, the development-only counterpart to
// screen1d's console display.Drawer: useful for eyeballing a frame
// captured off-target without wiring up real panel hardware.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"image/color"
	"io"
	"log"
	"os"

	"github.com/maruel/ansi256"
	colorable "github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/GermanBionicSystems/rgb565panel/panel/fb"
)

func main() {
	path := flag.String("f", "", "path to a raw RGB565 framebuffer dump (width*height*2 bytes, little-endian)")
	flag.Parse()
	if *path == "" {
		log.Fatal("paneldump: -f is required")
	}

	f, err := os.Open(*path)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()

	buf, err := loadFramebuffer(f)
	if err != nil {
		log.Fatal(err)
	}

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "paneldump: stdout is not a terminal, output may not render as intended")
	}
	dump(colorable.NewColorableStdout(), buf)
}

// loadFramebuffer reads a raw little-endian RGB565 dump sized exactly
// fb.LogicalWidth x fb.LogicalHeight pixels.
func loadFramebuffer(r io.Reader) (*fb.Framebuffer, error) {
	out := fb.New(fb.LogicalWidth, fb.LogicalHeight)
	raw := make([]uint16, fb.LogicalWidth*fb.LogicalHeight)
	if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
		return nil, fmt.Errorf("paneldump: reading dump: %w", err)
	}
	for i, p := range raw {
		out.Pix[i] = fb.RGB565(p)
	}
	return out, nil
}

// dump renders buf as a grid of ansi256 color blocks, one terminal
// cell per two scanlines (terminal cells are roughly twice as tall as
// wide), following screen1d.Dev.refresh's palette.Block technique.
func dump(w io.Writer, buf *fb.Framebuffer) {
	palette := ansi256.Default
	for y := 0; y < fb.LogicalHeight; y += 2 {
		for x := 0; x < fb.LogicalWidth; x++ {
			r8, g8, b8 := buf.RGB565At(x, y).Expand18()
			io.WriteString(w, palette.Block(color.NRGBA{R: r8, G: g8, B: b8, A: 255}))
		}
		io.WriteString(w, "\033[0m\n")
	}
}
