// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package diffbuf implements the compact run-list encoding compared
// framebuffers are reduced to, and the linear reader the uploader
// drives off of.
//
// A DiffBuffer encodes an ordered list of SKIP(n) / WRITE(n) / END
// instructions in scanline-major panel-scan order. It never stores
// pixel payload: the uploader re-reads color data from the source
// framebuffer through the same rotation used to build the diff.
package diffbuf

import (
	"encoding/binary"
	"image"

	"github.com/GermanBionicSystems/rgb565panel/panel/fb"
)

const (
	tagSkip  byte = 0
	tagWrite byte = 1
	tagEnd   byte = 2
)

// DiffBuffer is an opaque, embedder-allocated byte buffer holding one
// encoded run list. It is overwritten in place by each call to
// ComputeDiff/ComputeDummyDiff and is never concurrently read and
// written, per §3's Lifecycles.
type DiffBuffer struct {
	buf  []byte
	wpos int

	rotW, rotH int

	// read state
	rpos    int
	pos     int // flat cursor, 0..rotW*rotH, in panel scan order
	pending bool
	pX, pY, pLen int
	done    bool

	overflow bool
}

// New allocates a DiffBuffer backed by a fixed-size byte buffer of the
// given capacity. Capacity should comfortably exceed the largest
// expected encoded frame; undersized buffers fall back to the
// conservative overflow rule in §4.1 rather than failing.
func New(capacity int) *DiffBuffer {
	return &DiffBuffer{buf: make([]byte, capacity)}
}

// Overflowed reports whether the most recent compute exceeded the
// buffer's capacity and was replaced by the conservative fallback.
func (d *DiffBuffer) Overflowed() bool { return d.overflow }

// Len returns the number of bytes used by the most recent compute.
func (d *DiffBuffer) Len() int { return d.wpos }

func uvarintLen(n uint64) int {
	var tmp [binary.MaxVarintLen64]byte
	return binary.PutUvarint(tmp[:], n)
}

// tryAppend appends a tag+value token if it fits; it reports whether
// it fit.
func (d *DiffBuffer) tryAppend(tag byte, n uint64) bool {
	need := 1 + uvarintLen(n)
	if d.wpos+need > len(d.buf) {
		return false
	}
	d.buf[d.wpos] = tag
	d.wpos++
	d.wpos += binary.PutUvarint(d.buf[d.wpos:], n)
	return true
}

// appendEnd appends the terminal END token; it reports whether it fit.
func (d *DiffBuffer) appendEnd() bool {
	if d.wpos+1 > len(d.buf) {
		return false
	}
	d.buf[d.wpos] = tagEnd
	d.wpos++
	return true
}

// reset prepares the buffer for a fresh encode pass of a frame sized
// rotW x rotH panel pixels.
func (d *DiffBuffer) reset(rotW, rotH int) {
	d.wpos = 0
	d.rotW = rotW
	d.rotH = rotH
	d.overflow = false
	d.invalidateRead()
}

// fallback discards the runs encoded so far and replaces the whole
// stream with a single conservative WRITE covering the entire frame
// from pixel 0, so every pixel is uploaded. consumed (the pixels
// encoded before the overflow) does not change the result, since the
// encoded prefix is not kept.
func (d *DiffBuffer) fallback(consumed int) {
	d.wpos = 0
	remaining := uint64(d.rotW * d.rotH)
	d.overflow = true
	if !d.tryAppend(tagWrite, remaining) {
		// Buffer too small even for the fallback: the stream is left
		// empty and the reader reports Done without any run.
		return
	}
	d.appendEnd()
}

// ComputeDiff walks old and new in the scan order the panel receives
// pixels in under rotation r, encoding a run list of the pixels that
// differ (per the compare mask m). If copy is true, every logical
// pixel visited is also written into old, establishing it as the new
// mirror. Gap g controls merging of nearby changed runs per §3's Gap
// parameter.
func ComputeDiff(d *DiffBuffer, old, new *fb.Framebuffer, r fb.Rotation, g int, m fb.RGB565, copy bool) {
	rotW, rotH := fb.RotatedSize(r)
	d.reset(rotW, rotH)
	if copy {
		// An overflow ends the walk early; finish the copy so old still
		// ends up equal to new.
		defer func() {
			if d.overflow {
				CopyFB(old, new)
			}
		}()
	}

	consumed := 0
	for py := 0; py < rotH; py++ {
		unchangedAccum := 0
		writing := false
		writeLen := 0

		flushSkip := func(n int) bool {
			if n == 0 {
				return true
			}
			consumed += n
			return d.tryAppend(tagSkip, uint64(n))
		}
		flushWrite := func(n int) bool {
			if n == 0 {
				return true
			}
			consumed += n
			return d.tryAppend(tagWrite, uint64(n))
		}

		for px := 0; px < rotW; px++ {
			lx, ly := fb.PanelToLogical(r, px, py)
			a := old.RGB565At(lx, ly)
			b := new.RGB565At(lx, ly)
			if copy {
				old.SetRGB565(lx, ly, b)
			}
			equal := (a^b)&^m == 0

			if equal {
				unchangedAccum++
				continue
			}

			if !writing {
				if !flushSkip(unchangedAccum) {
					d.fallback(consumed - unchangedAccum)
					return
				}
				unchangedAccum = 0
				writing = true
				writeLen = 0
			} else if unchangedAccum <= g {
				writeLen += unchangedAccum
				unchangedAccum = 0
			} else {
				if !flushWrite(writeLen) {
					d.fallback(consumed - writeLen)
					return
				}
				if !flushSkip(unchangedAccum) {
					d.fallback(consumed - unchangedAccum)
					return
				}
				unchangedAccum = 0
				writing = true
				writeLen = 0
			}
			writeLen++
		}

		if writing {
			if !flushWrite(writeLen) {
				d.fallback(consumed - writeLen)
				return
			}
		}
		if !flushSkip(unchangedAccum) {
			d.fallback(consumed - unchangedAccum)
			return
		}
	}

	if !d.appendEnd() {
		d.fallback(consumed)
	}
}

// ComputeDummyDiff emits a single WRITE covering the entire rotated
// frame, used when the driver wants a full-frame upload while still
// driving the uploader through the normal diff-reading state machine.
func ComputeDummyDiff(d *DiffBuffer, r fb.Rotation) {
	rotW, rotH := fb.RotatedSize(r)
	d.reset(rotW, rotH)
	if !d.tryAppend(tagWrite, uint64(rotW*rotH)) {
		d.fallback(0)
		return
	}
	d.appendEnd()
}

// CopyFB performs the rotated pixel copy that ComputeDiff(copy=true)
// would have performed, without computing a diff. Because rotation is
// a bijection between panel and logical coordinates, a full-frame copy
// touches every logical pixel exactly once regardless of r; the
// content written is therefore identical to the diff-driven copy.
func CopyFB(dst, src *fb.Framebuffer) {
	copy(dst.Pix, src.Pix)
}

// CopyFBRegion copies only the logical pixels inside rect from src
// into dst, matching what a regional ComputeDiff(copy=true) would
// write for that rectangle.
func CopyFBRegion(dst, src *fb.Framebuffer, rect image.Rectangle) {
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			dst.SetRGB565(x, y, src.RGB565At(x, y))
		}
	}
}

// ComputeRegionDiff is the regional variant of ComputeDiff: it treats
// logical pixels outside rect as unchanged, so only the window is
// compared (and, if copy, written into old). new may have a different
// stride than old; it is still addressed in logical (x, y).
func ComputeRegionDiff(d *DiffBuffer, old, new *fb.Framebuffer, r fb.Rotation, g int, m fb.RGB565, copy bool, rect image.Rectangle) {
	rotW, rotH := fb.RotatedSize(r)
	d.reset(rotW, rotH)
	if copy {
		// An overflow ends the walk early; finish the copy of rect.
		defer func() {
			if d.overflow {
				CopyFBRegion(old, new, rect)
			}
		}()
	}

	consumed := 0
	for py := 0; py < rotH; py++ {
		unchangedAccum := 0
		writing := false
		writeLen := 0

		flushSkip := func(n int) bool {
			if n == 0 {
				return true
			}
			consumed += n
			return d.tryAppend(tagSkip, uint64(n))
		}
		flushWrite := func(n int) bool {
			if n == 0 {
				return true
			}
			consumed += n
			return d.tryAppend(tagWrite, uint64(n))
		}

		for px := 0; px < rotW; px++ {
			lx, ly := fb.PanelToLogical(r, px, py)
			inRect := (image.Point{X: lx, Y: ly}).In(rect)

			var equal bool
			if !inRect {
				equal = true
			} else {
				a := old.RGB565At(lx, ly)
				b := new.RGB565At(lx, ly)
				if copy {
					old.SetRGB565(lx, ly, b)
				}
				equal = (a^b)&^m == 0
			}

			if equal {
				unchangedAccum++
				continue
			}

			if !writing {
				if !flushSkip(unchangedAccum) {
					d.fallback(consumed - unchangedAccum)
					return
				}
				unchangedAccum = 0
				writing = true
				writeLen = 0
			} else if unchangedAccum <= g {
				writeLen += unchangedAccum
				unchangedAccum = 0
			} else {
				if !flushWrite(writeLen) {
					d.fallback(consumed - writeLen)
					return
				}
				if !flushSkip(unchangedAccum) {
					d.fallback(consumed - unchangedAccum)
					return
				}
				unchangedAccum = 0
				writing = true
				writeLen = 0
			}
			writeLen++
		}

		if writing {
			if !flushWrite(writeLen) {
				d.fallback(consumed - writeLen)
				return
			}
		}
		if !flushSkip(unchangedAccum) {
			d.fallback(consumed - unchangedAccum)
			return
		}
	}

	if !d.appendEnd() {
		d.fallback(consumed)
	}
}

func (d *DiffBuffer) invalidateRead() {
	d.rpos = 0
	d.pos = 0
	d.pending = false
	d.done = false
}

// InitRead rewinds the reader to the start of the encoded stream.
func (d *DiffBuffer) InitRead() {
	d.invalidateRead()
}

// ReadResult is the outcome of one ReadDiff call.
type ReadResult struct {
	// Done is true once the END token has been reached; X/Y/Len and
	// Blocked are not meaningful.
	Done bool
	// Blocked is true when the next run starts on a scanline beyond
	// asl; RequiredScanline names the scanline the caller must wait
	// for before calling ReadDiff again.
	Blocked          bool
	RequiredScanline int
	// X, Y, Len describe the next WRITE run, valid when !Done && !Blocked.
	X, Y, Len int
}

// ReadDiff returns the next WRITE run positioned at (x, y) with length
// len, in strictly increasing (y, x) order, unless the run's starting
// scanline exceeds asl, in which case it reports Blocked with the
// scanline the caller must wait for and does not advance past that
// run. Calling ReadDiff again with a larger asl resumes from the same
// pending run.
func (d *DiffBuffer) ReadDiff(asl int) ReadResult {
	if d.done {
		return ReadResult{Done: true}
	}
	if d.pending {
		if d.pY > asl {
			return ReadResult{Blocked: true, RequiredScanline: d.pY}
		}
		d.pos += d.pLen
		d.pending = false
		return ReadResult{X: d.pX, Y: d.pY, Len: d.pLen}
	}

	for {
		if d.rpos >= d.wpos {
			d.done = true
			return ReadResult{Done: true}
		}
		tag := d.buf[d.rpos]
		d.rpos++
		if tag == tagEnd {
			d.done = true
			return ReadResult{Done: true}
		}
		n, sz := binary.Uvarint(d.buf[d.rpos:])
		if sz <= 0 {
			d.done = true
			return ReadResult{Done: true}
		}
		d.rpos += sz

		switch tag {
		case tagSkip:
			d.pos += int(n)
		case tagWrite:
			x := d.pos % d.rotW
			y := d.pos / d.rotW
			if y > asl {
				d.pending = true
				d.pX, d.pY, d.pLen = x, y, int(n)
				return ReadResult{Blocked: true, RequiredScanline: y}
			}
			d.pos += int(n)
			return ReadResult{X: x, Y: y, Len: int(n)}
		default:
			d.done = true
			return ReadResult{Done: true}
		}
	}
}
