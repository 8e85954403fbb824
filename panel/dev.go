// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package panel

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"io"
	"log"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/display"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3/rpi"

	"github.com/GermanBionicSystems/rgb565panel/panel/diffbuf"
	"github.com/GermanBionicSystems/rgb565panel/panel/fb"
	"github.com/GermanBionicSystems/rgb565panel/panel/scanclock"
	"github.com/GermanBionicSystems/rgb565panel/panel/schedule"
	"github.com/GermanBionicSystems/rgb565panel/panel/upload"
)

// diffBufferCapacity is the default size of a DiffBuffer allocated by
// New/NewHat. It holds typical frame-to-frame run lists for a 320x480
// frame; a worst-case list (alternating changed and unchanged pixels at
// gap 0, about 300 KB) does not fit and takes the overflow fallback.
const diffBufferCapacity = 1 << 16

// Config mirrors the public mutators of §6, following the common
// Opts-struct convention of this package's siblings: New accepts one
// fully-populated Config, or the zero value plus the named setters
// afterward.
type Config struct {
	Rotation       fb.Rotation
	RefreshMode    int
	VsyncSpacing   int
	DiffGap        int
	CompareMask    fb.RGB565
	LateStartRatio float64
}

// DefaultConfig matches a freshly bring-up panel: portrait, as-fast-as
// possible vsync spacing, strict comparison, no late-start tolerance.
var DefaultConfig = Config{
	Rotation:       fb.Rotate0,
	VsyncSpacing:   schedule.AsFastAsPossible,
	DiffGap:        0,
	CompareMask:    0,
	LateStartRatio: 0,
}

// Dev is the open handle to the panel: bring-up, rotation, the
// differential-upload pipeline, and the buffering policy of §4.5.
type Dev struct {
	ctrl *spiController
	rst  gpio.PinOut

	clock   *scanclock.Clock
	sched   *schedule.Scheduler
	syncUp  *upload.SyncUploader
	asyncUp *upload.AsyncUploader

	log *log.Logger

	mu sync.Mutex

	rotation    fb.Rotation
	refreshMode int
	diffGap     int
	compareMask fb.RGB565

	fb1, fb2     *fb.Framebuffer
	diff1, diff2 *diffbuf.DiffBuffer
	scratchDiff  *diffbuf.DiffBuffer
	drawBuf      *fb.Framebuffer

	mirror      mirrorState
	ongoingDiff ongoingDiffState
	fb2Full     bool
	pendingSwap func()

	lastTiming schedule.FrameTiming
}

var (
	_ conn.Resource  = (*Dev)(nil)
	_ display.Drawer = (*Dev)(nil)
)

// New brings up the panel over p using dc/rst and configures it per
// cfg (nil selects DefaultConfig).
func New(p spi.Port, dc, rst gpio.PinOut, cfg *Config) (*Dev, error) {
	c, err := bringUp(p, dc, rst)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		defaultCfg := DefaultConfig
		cfg = &defaultCfg
	}

	ctrl := &spiController{c: c, dc: dc}
	clock := scanclock.New(func() (int, error) { return readScanline(c, dc) })
	sched := schedule.New(clock)
	sched.VsyncSpacing = cfg.VsyncSpacing
	sched.LateStartRatio = cfg.LateStartRatio
	sched.SetLateStartRatioOverride()

	d := &Dev{
		ctrl:        ctrl,
		rst:         rst,
		clock:       clock,
		sched:       sched,
		syncUp:      upload.NewSync(ctrl, sched),
		asyncUp:     upload.NewAsync(ctrl, sched),
		log:         log.New(io.Discard, "panel: ", log.LstdFlags),
		rotation:    cfg.Rotation,
		refreshMode: cfg.RefreshMode,
		diffGap:     cfg.DiffGap,
		compareMask: cfg.CompareMask,
		scratchDiff: diffbuf.New(diffBufferCapacity),
		mirror:      mirrorNone,
		ongoingDiff: ongoingNone,
	}

	if err := ctrl.sendCommand(cmdFrameRateControl); err == nil {
		ctrl.sendData([]byte{byte(cfg.RefreshMode)})
	}
	if err := clock.SampleRefreshPeriod(); err != nil {
		d.log.Printf("initial refresh period sample failed: %v", err)
	}
	return d, nil
}

// NewHat brings up the panel using the default Raspberry Pi HAT pin
// assignments, following waveshare2in13v4.NewHat.
func NewHat(p spi.Port, cfg *Config) (*Dev, error) {
	dc := rpi.P1_22
	rst := rpi.P1_11
	return New(p, dc, rst, cfg)
}

// SetLogger installs a destination for operational diagnostics that
// fall outside the best-effort error path of §7. The default logger
// discards output. The only diagnostic the driver writes is a failed
// initial refresh-period sample, logged inside New before a logger can
// be installed; tear events, diff overflow and bring-up retries are not
// logged.
func (d *Dev) SetLogger(w io.Writer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = log.New(w, "panel: ", log.LstdFlags)
}

// BindFramebuffers rebinds the embedder-owned framebuffers, per §6's
// bind_framebuffers. Both are zeroed and the mirror is invalidated.
// Passing a nil fb2 (keeping fb1) switches the effective buffering mode
// to Double; a nil fb1 switches to None.
func (d *Dev) BindFramebuffers(fb1, fb2 *fb.Framebuffer) {
	d.WaitUpdateComplete()
	if fb1 != nil {
		fb1.Zero()
	}
	if fb2 != nil {
		fb2.Zero()
	}
	d.mu.Lock()
	d.fb1, d.fb2 = fb1, fb2
	d.mirror = mirrorNone
	d.mu.Unlock()
}

// BindDiffBuffers rebinds the embedder-owned diff buffers, per §6's
// bind_diff_buffers. Takes effect on the next update.
func (d *Dev) BindDiffBuffers(diff1, diff2 *diffbuf.DiffBuffer) {
	d.WaitUpdateComplete()
	d.mu.Lock()
	d.diff1, d.diff2 = diff1, diff2
	d.mu.Unlock()
}

// SetRotation selects one of the four panel scan orders, per §6's
// set_rotation. It invalidates the mirror since the panel's address
// windows are expressed in the new orientation.
func (d *Dev) SetRotation(r fb.Rotation) error {
	if !r.Valid() {
		return fmt.Errorf("panel: invalid rotation %d", r)
	}
	d.WaitUpdateComplete()
	d.mu.Lock()
	d.rotation = r
	d.mirror = mirrorNone
	d.mu.Unlock()
	return nil
}

// SetRefreshMode selects one of 32 panel frame rates and remeasures
// the refresh period, per §6's set_refresh_mode and §4.2.
func (d *Dev) SetRefreshMode(m int) error {
	if m < 0 || m > 31 {
		return fmt.Errorf("panel: refresh mode %d out of range [0,31]", m)
	}
	d.WaitUpdateComplete()
	if err := d.ctrl.sendCommand(cmdFrameRateControl); err != nil {
		return err
	}
	if err := d.ctrl.sendData([]byte{byte(m)}); err != nil {
		return err
	}
	d.mu.Lock()
	d.refreshMode = m
	d.mu.Unlock()
	d.sched.SetLateStartRatioOverride()
	return d.clock.SampleRefreshPeriod()
}

// SetVsyncSpacing sets the target number of panel refreshes per
// uploaded frame, per §6's set_vsync_spacing.
func (d *Dev) SetVsyncSpacing(k int) {
	d.sched.VsyncSpacing = k
}

// SetDiffGap sets the tolerance for merging adjacent change runs, per
// §6's set_diff_gap.
func (d *Dev) SetDiffGap(g int) {
	d.mu.Lock()
	d.diffGap = g
	d.mu.Unlock()
}

// SetCompareMask sets the bits ignored when comparing pixels, per §6's
// set_compare_mask.
func (d *Dev) SetCompareMask(m fb.RGB565) {
	d.mu.Lock()
	d.compareMask = m
	d.mu.Unlock()
}

// SetLateStartRatio sets the fraction of the scanlines between a
// frame's first run and the end of the refresh within which a late
// upload start is still tolerated, per §6's
// set_late_start_ratio.
func (d *Dev) SetLateStartRatio(r float64) {
	d.sched.LateStartRatio = r
}

// Clear uploads a solid color synchronously and fills fb1 if bound, per
// §6's clear.
func (d *Dev) Clear(c fb.RGB565) error {
	d.WaitUpdateComplete()

	d.mu.Lock()
	r := d.rotation
	fb1 := d.fb1
	scratch := d.scratchDiff
	d.mu.Unlock()

	src := fb.New(fb.LogicalWidth, fb.LogicalHeight)
	src.Fill(c)
	if fb1 != nil {
		fb1.Fill(c)
	}

	diffbuf.ComputeDummyDiff(scratch, r)
	d.syncUp.UploadNow(scratch, src, r)

	d.mu.Lock()
	if fb1 != nil {
		d.mirror = mirrorFB1
	}
	d.mu.Unlock()
	return nil
}

// Halt implements conn.Resource: it drains any in-flight upload and
// leaves the panel otherwise untouched.
func (d *Dev) Halt() error {
	d.WaitUpdateComplete()
	return nil
}

// ColorModel implements display.Drawer.
func (d *Dev) ColorModel() color.Model { return fb.Model }

// Bounds implements display.Drawer. The logical coordinate space is
// always LogicalWidth x LogicalHeight regardless of rotation: rotation
// changes panel scan order, not the space callers draw into.
func (d *Dev) Bounds() image.Rectangle {
	return image.Rect(0, 0, fb.LogicalWidth, fb.LogicalHeight)
}

// Draw implements display.Drawer: it rasterizes src into an internal
// staging framebuffer and hands it to Update.
func (d *Dev) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	d.mu.Lock()
	if d.drawBuf == nil {
		d.drawBuf = fb.New(fb.LogicalWidth, fb.LogicalHeight)
	}
	target := d.drawBuf
	d.mu.Unlock()

	draw.Draw(target, r, src, sp, draw.Src)
	return d.Update(target, false)
}

// Stats returns the most recently finished frame's timing record, per
// SUPPLEMENTED FEATURES: the raw record is part of §3's data model even
// though its collection and pretty-printing are out of scope.
func (d *Dev) Stats() schedule.FrameTiming {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastTiming
}

// BeamLine resyncs against the panel's scanline counter and returns the
// beam's current position, for the self-diagnostic callers of S1 that
// want a live read rather than the last frame's recorded margin.
func (d *Dev) BeamLine() (int, error) {
	return d.sched.BeamLine()
}

func (d *Dev) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("panel.Dev{rotation=%d, mode=%s, bounds=%s}", d.rotation, d.bufferingModeLocked(), d.Bounds())
}
