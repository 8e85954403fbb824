// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package panel controls a 320x480 RGB565 panel driven over a
// synchronous serial link with DMA, timing the upload against the panel's
// scan position and transmitting only the runs that changed between
// frames.
//
// Dev owns the bus handle, the scan-position clock and the
// differential-upload pipeline built from the panel/fb, panel/diffbuf,
// panel/scanclock, panel/schedule and panel/upload packages. The
// buffering mode (none, double, triple) is selected implicitly by
// which framebuffers are bound with BindFramebuffers.
package panel
