// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package panel

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Bring-up errors, per §7. Wrapped with %w so callers can errors.Is.
var (
	ErrBringUpFailed = errors.New("panel: bring-up failed")
	ErrInvalidPins   = errors.New("panel: invalid pin configuration")
)

const (
	// initialClock is the read clock bring-up starts at; it is halved
	// on each retry per §7's "progressively halved read clock".
	initialClock = 16 * physic.MegaHertz
	// maxBringUpRetries bounds the halving sequence.
	maxBringUpRetries = 4

	cmdReadStatus byte = 0x09
	// statusReady is the expected status-register low byte once the
	// panel's internal booster and power sequencing has settled.
	statusReady byte = 0x9c
)

// resetPanel drives the hardware reset pin through the high-low-high
// pulse sequence common to serial display drivers, each level held long
// enough for the panel's reset controller to latch.
func resetPanel(rst gpio.PinOut) error {
	if rst == nil {
		return nil
	}
	if err := rst.Out(gpio.High); err != nil {
		return err
	}
	time.Sleep(20 * time.Millisecond)
	if err := rst.Out(gpio.Low); err != nil {
		return err
	}
	time.Sleep(2 * time.Millisecond)
	if err := rst.Out(gpio.High); err != nil {
		return err
	}
	time.Sleep(20 * time.Millisecond)
	return nil
}

// readStatus issues the read-status-register command and returns its
// single reply byte.
func readStatus(c conn.Conn, dc gpio.PinOut) (byte, error) {
	if err := dc.Out(gpio.Low); err != nil {
		return 0, err
	}
	if err := c.Tx([]byte{cmdReadStatus}, nil); err != nil {
		return 0, err
	}
	if err := dc.Out(gpio.High); err != nil {
		return 0, err
	}
	r := make([]byte, 1)
	if err := c.Tx(nil, r); err != nil {
		return 0, err
	}
	return r[0], nil
}

// bringUp resets the panel and connects at successively halved clock
// rates until the status register reads back the expected value, per
// §7's bring-up failure kind: "panel status registers fail to match
// expected constants after N retries at progressively halved read
// clock."
func bringUp(p spi.Port, dc, rst gpio.PinOut) (conn.Conn, error) {
	if dc == nil || dc == gpio.INVALID {
		return nil, fmt.Errorf("%w: a dc pin is required", ErrInvalidPins)
	}
	if err := resetPanel(rst); err != nil {
		return nil, fmt.Errorf("%w: reset: %s", ErrInvalidPins, err)
	}

	clock := initialClock
	var lastErr error
	for attempt := 0; attempt < maxBringUpRetries; attempt++ {
		c, err := p.Connect(clock, spi.Mode0, 8)
		if err != nil {
			return nil, err
		}
		status, err := readStatus(c, dc)
		if err == nil && status == statusReady {
			return c, nil
		}
		lastErr = err
		clock /= 2
	}
	return nil, fmt.Errorf("%w: status register mismatch after %d retries (last error: %v)", ErrBringUpFailed, maxBringUpRetries, lastErr)
}
