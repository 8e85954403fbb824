// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package panel

import (
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
)

// Panel protocol command bytes, per §6: "Bit-exact panel protocol". The
// byte values follow the ILI9341-family column/page address window
// convention this class of RGB565 serial panel uses.
const (
	cmdCASET              byte = 0x2A
	cmdPASET              byte = 0x2B
	cmdRAMWR              byte = 0x2C
	cmdFrameRateControl   byte = 0xB1
	cmdReadScanline       byte = 0x45
)

// readScanline issues the "get scanline" command and returns the
// panel's internal scan position, per §4.2's read_line_hw.
func readScanline(c conn.Conn, dc gpio.PinOut) (int, error) {
	if err := dc.Out(gpio.Low); err != nil {
		return 0, err
	}
	if err := c.Tx([]byte{cmdReadScanline}, nil); err != nil {
		return 0, err
	}
	if err := dc.Out(gpio.High); err != nil {
		return 0, err
	}
	r := make([]byte, 2)
	if err := c.Tx(nil, r); err != nil {
		return 0, err
	}
	return int(r[0])<<8 | int(r[1]), nil
}

// spiController drives CASET/PASET/RAMWR over a 4-wire SPI connection,
// toggling dc the way ssd1306.NewSPI's controller does: low for a
// command byte, high for the data that follows it.
type spiController struct {
	c  conn.Conn
	dc gpio.PinOut
}

func (s *spiController) sendCommand(cmd byte) error {
	if err := s.dc.Out(gpio.Low); err != nil {
		return err
	}
	return s.c.Tx([]byte{cmd}, nil)
}

func (s *spiController) sendData(data []byte) error {
	if err := s.dc.Out(gpio.High); err != nil {
		return err
	}
	return s.c.Tx(data, nil)
}

// CASET implements upload.Controller.
func (s *spiController) CASET(start, end uint16) error {
	if err := s.sendCommand(cmdCASET); err != nil {
		return err
	}
	return s.sendData([]byte{byte(start >> 8), byte(start), byte(end >> 8), byte(end)})
}

// PASET implements upload.Controller.
func (s *spiController) PASET(start, end uint16) error {
	if err := s.sendCommand(cmdPASET); err != nil {
		return err
	}
	return s.sendData([]byte{byte(start >> 8), byte(start), byte(end >> 8), byte(end)})
}

// RAMWR implements upload.Controller.
func (s *spiController) RAMWR(pixels []byte) error {
	if err := s.sendCommand(cmdRAMWR); err != nil {
		return err
	}
	return s.sendData(pixels)
}

// SendRunAsync implements upload.AsyncController. periph.io/x/conn/v3's
// spi.Conn has no DMA-chained transfer primitive, so the asynchronous
// transfer is emulated with a goroutine standing in for the DMA engine;
// done is invoked on completion exactly as a completion interrupt would
// invoke the ISR, per §4.3 and §9's "resumed from the ISR" design note.
func (s *spiController) SendRunAsync(pixels []byte, done func()) {
	go func() {
		s.RAMWR(pixels)
		done()
	}()
}
