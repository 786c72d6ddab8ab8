package relay

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3"
)

// InitHost registers periph.io's platform drivers (including the FTDI host
// driver that enumerates MPSSE adapters as gpio.PinOut-capable devices).
// Callers building a production FTDIBus must call this once before looking
// up pins by name.
func InitHost() error {
	_, err := host.Init()
	return err
}

// FTDIBus backs Bus with eight GPIO pins on an FTDI MPSSE adapter, following
// periph.io's "operate on 8 GPIOs at a time" bulk GPIO-byte model (the
// gpioSetD/gpioSetC opcodes in periph's ftdi driver take a single value byte
// plus a direction byte covering all eight lines of a port at once). The
// actual USB/FTDI transport is out of this jig's scope; callers obtain the
// eight gpio.PinOut values from whatever periph.io host driver enumerates
// the board and pass them here.
type FTDIBus struct {
	pins [8]gpio.PinOut
}

// NewFTDIBus wraps eight already-opened output pins, ordered by relay bit
// position (pins[0] is GasOut, pins[6] is GasCO2, pins[7] unused).
func NewFTDIBus(pins [8]gpio.PinOut) *FTDIBus {
	return &FTDIBus{pins: pins}
}

// WriteByte drives every pin to match the corresponding bit of v.
func (b *FTDIBus) WriteByte(v byte) error {
	for i, pin := range b.pins {
		if pin == nil {
			continue
		}
		level := gpio.Level(v&(1<<uint(i)) != 0)
		if err := pin.Out(level); err != nil {
			return fmt.Errorf("relay: ftdi pin %d: %w", i, err)
		}
	}
	return nil
}
