//go:build rp2040 || rp2350

package display

import (
	"machine"

	"tinygo.org/x/drivers/sh1106"
)

const defaultAddr = 0x3C

// NewSH1106 brings up an SH1106 panel on I2C0 (GP4 SDA, GP5 SCL).
func NewSH1106(cfg Config) (Canvas, error) {
	if err := machine.I2C0.Configure(machine.I2CConfig{
		SDA:       machine.GPIO4,
		SCL:       machine.GPIO5,
		Frequency: 400 * machine.KHz,
	}); err != nil {
		return nil, err
	}
	addr := uint16(cfg.Address)
	if addr == 0 {
		addr = defaultAddr
	}
	w, h := int16(cfg.Width), int16(cfg.Height)
	if w == 0 || h == 0 {
		w, h = 128, 64
	}
	dev := sh1106.NewI2C(machine.I2C0)
	dev.Configure(sh1106.Config{
		Width:    w,
		Height:   h,
		VccState: sh1106.SWITCHCAPVCC,
		Address:  addr,
	})
	dev.ClearDisplay()
	return &dev, nil
}
