package drivers

import (
	"fmt"

	"github.com/reef-pi/drivers/ads1x15"
	"github.com/reef-pi/hal"
	"github.com/reef-pi/rpi/i2c"
)

// Full-scale input range of the ADS1115 per gain setting, in volts.
var adsFullScale = map[string]float64{
	"2/3": 6.144,
	"1":   4.096,
	"2":   2.048,
	"4":   1.024,
	"8":   0.512,
	"16":  0.256,
}

// NewADS1115 opens the converter at address on bus with the same gain on all
// four inputs. Channels are calibrated so Measure returns volts.
func NewADS1115(bus i2c.Bus, address byte, gain string) (hal.AnalogInputDriver, error) {
	fullScale, ok := adsFullScale[gain]
	if !ok {
		return nil, fmt.Errorf("ads1115: unsupported gain %q", gain)
	}
	params := map[string]interface{}{"Address": int(address)}
	for ch := 1; ch <= 4; ch++ {
		params[fmt.Sprintf("Gain %d", ch)] = gain
	}
	d, err := ads1x15.Ads1115Factory().NewDriver(params, bus)
	if err != nil {
		return nil, fmt.Errorf("ads1115 at 0x%02x: %w", address, err)
	}
	adc, ok := d.(hal.AnalogInputDriver)
	if !ok {
		d.Close()
		return nil, fmt.Errorf("ads1115: driver has no analog inputs")
	}
	counts := []hal.Measurement{
		{Observed: 0, Expected: 0},
		{Observed: 32767, Expected: fullScale},
	}
	for _, pin := range adc.AnalogInputPins() {
		if err := pin.Calibrate(counts); err != nil {
			d.Close()
			return nil, fmt.Errorf("ads1115 channel %d: %w", pin.Number(), err)
		}
	}
	return adc, nil
}
