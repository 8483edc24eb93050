package instrument

import "math"

// deviceFullScale is the register code the power supply maps to 102 % of a
// channel's nominal value. Fixed by the instrument hardware; both directions
// must use it exactly for wire compatibility.
const deviceFullScale = 53477

// Nominals holds the rated full-scale values of one power supply channel.
type Nominals struct {
	Voltage float64 `yaml:"voltage"`
	Current float64 `yaml:"current"`
	Power   float64 `yaml:"power"`
}

// ToDeviceUnits converts an engineering value (volts, amps or watts) to the
// 16-bit register code for a channel with the given nominal. Values are
// clamped to [0, 102 %] of nominal.
func ToDeviceUnits(value, nominal float64) uint16 {
	percent := value / nominal * 100
	if percent < 0 {
		percent = 0
	}
	if percent > 102 {
		percent = 102
	}
	return uint16(math.Round(percent / 102 * deviceFullScale))
}

// FromDeviceUnits converts a 16-bit register code back to an engineering
// value. Inverse of ToDeviceUnits up to one device count.
func FromDeviceUnits(code uint16, nominal float64) float64 {
	return float64(code) / deviceFullScale * 102 / 100 * nominal
}
