package instrument

import (
	"math"
	"testing"
)

func TestToDeviceUnitsFixedPoints(t *testing.T) {
	cases := []struct {
		value, nominal float64
		want           uint16
	}{
		{0, 80, 0},
		{80, 80, 52428},        // 100 % of nominal
		{80 * 1.02, 80, 53477}, // full scale at 102 %
		{-5, 80, 0},            // clamped below
		{200, 80, 53477},       // clamped above
	}
	for _, c := range cases {
		if got := ToDeviceUnits(c.value, c.nominal); got != c.want {
			t.Errorf("ToDeviceUnits(%g, %g) = %d, want %d", c.value, c.nominal, got, c.want)
		}
	}
}

func TestUnitConversionRoundTrip(t *testing.T) {
	nominals := []float64{80, 60, 1500, 0.5}
	for _, nominal := range nominals {
		// One device count is worth this much of the engineering value.
		countWorth := 1.02 * nominal / deviceFullScale
		for frac := 0.0; frac <= 1.02; frac += 0.01 {
			v := frac * nominal
			back := FromDeviceUnits(ToDeviceUnits(v, nominal), nominal)
			if math.Abs(back-v) > countWorth {
				t.Fatalf("round trip %g (nominal %g): got %g, off by more than one count (%g)",
					v, nominal, back, countWorth)
			}
		}
	}
}

func TestFromDeviceUnitsFullScale(t *testing.T) {
	got := FromDeviceUnits(deviceFullScale, 100)
	if math.Abs(got-102) > 1e-9 {
		t.Errorf("FromDeviceUnits(full scale, 100) = %g, want 102", got)
	}
}
