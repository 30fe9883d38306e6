package scenario

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestConvert_KnownValues(t *testing.T) {
	tests := []struct {
		value    float64
		from, to Unit
		want     float64
	}{
		{25, Celsius, Fahrenheit, 77},
		{32, Fahrenheit, Celsius, 0},
		{0, Celsius, Fahrenheit, 32},
		{212, Fahrenheit, Celsius, 100},
		{-40, Celsius, Fahrenheit, -40},
		{37.5, Celsius, Celsius, 37.5},
	}

	for _, tt := range tests {
		got, err := Convert(tt.value, tt.from, tt.to)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%v %s -> %s", tt.value, tt.from, tt.to)
	}
}

func TestConvert_UnknownUnit(t *testing.T) {
	_, err := Convert(1, "KELVIN", Celsius)
	assert.Error(t, err)

	_, err = Convert(1, Celsius, "")
	assert.Error(t, err)
}

func TestParseUnit(t *testing.T) {
	for _, in := range []string{"CELSIUS", "celsius", " c "} {
		u, err := ParseUnit(in)
		require.NoError(t, err, in)
		assert.Equal(t, Celsius, u)
	}
	for _, in := range []string{"FAHRENHEIT", "Fahrenheit", "f"} {
		u, err := ParseUnit(in)
		require.NoError(t, err, in)
		assert.Equal(t, Fahrenheit, u)
	}

	_, err := ParseUnit("kelvin")
	assert.Error(t, err)
}

func TestProperty_ConvertFormulas(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Float64Range(-1e6, 1e6).Draw(t, "v")

		f, err := Convert(v, Celsius, Fahrenheit)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := v*9/5 + 32; math.Abs(f-want) > 1e-9*math.Max(1, math.Abs(want)) {
			t.Errorf("C->F(%v) = %v, want %v", v, f, want)
		}

		c, err := Convert(v, Fahrenheit, Celsius)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if want := (v - 32) * 5 / 9; math.Abs(c-want) > 1e-9*math.Max(1, math.Abs(want)) {
			t.Errorf("F->C(%v) = %v, want %v", v, c, want)
		}
	})
}

func TestProperty_ConvertRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		v := rapid.Float64Range(-1e6, 1e6).Draw(t, "v")
		from := rapid.SampledFrom([]Unit{Celsius, Fahrenheit}).Draw(t, "from")
		to := Celsius
		if from == Celsius {
			to = Fahrenheit
		}

		there, err := Convert(v, from, to)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		back, err := Convert(there, to, from)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// relative tolerance, with an absolute floor near zero
		tol := 1e-9 * math.Max(1, math.Abs(v))
		if math.Abs(back-v) > tol {
			t.Errorf("round trip %v %s -> %v %s -> %v, off by %v", v, from, there, to, back, back-v)
		}
	})
}
