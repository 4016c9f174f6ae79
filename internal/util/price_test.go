package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		tick     float64
		expected float64
	}{
		{"rounds down to premium tick", 101.27, PremiumTick, 101.25},
		{"rounds up to premium tick", 101.28, PremiumTick, 101.30},
		{"exact multiple", 1.25, 0.05, 1.25},
		{"tie rounds away from zero", 1.235, 0.01, 1.24},
		{"negative tie rounds away from zero", -1.235, 0.01, -1.24},
		{"zero tick returns input", 1.2345, 0, 1.2345},
		{"negative tick returns input", 1.2345, -0.05, 1.2345},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, RoundToTick(tt.x, tt.tick), 1e-10)
		})
	}
}

func TestRoundHalfUp(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		step     float64
		expected float64
	}{
		{"below half rounds down", 26523.45, 50, 26500},
		{"above half rounds up", 26526, 50, 26550},
		{"exact half rounds up", 26525, 50, 26550},
		{"half on even multiple still rounds up", 26475, 50, 26500},
		{"hundred step", 48349.99, 100, 48300},
		{"hundred step half", 48350, 100, 48400},
		{"exact multiple", 26500, 50, 26500},
		{"zero step returns input", 123.4, 0, 123.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, RoundHalfUp(tt.x, tt.step), 1e-9)
		})
	}
}
