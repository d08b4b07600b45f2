package stats_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cartlift/cartlift/internal/stats"
)

func TestWilsonInterval_ZeroTrials(t *testing.T) {
	lower, upper := stats.WilsonInterval(0, 0, 0.95)

	assert.Equal(t, 0.0, lower)
	assert.Equal(t, 0.0, upper)
}

func TestWilsonInterval_BracketsRate(t *testing.T) {
	lower, upper := stats.WilsonInterval(50, 1000, 0.95)

	assert.Less(t, lower, 0.05)
	assert.Greater(t, upper, 0.05)
}

func TestWilsonInterval_Clamped(t *testing.T) {
	lower, _ := stats.WilsonInterval(0, 10, 0.95)
	_, upper := stats.WilsonInterval(10, 10, 0.95)

	assert.GreaterOrEqual(t, lower, 0.0)
	assert.LessOrEqual(t, upper, 1.0)
}

func TestWilsonInterval_TightensWithSample(t *testing.T) {
	smallLower, smallUpper := stats.WilsonInterval(5, 100, 0.95)
	bigLower, bigUpper := stats.WilsonInterval(500, 10000, 0.95)

	assert.Less(t, bigUpper-bigLower, smallUpper-smallLower)
}

func TestZScore_CommonLevels(t *testing.T) {
	assert.Equal(t, 1.96, stats.ZScore(0.95))
	assert.Equal(t, 1.645, stats.ZScore(0.90))
	assert.Equal(t, 2.576, stats.ZScore(0.99))
}

func TestZScore_Approximated(t *testing.T) {
	// Levels off the lookup table go through the rational approximation.
	z := stats.ZScore(0.92)

	assert.Greater(t, z, 1.645)
	assert.Less(t, z, 1.96)
}
