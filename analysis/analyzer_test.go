package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildWindow feeds samples 10 seconds apart starting at t0.
func buildWindow(temps []float64) *Window {
	var w Window
	for i, temp := range temps {
		w.Append(t0.Add(time.Duration(i*10)*time.Second), temp)
	}
	return &w
}

func ramp(start, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestAnalyzeNotReadyUnderTenSamples(t *testing.T) {
	tun := TuningFor(ProfileNormal)

	w := buildWindow(repeat(-18.0, 9))
	_, ready := Analyze(w, tun)
	assert.False(t, ready)

	w = buildWindow(repeat(-18.0, 10))
	_, ready = Analyze(w, tun)
	assert.True(t, ready)
}

func TestAnalyzeLinearRamp(t *testing.T) {
	tun := TuningFor(ProfileNormal)

	// 0.1 °C per 10 s sample = 0.6 °C/min
	w := buildWindow(ramp(-18.0, 0.1, 12))
	m, ready := Analyze(w, tun)
	require.True(t, ready)

	assert.InDelta(t, 0.6, m.Slope, 0.001)
	assert.InDelta(t, 1.0, m.R2, 0.001)
	assert.InDelta(t, 0.0, m.StdError, 0.001)
	assert.InDelta(t, -18.0, m.Intercept, 0.01)
	assert.InDelta(t, 0.12, m.Variance, 0.01)
}

func TestAnalyzeFlatWindow(t *testing.T) {
	tun := TuningFor(ProfileNormal)

	w := buildWindow(repeat(-18.0, 15))
	m, ready := Analyze(w, tun)
	require.True(t, ready)

	assert.InDelta(t, 0.0, m.Slope, 0.001)
	assert.InDelta(t, 0.0, m.Variance, 0.001)
	assert.InDelta(t, -18.0, m.EMA, 0.001)
	assert.False(t, m.Cycle.Tagged)
}

func TestAcceleration(t *testing.T) {
	// 10 flat samples then 4 rising at 0.5 °C per sample: the last 30%
	// regresses at 3 °C/min while the first 70% is flat.
	temps := append(repeat(0, 10), 0.5, 1.0, 1.5, 2.0)
	w := buildWindow(temps)

	assert.InDelta(t, 3.0, acceleration(w.Samples()), 0.05)
}

func TestJerkZeroUnderNineSamples(t *testing.T) {
	w := buildWindow(ramp(0, 1.0, 8))
	assert.Equal(t, 0.0, jerk(w.Samples()))
}

func TestJerkOnLateKink(t *testing.T) {
	// Two flat thirds then a steep third: jerk equals the last third's
	// slope since the first two contribute nothing.
	temps := append(repeat(0, 8), 1.0, 2.0, 3.0, 4.0)
	w := buildWindow(temps)
	assert.Greater(t, jerk(w.Samples()), 2.0)
}

func TestEMA(t *testing.T) {
	w := buildWindow([]float64{0, 10})
	assert.InDelta(t, 3.0, ema(w.Samples(), 0.3), 0.001)
}

func TestChangePointOnStep(t *testing.T) {
	temps := append(repeat(0, 5), repeat(10, 5)...)
	w := buildWindow(temps)
	assert.Equal(t, 5, changePoint(w.Samples()))
}

func TestChangePointTooSmall(t *testing.T) {
	w := buildWindow(repeat(0, 5))
	assert.Equal(t, -1, changePoint(w.Samples()))
}

func TestSegmentAnalysisAroundStep(t *testing.T) {
	tun := TuningFor(ProfileNormal)

	temps := append(repeat(-18.0, 8), ramp(-17.7, 0.3, 8)...)
	m, ready := Analyze(buildWindow(temps), tun)
	require.True(t, ready)
	require.NotNil(t, m.Segments)

	assert.Greater(t, m.Segments.SlopeChange, 0.5)
	assert.Greater(t, m.Segments.RightSlope, m.Segments.LeftSlope)
}

func TestCycleTaggedFalling(t *testing.T) {
	tun := TuningFor(ProfileNormal)

	// Rise to a peak at index 10, then a long falling tail.
	temps := append(ramp(-18.0, 0.5, 11), ramp(-18.0+5.0-0.4, -0.4, 10)...)
	m, ready := Analyze(buildWindow(temps), tun)
	require.True(t, ready)

	assert.True(t, m.Cycle.Tagged)
	assert.Equal(t, 10, m.Cycle.MaxIdx)
	assert.Equal(t, PhaseFalling, m.Cycle.Phase)
	assert.Greater(t, m.Cycle.RisingSlope, tun.CycleRisingSlope)
	assert.Less(t, m.Cycle.FallingSlope, -0.1)
}

func TestCycleRisingPhaseNearWindowEdge(t *testing.T) {
	tun := TuningFor(ProfileNormal)

	// Peak four samples before the end: tagged, but still reported as
	// RISING because the peak hugs the window edge.
	temps := append(ramp(-18.0, 0.5, 14), -11.9, -12.4, -12.9, -13.4)
	m, ready := Analyze(buildWindow(temps), tun)
	require.True(t, ready)

	assert.True(t, m.Cycle.Tagged)
	assert.Equal(t, PhaseRising, m.Cycle.Phase)
}

func TestCycleNotTaggedDuringPureRise(t *testing.T) {
	tun := TuningFor(ProfileNormal)

	m, ready := Analyze(buildWindow(ramp(-18.0, 0.3, 15)), tun)
	require.True(t, ready)
	assert.False(t, m.Cycle.Tagged, "a pure rise has its peak at the last sample")
}
