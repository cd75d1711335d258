package analysis

import (
	"math"
)

// MinReadySamples is how many samples the window needs before the analyzer
// produces metrics.
const MinReadySamples = 10

// CyclePhase describes where inside a defrost-shaped cycle the window sits.
type CyclePhase string

const (
	PhaseRising  CyclePhase = "RISING"
	PhaseFalling CyclePhase = "FALLING"
	PhasePeak    CyclePhase = "PEAK"
	PhaseUnknown CyclePhase = "UNKNOWN"
)

// CycleInfo is the defrost-cycle shape analysis of the window.
//
// Tagged is true when the window looks like a whole defrost cycle: the
// temperature peak sits past 30% of the window but before the last three
// points, the leg up to the peak rises faster than the profile minimum and
// the leg after it falls below -0.1 °C/min. For a Tagged cycle the phase
// follows how many samples trail the peak (up to 5: RISING, up to 8: PEAK,
// more: FALLING); otherwise it is RISING or FALLING when only that leg
// qualifies, else UNKNOWN. A Tagged cycle whose peak hugs the window edge
// therefore reports RISING — callers that treat FALLING as terminal must
// also check the phase is not RISING.
type CycleInfo struct {
	MaxIdx       int
	MinIdx       int
	RisingSlope  float64
	FallingSlope float64
	Phase        CyclePhase
	Tagged       bool
}

// SegmentAnalysis holds the regression slopes on both sides of the change
// point and their difference (right minus left), in °C/min.
type SegmentAnalysis struct {
	LeftSlope   float64
	RightSlope  float64
	SlopeChange float64
}

// Metrics is the full analyzer output for one window. Slopes are °C/min.
type Metrics struct {
	Slope        float64
	Intercept    float64
	R2           float64
	StdError     float64
	Variance     float64
	StdDev       float64
	Acceleration float64
	Jerk         float64
	EMA          float64

	Cycle       CycleInfo
	ChangePoint int // index into the window, -1 when absent
	Segments    *SegmentAnalysis
}

// Analyze computes the full metric record over a window. Returns ready=false
// when the window holds fewer than MinReadySamples samples.
func Analyze(w *Window, tun Tuning) (Metrics, bool) {
	s := w.Samples()
	n := len(s)
	if n < MinReadySamples {
		return Metrics{ChangePoint: -1}, false
	}

	m := Metrics{ChangePoint: -1}
	m.Slope, m.Intercept, m.R2 = linearFit(s)
	m.StdError = stdError(s, m.Slope, m.Intercept)
	m.Variance = variance(temps(s))
	m.StdDev = math.Sqrt(m.Variance)
	m.Acceleration = acceleration(s)
	m.Jerk = jerk(s)
	m.EMA = ema(s, tun.EMAAlpha)
	m.Cycle = cycleInfo(s, tun)

	if cp := changePoint(s); cp >= 0 {
		m.ChangePoint = cp
		left, _, _ := linearFit(s[:cp])
		right, _, _ := linearFit(s[cp:])
		m.Segments = &SegmentAnalysis{
			LeftSlope:   left,
			RightSlope:  right,
			SlopeChange: right - left,
		}
	}

	return m, true
}

// linearFit runs an ordinary least-squares regression of temperature against
// time in minutes since the segment's first sample. Returns slope (°C/min),
// intercept and the squared correlation.
func linearFit(s []Sample) (slope, intercept, r2 float64) {
	n := len(s)
	if n < 2 {
		return 0, 0, 0
	}

	t0 := s[0].TS
	var sx, sy, sxx, sxy, syy float64
	for _, p := range s {
		x := p.TS.Sub(t0).Minutes()
		sx += x
		sy += p.Temp
		sxx += x * x
		sxy += x * p.Temp
		syy += p.Temp * p.Temp
	}

	fn := float64(n)
	dx := fn*sxx - sx*sx
	if dx == 0 {
		return 0, sy / fn, 0
	}
	slope = (fn*sxy - sx*sy) / dx
	intercept = (sy - slope*sx) / fn

	dy := fn*syy - sy*sy
	if dy <= 0 {
		return slope, intercept, 0
	}
	r := (fn*sxy - sx*sy) / math.Sqrt(dx*dy)
	return slope, intercept, r * r
}

func stdError(s []Sample, slope, intercept float64) float64 {
	if len(s) == 0 {
		return 0
	}
	t0 := s[0].TS
	var sum float64
	for _, p := range s {
		x := p.TS.Sub(t0).Minutes()
		res := p.Temp - (intercept + slope*x)
		sum += res * res
	}
	return math.Sqrt(sum / float64(len(s)))
}

func temps(s []Sample) []float64 {
	out := make([]float64, len(s))
	for i, p := range s {
		out[i] = p.Temp
	}
	return out
}

func variance(vals []float64) float64 {
	n := len(vals)
	if n == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(n)
	var acc float64
	for _, v := range vals {
		d := v - mean
		acc += d * d
	}
	return acc / float64(n)
}

// acceleration is the slope of the last 30% of the window minus the slope of
// the first 70%. Zero when either subset holds fewer than two points.
func acceleration(s []Sample) float64 {
	n := len(s)
	cut := int(float64(n) * 0.7)
	head, tail := s[:cut], s[cut:]
	if len(head) < 2 || len(tail) < 2 {
		return 0
	}
	hs, _, _ := linearFit(head)
	ts, _, _ := linearFit(tail)
	return ts - hs
}

// jerk is the change of the slope change across the window thirds:
// (slope3 - slope2) - (slope2 - slope1). Zero under nine samples.
func jerk(s []Sample) float64 {
	n := len(s)
	if n < 9 {
		return 0
	}
	a := n / 3
	b := 2 * n / 3
	s1, _, _ := linearFit(s[:a])
	s2, _, _ := linearFit(s[a:b])
	s3, _, _ := linearFit(s[b:])
	return (s3 - s2) - (s2 - s1)
}

func ema(s []Sample, alpha float64) float64 {
	if len(s) == 0 {
		return 0
	}
	v := s[0].Temp
	for _, p := range s[1:] {
		v = alpha*p.Temp + (1-alpha)*v
	}
	return v
}

func cycleInfo(s []Sample, tun Tuning) CycleInfo {
	n := len(s)
	maxIdx, minIdx := 0, 0
	for i, p := range s {
		if p.Temp > s[maxIdx].Temp {
			maxIdx = i
		}
		if p.Temp < s[minIdx].Temp {
			minIdx = i
		}
	}

	ci := CycleInfo{MaxIdx: maxIdx, MinIdx: minIdx, Phase: PhaseUnknown}
	if maxIdx >= 1 {
		ci.RisingSlope, _, _ = linearFit(s[:maxIdx+1])
	}
	if maxIdx < n-1 {
		ci.FallingSlope, _, _ = linearFit(s[maxIdx:])
	}

	risingOK := maxIdx > int(0.3*float64(n)) && ci.RisingSlope > tun.CycleRisingSlope
	fallingOK := maxIdx <= n-4 && ci.FallingSlope < -0.1

	switch {
	case risingOK && fallingOK:
		ci.Tagged = true
		// Peak position decides the phase: a peak still hugging the
		// window edge means the cycle is effectively climbing.
		tail := n - 1 - maxIdx
		switch {
		case tail <= 5:
			ci.Phase = PhaseRising
		case tail <= 8:
			ci.Phase = PhasePeak
		default:
			ci.Phase = PhaseFalling
		}
	case risingOK:
		ci.Phase = PhaseRising
	case fallingOK:
		ci.Phase = PhaseFalling
	}
	return ci
}

// changePoint finds the index in [3, len-3] that minimises the summed
// variance of the two sides. Returns -1 when the window is too small.
func changePoint(s []Sample) int {
	n := len(s)
	if n < 6 {
		return -1
	}
	vals := temps(s)
	best, bestIdx := math.MaxFloat64, -1
	for i := 3; i <= n-3; i++ {
		score := variance(vals[:i]) + variance(vals[i:])
		if score < best {
			best = score
			bestIdx = i
		}
	}
	return bestIdx
}
