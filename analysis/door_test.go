package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func normalTuning() Tuning {
	return TuningFor(ProfileNormal)
}

func closedInput(m Metrics) DoorInput {
	return DoorInput{
		Metrics:  m,
		Temp:     -18.0,
		LimitMin: -30.0,
		LimitMax: -5.0,
	}
}

func TestDoorNoChangeWhileDefrosting(t *testing.T) {
	var d DoorDetector
	in := closedInput(Metrics{Slope: 5.0, Acceleration: 10.0, Jerk: 5.0})
	in.Defrosting = true
	in.PriorOpen = true

	res := d.Evaluate(in, t0, normalTuning())
	assert.False(t, res.Open)
}

func TestDoorImmediateOpenOnHighConfidence(t *testing.T) {
	var d DoorDetector
	// Slope, acceleration and jerk all trip their thresholds at once.
	in := closedInput(Metrics{Slope: 2.5, Acceleration: 5.0, Jerk: 4.0, R2: 0.4})

	res := d.Evaluate(in, t0, normalTuning())
	assert.True(t, res.Open)
	assert.True(t, res.Changed)
	assert.GreaterOrEqual(t, res.Criteria, 3)
}

func TestDoorOpenRequiresQuorumOnSingleCriterion(t *testing.T) {
	var d DoorDetector
	tun := normalTuning()
	in := closedInput(Metrics{Slope: 1.8, R2: 0.9})

	res := d.Evaluate(in, t0, tun)
	assert.False(t, res.Open, "one criterion must not commit on first detection")

	res = d.Evaluate(in, t0.Add(10*time.Second), tun)
	assert.True(t, res.Open, "second consistent detection inside 30 s commits")
	assert.True(t, res.Changed)
}

func TestDoorOpenQuorumExpires(t *testing.T) {
	var d DoorDetector
	tun := normalTuning()
	in := closedInput(Metrics{Slope: 1.8, R2: 0.9})

	d.Evaluate(in, t0, tun)
	res := d.Evaluate(in, t0.Add(45*time.Second), tun)
	assert.False(t, res.Open, "a detection past the 30 s window restarts the quorum")

	res = d.Evaluate(in, t0.Add(50*time.Second), tun)
	assert.True(t, res.Open)
}

func TestDoorOpenSuppressedOnDefrostShapedWindow(t *testing.T) {
	var d DoorDetector
	in := closedInput(Metrics{
		Slope:        2.5,
		Acceleration: 5.0,
		Jerk:         4.0,
		Cycle:        CycleInfo{Tagged: true, Phase: PhaseFalling},
	})

	res := d.Evaluate(in, t0, normalTuning())
	assert.False(t, res.Open)
	res = d.Evaluate(in, t0.Add(10*time.Second), normalTuning())
	assert.False(t, res.Open)
}

func TestDoorForcedCloseOverride(t *testing.T) {
	var d DoorDetector
	in := DoorInput{
		Metrics:       Metrics{Slope: 0.05, Variance: 0.4, R2: 0.85},
		Temp:          -18.0,
		LimitMin:      -25.0,
		LimitMax:      -10.0,
		PriorOpen:     true,
		PriorVariance: 5.0,
	}

	res := d.Evaluate(in, t0, normalTuning())
	assert.False(t, res.Open)
	assert.True(t, res.Changed)
	assert.True(t, res.Forced)
}

func TestDoorForcedCloseNeedsInBoundsTemp(t *testing.T) {
	var d DoorDetector
	in := DoorInput{
		Metrics:   Metrics{Slope: 0.05, Variance: 0.4, R2: 0.85},
		Temp:      0.0, // above LimitMax
		LimitMin:  -25.0,
		LimitMax:  -10.0,
		PriorOpen: true,
	}

	res := d.Evaluate(in, t0, normalTuning())
	assert.True(t, res.Open, "out-of-bounds temperature must not force-close")
}

func TestDoorCloseImmediateOnTwoCriteria(t *testing.T) {
	var d DoorDetector
	in := DoorInput{
		// slope < -0.1 with R² > 0.5, and slope < 0.1 with negative
		// acceleration: two close criteria at once.
		Metrics:       Metrics{Slope: -0.5, R2: 0.8, Acceleration: -0.5, Variance: 3.0},
		Temp:          -12.0,
		LimitMin:      -25.0,
		LimitMax:      -10.0,
		PriorOpen:     true,
		PriorVariance: 3.0,
	}

	res := d.Evaluate(in, t0, normalTuning())
	assert.False(t, res.Open)
	assert.True(t, res.Changed)
}

func TestDoorCloseQuorumOnSingleCriterion(t *testing.T) {
	var d DoorDetector
	tun := normalTuning()
	in := DoorInput{
		Metrics:       Metrics{Slope: -0.3, R2: 0.6, Acceleration: 0.5, Variance: 3.0},
		Temp:          -12.0,
		LimitMin:      -25.0,
		LimitMax:      -10.0,
		PriorOpen:     true,
		PriorVariance: 3.0,
	}

	res := d.Evaluate(in, t0, tun)
	assert.True(t, res.Open)

	res = d.Evaluate(in, t0.Add(30*time.Second), tun)
	assert.False(t, res.Open, "second detection inside 60 s commits the close")
	assert.True(t, res.Changed)
}

func TestDoorCloseOnVarianceDrop(t *testing.T) {
	var d DoorDetector
	tun := normalTuning()
	in := DoorInput{
		Metrics:       Metrics{Slope: 0.5, R2: 0.3, Variance: 1.0, Acceleration: 0.5},
		Temp:          -12.0,
		LimitMin:      -25.0,
		LimitMax:      -10.0,
		PriorOpen:     true,
		PriorVariance: 4.0, // variance fell below 70% of what opened the door
	}

	d.Evaluate(in, t0, tun)
	res := d.Evaluate(in, t0.Add(10*time.Second), tun)
	assert.False(t, res.Open)
	assert.True(t, res.Changed)
}

func TestDoorStableClosedStaysClosed(t *testing.T) {
	var d DoorDetector
	in := closedInput(Metrics{Slope: 0.01, Variance: 0.02, R2: 0.1})

	for i := 0; i < 5; i++ {
		res := d.Evaluate(in, t0.Add(time.Duration(i*10)*time.Second), normalTuning())
		assert.False(t, res.Open)
		assert.False(t, res.Changed)
	}
}
