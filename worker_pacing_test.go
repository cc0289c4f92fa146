package camerapipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSkipRatio(t *testing.T) {
	cases := []struct {
		source, target, want float64
	}{
		{30, 30, 1.0},
		{30, 10, 3.0},
		{15, 30, 1.0}, // never skip below 1.0 even if source is slower than target
		{25, 10, 2.5},
	}
	for _, c := range cases {
		assert.InDelta(t, c.want, skipRatio(c.source, c.target), 1e-9)
	}
}

func TestNewPacingState_ClampsImplausibleSourceFPSHint(t *testing.T) {
	p := newPacingState(10, 2) // 2fps is below the plausible [4,65] band
	assert.Equal(t, 30.0, p.estimatedSourceFPS)

	p = newPacingState(10, 120) // above the band
	assert.Equal(t, 30.0, p.estimatedSourceFPS)

	p = newPacingState(10, 25) // within the band, kept as-is
	assert.Equal(t, 25.0, p.estimatedSourceFPS)
}

func TestPacingState_ShouldSelect_ConvergesOnTargetFPSWithoutDrift(t *testing.T) {
	p := newPacingState(10, 30) // skip ratio 3.0

	selected := 0
	for i := 0; i < 300; i++ {
		if p.shouldSelect(false, 0) {
			selected++
		}
	}
	// 300 decoded frames at a 3.0 skip ratio select exactly 100, with no
	// drift from the fractional remainder carried across iterations.
	assert.Equal(t, 100, selected)
}

func TestPacingState_ShouldSelect_PTSGuardRejectsTooSoon(t *testing.T) {
	p := newPacingState(10, 10) // skip ratio 1.0, every decoded frame crosses it
	p.haveLastSentPTS = true
	p.lastSentPTSSec = 1.0

	// Less than 1/10s after the last sent PTS: guard rejects even though
	// the accumulator crossed the ratio.
	assert.False(t, p.shouldSelect(true, 1.05))
}

func TestPacingState_ShouldSelect_PTSGuardAcceptsAfterGap(t *testing.T) {
	p := newPacingState(10, 10)
	p.haveLastSentPTS = true
	p.lastSentPTSSec = 1.0

	assert.True(t, p.shouldSelect(true, 1.2))
}

func TestObserveDecodedFrame_FirstWindowReplacesEstimate(t *testing.T) {
	p := newPacingState(10, 30)
	base := time.Unix(0, 0)

	p.observeDecodedFrame(base) // first call only opens the window
	p.fpsWindowCount = 24       // 25 frames total over the window once closed

	p.observeDecodedFrame(base.Add(5 * time.Second)) // closes the window
	assert.True(t, p.hasRealFPSMeasurement)
	assert.InDelta(t, 5.0, p.estimatedSourceFPS, 1e-9)
}

func TestObserveDecodedFrame_IgnoresSmallChanges(t *testing.T) {
	p := newPacingState(10, 30)
	p.hasRealFPSMeasurement = true
	p.estimatedSourceFPS = 30
	p.frameSkipRatio = skipRatio(30, 10)

	base := time.Unix(0, 0)
	p.fpsWindowStart = base
	p.fpsWindowCount = 149 // one more frame closes the window at 150/5s = 30.0fps, no real change

	p.observeDecodedFrame(base.Add(5 * time.Second))
	assert.Equal(t, 30.0, p.estimatedSourceFPS)
}

func TestAnchorAndSchedule_FirstFrameAnchorsImmediately(t *testing.T) {
	p := newPacingState(10, 30)
	now := time.Unix(100, 0)

	d := p.anchorAndSchedule(5.0, now)
	assert.False(t, d.shouldWait)
	assert.True(t, p.havePTSBase)
	assert.Equal(t, 5.0, p.firstPTSSec)
}

func TestAnchorAndSchedule_SleepsWhenWellAheadOfSchedule(t *testing.T) {
	p := newPacingState(10, 30)
	base := time.Unix(100, 0)
	p.anchorAndSchedule(0.0, base)

	// Presentation time says 1s elapsed, but only 100ms of wall time has
	// passed: far ahead of schedule, past the early-sleep threshold.
	d := p.anchorAndSchedule(1.0, base.Add(100*time.Millisecond))
	assert.True(t, d.shouldWait)
	assert.WithinDuration(t, base.Add(1*time.Second), d.sleepUntil, time.Millisecond)
}

func TestAnchorAndSchedule_CatchesUpWhenFarBehind(t *testing.T) {
	p := newPacingState(10, 30)
	base := time.Unix(100, 0)
	p.anchorAndSchedule(0.0, base)

	// Presentation time says 100ms elapsed, but 1s of wall time has
	// passed: far behind schedule, past the catch-up limit.
	d := p.anchorAndSchedule(0.1, base.Add(1*time.Second))
	assert.False(t, d.shouldWait)
}

func TestAnchorAndSchedule_ResetsAnchorOnLargePTSJump(t *testing.T) {
	p := newPacingState(10, 30)
	base := time.Unix(100, 0)
	p.anchorAndSchedule(0.0, base)
	p.anchorAndSchedule(0.1, base.Add(100*time.Millisecond))

	// A 10s jump in PTS (e.g. after a reconnect) exceeds the 1s reset
	// limit and should re-anchor rather than treat it as "very late".
	jumpTime := base.Add(200 * time.Millisecond)
	p.anchorAndSchedule(10.2, jumpTime)
	assert.InDelta(t, 10.2, p.firstPTSSec, 1e-9)
	assert.Equal(t, jumpTime, p.playbackAnchorMono)
}

func TestWallClockDue(t *testing.T) {
	p := newPacingState(10, 30)
	now := time.Unix(200, 0)
	assert.True(t, p.wallClockDue(now)) // no prior send

	p.lastFrameSentMono = now
	assert.False(t, p.wallClockDue(now.Add(50*time.Millisecond)))
	assert.True(t, p.wallClockDue(now.Add(100*time.Millisecond)))
}

func TestReconnectDelay_ClampsToRange(t *testing.T) {
	assert.Equal(t, minReconnectDelay, reconnectDelay(0))
	assert.Equal(t, 6*time.Second, reconnectDelay(3))
	assert.Equal(t, maxReconnectDelay, reconnectDelay(100))
}
