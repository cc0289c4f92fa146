package camerapipeline

import "time"

const (
	defaultEarlySleepThreshold  = 50 * time.Millisecond
	defaultLatenessCatchupLimit = 200 * time.Millisecond
	defaultPTSJumpResetLimit    = 1 * time.Second
	defaultStallTimeout         = 30 * time.Second

	fpsCalcInterval = 5 * time.Second

	reconnectDelayBase = 2 * time.Second
	minReconnectDelay  = 1 * time.Second
	maxReconnectDelay  = 30 * time.Second

	reconnectPollSlice = 100 * time.Millisecond
	maxOpenRetryDelay  = 5 * time.Second
)

// pacingState holds the mutable timing fields of a WorkerContext:
// estimated source fps, skip ratio, skip accumulator, PTS anchors, and
// pacing thresholds. It is a plain struct rather than a WorkerContext
// method receiver set so its arithmetic can be unit tested without
// standing up a whole Worker. Grounded on camera_thread.c's per-connection
// fields of the same name (estimated_source_fps, frame_skip_ratio,
// frame_skip_accumulator, has_real_fps_measurement).
type pacingState struct {
	targetFPS float64

	estimatedSourceFPS    float64
	hasRealFPSMeasurement bool
	frameSkipRatio        float64
	skipAccumulator       float64

	fpsWindowStart time.Time
	fpsWindowCount int

	havePTSBase         bool
	firstPTSSec         float64
	playbackAnchorMono  time.Time
	lastSentPTSSec      float64
	haveLastSentPTS     bool
	lastFrameSentMono   time.Time

	earlySleepThreshold  time.Duration
	latenessCatchupLimit time.Duration
	ptsJumpResetLimit    time.Duration
}

func newPacingState(targetFPS float64, sourceFPSHint float64) *pacingState {
	if targetFPS <= 0 {
		targetFPS = 1
	}
	// camera_thread.c: estimated_source_fps defaults to 30.0 when the
	// metadata-reported rate falls outside the plausible [4, 65] band.
	if sourceFPSHint < 4 || sourceFPSHint > 65 {
		sourceFPSHint = 30.0
	}
	return &pacingState{
		targetFPS:             targetFPS,
		estimatedSourceFPS:    sourceFPSHint,
		hasRealFPSMeasurement: false,
		frameSkipRatio:        skipRatio(sourceFPSHint, targetFPS),
		skipAccumulator:       0,
		earlySleepThreshold:   defaultEarlySleepThreshold,
		latenessCatchupLimit:  defaultLatenessCatchupLimit,
		ptsJumpResetLimit:     defaultPTSJumpResetLimit,
	}
}

func skipRatio(sourceFPS, targetFPS float64) float64 {
	if targetFPS <= 0 {
		targetFPS = 1
	}
	r := sourceFPS / targetFPS
	if r < 1.0 {
		r = 1.0
	}
	return r
}

// observeDecodedFrame records one decoded frame for the 5s input-FPS
// measurement window. When a window closes it updates
// estimatedSourceFPS and, on a meaningful change, frameSkipRatio. now is
// passed in rather than read from time.Now so the logic is deterministic
// under test.
func (p *pacingState) observeDecodedFrame(now time.Time) {
	if p.fpsWindowStart.IsZero() {
		p.fpsWindowStart = now
		p.fpsWindowCount = 1
		return
	}
	p.fpsWindowCount++
	elapsed := now.Sub(p.fpsWindowStart)
	if elapsed < fpsCalcInterval {
		return
	}

	measured := float64(p.fpsWindowCount) / elapsed.Seconds()
	p.fpsWindowStart = now
	p.fpsWindowCount = 0

	if !p.hasRealFPSMeasurement {
		p.estimatedSourceFPS = measured
		p.hasRealFPSMeasurement = true
		p.frameSkipRatio = skipRatio(p.estimatedSourceFPS, p.targetFPS)
		return
	}
	if abs(measured-p.estimatedSourceFPS) > 1.0 {
		p.estimatedSourceFPS = measured
		p.frameSkipRatio = skipRatio(p.estimatedSourceFPS, p.targetFPS)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// shouldSelect implements the fractional-accumulator skip decision:
// increment the accumulator by 1 per decoded frame,
// select when it reaches the current skip ratio, and subtract the ratio
// (not reset to zero) so the long-run average send rate converges on
// targetFPS without drift. When hasPTS is true a secondary guard requires
// at least 1/targetFPS seconds of presentation time to have elapsed since
// the last send.
func (p *pacingState) shouldSelect(hasPTS bool, ptsSec float64) bool {
	p.skipAccumulator += 1
	if p.skipAccumulator < p.frameSkipRatio {
		return false
	}
	p.skipAccumulator -= p.frameSkipRatio

	if hasPTS && p.haveLastSentPTS {
		minGap := 1.0 / p.targetFPS
		// lastSentPTSSec is relative to firstPTSSec; ptsSec is absolute.
		if ptsSec-(p.firstPTSSec+p.lastSentPTSSec) < minGap {
			return false
		}
	}
	return true
}

// presentationDecision is the outcome of anchorAndSchedule: whether to
// sleep before sending and, if so, until when.
type presentationDecision struct {
	sleepUntil time.Time
	shouldWait bool
}

// anchorAndSchedule implements PTS-anchored presentation pacing: it
// aligns a frame's presentation timestamp to the wall clock, sleeping
// ahead of schedule or catching up when behind. now is the wall-clock
// instant the decision is being made at.
func (p *pacingState) anchorAndSchedule(ptsSec float64, now time.Time) presentationDecision {
	if !p.havePTSBase {
		p.firstPTSSec = ptsSec
		p.playbackAnchorMono = now
		p.havePTSBase = true
	}

	rel := ptsSec - p.firstPTSSec

	if p.haveLastSentPTS && abs(rel-p.lastSentPTSSec) > p.ptsJumpResetLimit.Seconds() {
		p.firstPTSSec = ptsSec
		p.playbackAnchorMono = now
		rel = 0
	}

	target := p.playbackAnchorMono.Add(time.Duration(rel * float64(time.Second)))
	lateness := now.Sub(target)

	decision := presentationDecision{}
	switch {
	case lateness < -p.earlySleepThreshold:
		decision.shouldWait = true
		decision.sleepUntil = target
	case lateness > p.latenessCatchupLimit:
		// Send immediately, catch-up; no sleep.
	default:
		// Send immediately.
	}

	p.lastSentPTSSec = rel
	p.haveLastSentPTS = true
	p.lastFrameSentMono = now
	return decision
}

// wallClockDue reports whether enough wall-clock time has elapsed since
// the last send to emit another frame under the no-PTS fallback pacing
// mode.
func (p *pacingState) wallClockDue(now time.Time) bool {
	if p.lastFrameSentMono.IsZero() {
		return true
	}
	return now.Sub(p.lastFrameSentMono) >= time.Duration(float64(time.Second)/p.targetFPS)
}

// reconnectDelay computes the bounded backoff for entering
// WaitingReconnect ("clamp(2 × attempts, 1, 30) seconds").
func reconnectDelay(attempts int) time.Duration {
	d := time.Duration(attempts) * reconnectDelayBase
	if d < minReconnectDelay {
		return minReconnectDelay
	}
	if d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}
