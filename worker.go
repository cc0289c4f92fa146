package camerapipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
)

// WorkerContext holds everything one live camera's Worker owns. It is
// referenced by exactly one CameraWorker; the Supervisor only touches
// StopRequested and Active.
type WorkerContext struct {
	CameraID  int
	URL       string
	TargetFPS int

	stopRequested atomic.Bool
	active        atomic.Bool

	interrupt *interruptSignal

	reconnectAttempts int
	lastActivityMono  time.Time

	stallTimeout time.Duration
}

// CameraWorker runs the connect/process/reconnect state machine for one
// camera. Grounded on camera_thread.c's run_camera_loop for
// the state transitions/backoff, and on controller_stream.go's
// decodeLoop/scheduleLoop split for the concurrent decode+pace vs.
// dispatch structure — generalized here to push through the bounded
// FrameQueue instead of an unbounded channel, so a slow
// analytics callback applies backpressure (drops) instead of unbounded
// memory growth.
type CameraWorker struct {
	ctx     *WorkerContext
	backend Backend
	pool    *Pool
	queue   *FrameQueue
	opts    BackendOptions

	statusCb StatusCallback
	frameCb  FrameCallback
	statusD  any
	frameD   any

	isTransientOpenErr IsTransientOpenError

	emitter *statusEmitter

	wg   sync.WaitGroup
	done chan struct{}
}

// NewCameraWorker constructs a CameraWorker. Call Start to launch it.
func NewCameraWorker(
	wctx *WorkerContext,
	backend Backend,
	pool *Pool,
	queueCapacity int,
	statusCb StatusCallback,
	frameCb FrameCallback,
	statusData, frameData any,
) *CameraWorker {
	if wctx.stallTimeout == 0 {
		wctx.stallTimeout = defaultStallTimeout
	}
	opts := DefaultBackendOptions()
	if strings.HasPrefix(wctx.URL, "rtsp://") {
		opts.TransportHint = "tcp"
	}
	return &CameraWorker{
		ctx:                wctx,
		backend:            backend,
		pool:               pool,
		queue:              NewFrameQueue(queueCapacity),
		opts:               opts,
		statusCb:           statusCb,
		frameCb:            frameCb,
		statusD:            statusData,
		frameD:             frameData,
		isTransientOpenErr: IsTransientReisenOpenError,
		emitter:            newStatusEmitter(wctx.CameraID, statusCb, statusData),
		done:               make(chan struct{}),
	}
}

// Start launches the worker's run loop and dispatch loop in the
// background. Returns once the goroutines have been scheduled; it does
// not wait for the first connection attempt.
func (w *CameraWorker) Start() {
	w.ctx.active.Store(true)
	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		w.runLoop()
	}()
	go func() {
		defer w.wg.Done()
		w.dispatchLoop()
	}()
}

// RequestStop sets the one-way stop latch and wakes anything blocked on
// the shared interrupt channel or the frame queue.
func (w *CameraWorker) RequestStop() {
	w.ctx.stopRequested.Store(true)
	if w.ctx.interrupt != nil {
		w.ctx.interrupt.Trigger()
	}
}

// Join blocks until both the run loop and the dispatch loop have exited,
// or until timeout elapses, matching the Supervisor's bounded-join policy.
func (w *CameraWorker) Join(timeout time.Duration) bool {
	waitCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Active reports whether the worker's run loop is still active.
func (w *CameraWorker) Active() bool {
	return w.ctx.active.Load()
}

func (w *CameraWorker) stopRequested() bool {
	return w.ctx.stopRequested.Load()
}

// runLoop implements the Connecting/Connected/Disconnected/
// WaitingReconnect/Reconnecting/Stopped state machine.
func (w *CameraWorker) runLoop() {
	defer func() {
		w.ctx.active.Store(false)
		close(w.done)
		w.emitter.emit(StateStopped, "worker stopped")
	}()

	for {
		if w.stopRequested() {
			return
		}

		w.emitter.emit(StateConnecting, fmt.Sprintf("connecting to %s", w.ctx.URL))
		session, info, err := w.connect()
		if err != nil {
			// Non-transient failure during Connecting: go straight to
			// WaitingReconnect without having opened anything.
			w.ctx.reconnectAttempts++
			delay := reconnectDelay(w.ctx.reconnectAttempts)
			w.emitter.emit(StateWaitingReconnect, fmt.Sprintf("%s, reconnecting in %s (attempt %d)", err.Error(), delay, w.ctx.reconnectAttempts))
			if !w.waitReconnectFor(delay) {
				return
			}
			w.emitter.emit(StateReconnecting, fmt.Sprintf("reconnecting to %s (attempt %d)", w.ctx.URL, w.ctx.reconnectAttempts))
			continue
		}
		if session == nil {
			// stopRequested fired while retrying open_input.
			return
		}

		w.ctx.reconnectAttempts = 0
		w.ctx.lastActivityMono = time.Now()
		w.emitter.emit(StateConnected, fmt.Sprintf("connected to %s", w.ctx.URL))

		w.processStream(session, info)

		_ = session.Close()

		if w.stopRequested() {
			return
		}

		w.emitter.emit(StateDisconnected, fmt.Sprintf("disconnected from %s", w.ctx.URL))

		w.ctx.reconnectAttempts++
		delay := reconnectDelay(w.ctx.reconnectAttempts)
		w.emitter.emit(StateWaitingReconnect, fmt.Sprintf("reconnecting in %s (attempt %d)", delay, w.ctx.reconnectAttempts))
		if !w.waitReconnectFor(delay) {
			return
		}
		w.emitter.emit(StateReconnecting, fmt.Sprintf("reconnecting to %s (attempt %d)", w.ctx.URL, w.ctx.reconnectAttempts))
	}
}

// connect performs open_input → find_stream → open_decoder for the
// Connecting state. open_input retries indefinitely on transient errors
// with backoff capped at 5s, via retry-go, observing stop between
// attempts. Other errors return immediately as non-retryable.
func (w *CameraWorker) connect() (BackendSession, StreamInfo, error) {
	rctx, cancel := w.stopContext()
	defer cancel()

	var session BackendSession
	err := retry.Do(
		func() error {
			s, err := w.backend.OpenInput(w.ctx.URL, w.opts)
			if err != nil {
				return err
			}
			session = s
			return nil
		},
		retry.Context(rctx),
		retry.Attempts(0),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(maxOpenRetryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(w.isTransientOpenErr),
		retry.OnRetry(func(n uint, err error) {
			getLogger().Warnf("camera %d: open_input attempt %d failed: %v, retrying", w.ctx.CameraID, n+1, err)
		}),
	)
	if err != nil {
		if rctx.Err() != nil {
			return nil, StreamInfo{}, nil
		}
		return nil, StreamInfo{}, err
	}

	session.SetInterrupt(func() bool {
		return w.stopRequested() || (w.ctx.interrupt != nil && w.ctx.interrupt.Triggered())
	})

	info, err := session.FindVideoStream(w.opts)
	if err != nil {
		_ = session.Close()
		return nil, StreamInfo{}, err
	}
	return session, info, nil
}

// stopContext returns a context cancelled when either RequestStop is
// called or the shared interrupt channel fires, so retry.Do's
// retry.Context option can abort the indefinite open_input retry loop
// promptly.
func (w *CameraWorker) stopContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if w.stopRequested() {
					cancel()
					return
				}
			case <-w.interruptC():
				cancel()
				return
			}
		}
	}()
	return ctx, func() {
		cancel()
		close(stop)
	}
}

func (w *CameraWorker) interruptC() <-chan struct{} {
	if w.ctx.interrupt == nil {
		return nil
	}
	return w.ctx.interrupt.C()
}

// processStream runs the Connected state's read/decode/select/dispatch
// loop until EOF, a non-retryable error, or a stall is detected.
func (w *CameraWorker) processStream(session BackendSession, info StreamInfo) {
	pacing := newPacingState(float64(w.ctx.TargetFPS), info.FrameRate)

	for {
		if w.stopRequested() {
			return
		}
		if time.Since(w.ctx.lastActivityMono) > w.ctx.stallTimeout {
			getLogger().Warnf("camera %d: stall detected (no activity for %s), forcing reconnect", w.ctx.CameraID, w.ctx.stallTimeout)
			return
		}

		result, err := session.ReadPacket()
		switch result {
		case ReadEOF:
			return
		case ReadError:
			getLogger().Warnf("camera %d: read error: %v", w.ctx.CameraID, err)
			return
		case ReadAgain:
			continue
		}

		frame, decRes, err := session.DecodeFrame()
		switch decRes {
		case DecodeAgain:
			continue
		case DecodeEOF:
			return
		case DecodeError:
			getLogger().Warnf("camera %d: decode error: %v", w.ctx.CameraID, err)
			return
		}

		w.ctx.lastActivityMono = time.Now()
		now := time.Now()
		pacing.observeDecodedFrame(now)

		hasPTS := frame.PTS != PTSUnset
		if !pacing.shouldSelect(hasPTS, frame.PTSSec) {
			continue
		}

		if hasPTS {
			decision := pacing.anchorAndSchedule(frame.PTSSec, time.Now())
			if decision.shouldWait {
				select {
				case <-time.After(time.Until(decision.sleepUntil)):
				case <-w.interruptC():
					return
				}
			}
		} else {
			if !pacing.wallClockDue(time.Now()) {
				interval := time.Duration(float64(time.Second) / pacing.targetFPS)
				select {
				case <-time.After(time.Until(pacing.lastFrameSentMono.Add(interval))):
				case <-w.interruptC():
					return
				}
			}
			pacing.lastFrameSentMono = time.Now()
		}

		w.convertAndDispatch(&frame)
	}
}

// convertAndDispatch reduces the decoded frame to BGR24, acquires a pool
// carrier, and pushes it onto the delivery queue.
func (w *CameraWorker) convertAndDispatch(frame *DecodedFrame) {
	bgr := toBGR24(frame)

	carrier, err := w.pool.Acquire(bgr, w.ctx.CameraID)
	if err != nil {
		getLogger().Warnf("camera %d: pool acquire failed: %v", w.ctx.CameraID, err)
		return
	}
	if carrier == nil {
		getLogger().Warnf("camera %d: frame pool exhausted, dropping frame", w.ctx.CameraID)
		return
	}

	switch w.queue.Push(carrier, w.ctx.interrupt) {
	case PushDropped:
		getLogger().Warnf("camera %d: frame queue full, dropping frame", w.ctx.CameraID)
		w.pool.Return(carrier)
	case PushAborted:
		w.pool.Return(carrier)
	}
}

// toBGR24 converts a decoded RGBA frame (as produced by backend_reisen.go)
// into a tightly-packed BGR24 SourceFrame by dropping alpha and swapping
// the red/blue channels. This is done in Go rather than by asking the
// backend to re-run swscale a second time, since reisen only ever
// produces RGBA output.
func toBGR24(frame *DecodedFrame) *SourceFrame {
	rowBytesIn := frame.Linesize
	out := make([]byte, frame.Width*3*frame.Height)
	for y := 0; y < frame.Height; y++ {
		srcRow := frame.Plane[y*rowBytesIn : y*rowBytesIn+frame.Width*4]
		dstRow := out[y*frame.Width*3 : (y+1)*frame.Width*3]
		for x := 0; x < frame.Width; x++ {
			r := srcRow[x*4+0]
			g := srcRow[x*4+1]
			b := srcRow[x*4+2]
			dstRow[x*3+0] = b
			dstRow[x*3+1] = g
			dstRow[x*3+2] = r
		}
	}
	return &SourceFrame{
		Width:    frame.Width,
		Height:   frame.Height,
		Format:   PixelFormatBGR24,
		Linesize: frame.Width * 3,
		Plane:    out,
		PTS:      frame.PTS,
	}
}

// dispatchLoop pops carriers from the delivery queue and invokes the
// host's FrameCallback. Runs until RequestStop is observed and the queue
// has drained.
func (w *CameraWorker) dispatchLoop() {
	for {
		carrier, res := w.queue.Pop(w.ctx.interrupt)
		switch res {
		case PopAborted:
			return
		case PopTimeout:
			if w.stopRequested() {
				return
			}
			continue
		}
		if w.frameCb != nil {
			w.frameCb(w.ctx.CameraID, carrier, w.frameD)
		} else {
			w.pool.Return(carrier)
		}
	}
}

// waitReconnectFor sleeps in 100ms slices for delay, returning early (and
// reporting false) if stop is observed before the delay elapses.
func (w *CameraWorker) waitReconnectFor(delay time.Duration) bool {
	deadline := time.Now().Add(delay)
	for time.Now().Before(deadline) {
		if w.stopRequested() {
			return false
		}
		time.Sleep(reconnectPollSlice)
	}
	return !w.stopRequested()
}
