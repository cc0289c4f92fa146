package camerapipeline

import (
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	joinPollInterval = 100 * time.Millisecond
	joinTimeout      = 3 * time.Second

	// maxURLLength bounds a camera source URL; it exists independently
	// of MaxCameras so a single pathological URL can't be used to probe
	// for unbounded-allocation behavior.
	maxURLLength = 1024

	// defaultMaxCameras is used when Config.MaxCameras is left at its
	// zero value, mirroring resolvedPoolCapacity's treatment of zero as
	// "unset" rather than "allow none".
	defaultMaxCameras = 128
)

// Supervisor is the control surface's backing implementation: an ID
// registry, creation/stop/shutdown orchestration, and owner
// of the process-wide interrupt channel and Frame pool. Grounded on
// camera_thread.c's camera_manager_t / the registry-of-contexts pattern
// it implements in C, expressed here as a mutex-guarded Go map, and on
// the bounded-join shutdown shape common across the pack's worker-pool
// code (e.g. the gtfodev-camsRelay multi-camera example's graceful
// shutdown).
type Supervisor struct {
	mu          sync.Mutex
	workers     map[int]*CameraWorker
	initialized bool

	pool      *Pool
	interrupt *interruptSignal

	cfg Config
}

// NewSupervisor constructs an uninitialized Supervisor. Call Initialize
// before adding cameras.
func NewSupervisor() *Supervisor {
	return &Supervisor{}
}

// Initialize creates the registry, interrupt channel, and Frame pool.
// Idempotent.
func (s *Supervisor) Initialize(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		getLogger().Infof("supervisor: initialize called twice, ignoring")
		return nil
	}

	s.workers = make(map[int]*CameraWorker)
	s.interrupt = newInterruptSignal()
	s.pool = NewPool()
	if err := s.pool.Initialize(cfg.resolvedPoolCapacity()); err != nil {
		return err
	}
	s.cfg = cfg
	s.initialized = true
	getLogger().Infof("supervisor: initialized (pool capacity=%d, queue capacity=%d)", cfg.resolvedPoolCapacity(), cfg.QueueCapacity)
	return nil
}

// AddCamera validates inputs, allocates a WorkerContext, registers it, and
// starts its Worker.
func (s *Supervisor) AddCamera(
	id int,
	url string,
	statusCb StatusCallback,
	frameCb FrameCallback,
	statusData, frameData any,
	targetFPS int,
) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	if url == "" || len(url) > maxURLLength {
		s.mu.Unlock()
		return ErrInvalidURL
	}
	if _, exists := s.workers[id]; exists {
		s.mu.Unlock()
		return ErrCameraIDInUse
	}
	if len(s.workers) >= s.resolvedMaxCamerasLocked() {
		s.mu.Unlock()
		return ErrTooManyCameras
	}

	if targetFPS <= 0 {
		targetFPS = 1
	}

	wctx := &WorkerContext{
		CameraID:     id,
		URL:          url,
		TargetFPS:    targetFPS,
		interrupt:    s.interrupt,
		stallTimeout: s.cfg.StallTimeout,
	}
	if wctx.stallTimeout == 0 {
		wctx.stallTimeout = defaultStallTimeout
	}

	worker := NewCameraWorker(wctx, NewReisenBackend(), s.pool, s.cfg.QueueCapacity, statusCb, frameCb, statusData, frameData)
	s.workers[id] = worker
	s.mu.Unlock()

	worker.Start()
	return nil
}

// resolvedMaxCamerasLocked reports the registration limit in effect,
// falling back to defaultMaxCameras when Config.MaxCameras was left unset.
// Callers must hold s.mu.
func (s *Supervisor) resolvedMaxCamerasLocked() int {
	if s.cfg.MaxCameras > 0 {
		return s.cfg.MaxCameras
	}
	return defaultMaxCameras
}

// StopCamera marks the camera's stop flag, removes it from the registry
// immediately (so the id can be reused), and performs a bounded join on
// its Worker.
func (s *Supervisor) StopCamera(id int) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	worker, ok := s.workers[id]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownCameraID
	}
	delete(s.workers, id)
	s.mu.Unlock()

	worker.RequestStop()
	if !worker.Join(joinTimeout) {
		getLogger().Warnf("camera %d: worker did not stop within %s, proceeding; it will finish in the background", id, joinTimeout)
	}
	return nil
}

// Shutdown signals every live worker to stop, clears the registry, and
// joins each with the same bounded policy before destroying the Frame
// pool. Uses golang.org/x/sync/errgroup to join concurrently rather than
// serially, so shutdown latency is bounded by the slowest single worker
// rather than the sum of all of them.
func (s *Supervisor) Shutdown() error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil
	}
	workers := make([]*CameraWorker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.workers = make(map[int]*CameraWorker)
	s.mu.Unlock()

	s.interrupt.Trigger()

	var g errgroup.Group
	for _, w := range workers {
		w := w
		w.RequestStop()
		g.Go(func() error {
			if !w.Join(joinTimeout) {
				getLogger().Warnf("camera %d: worker did not stop within %s during shutdown, proceeding", w.ctx.CameraID, joinTimeout)
			}
			return nil
		})
	}
	_ = g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.pool.Destroy()
	s.initialized = false
	return err
}

// CameraCount reports how many cameras are currently registered, mainly
// for tests and status reporting in cmd/camerapipelined.
func (s *Supervisor) CameraCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// ReturnFrame returns carrier to the Frame pool. Hosts that only observe
// frames (rather than retaining them) call this at the end of their
// FrameCallback's ownership rule.
func (s *Supervisor) ReturnFrame(carrier *FrameCarrier) {
	s.mu.Lock()
	pool := s.pool
	s.mu.Unlock()
	if pool != nil {
		pool.Return(carrier)
	}
}
