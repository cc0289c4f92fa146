package camerapipeline

import (
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// PixelFormat identifies the pixel layout of a SourceFrame or FrameCarrier.
// The pool only ever produces BGR24 carriers, but acquire
// validates the caller's source format against this type so a mismatched
// frame is rejected rather than silently miscopied.
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatBGR24
)

// SourceFrame is the decoder-side view of a frame offered to the pool for
// conversion. Linesize may exceed Width*3 when the source buffer is padded
// to an alignment boundary; Pool.Acquire copies row-by-row when it does.
type SourceFrame struct {
	Width     int
	Height    int
	Format    PixelFormat
	Linesize  int
	Plane     []byte
	PTS       int64
}

// FrameCarrier is one element of the Frame pool. A carrier is
// either free (in the pool's free list, Buf nil) or in use (held by exactly
// one caller). Pool.Acquire and Pool.Return are the only valid state
// transitions.
type FrameCarrier struct {
	CameraID int
	Width    int
	Height   int
	Format   PixelFormat
	PTS      int64

	// Buf holds the tightly-packed plane: Width*3 bytes per row, Height
	// rows, no padding. Only plane 0 is populated; BGR24 has no chroma
	// planes to track separately.
	Buf []byte

	inUse bool
}

// Pool amortizes allocation of FrameCarriers and bounds the number of
// carriers outstanding at once. Grounded on the free-list +
// mutex shape of the jpeg frame pool in asicamera2's internal/jpeg
// package, generalized here from JPEG-compressed frames to raw BGR24
// planes and from a fixed ring of N frame slots to a free-list pool.
type Pool struct {
	mu       sync.Mutex
	free     []*FrameCarrier
	all      []*FrameCarrier
	capacity int

	// sem is a defense-in-depth bound on outstanding acquisitions,
	// redundant with the free-list check but cheap and makes a pool
	// leak (an acquired carrier that never comes back) visible as
	// blocked semaphore acquisitions rather than only as an empty free
	// list.
	sem *semaphore.Weighted

	initialized bool
}

// NewPool constructs an uninitialized Pool. Call Initialize before use.
func NewPool() *Pool {
	return &Pool{}
}

// Initialize allocates capacity carriers and marks them free. Idempotent:
// a second call on an already-initialized pool logs and returns nil.
func (p *Pool) Initialize(capacity int) error {
	if capacity <= 0 {
		return ErrInvalidCapacity
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		getLogger().Infof("pool: initialize called on already-initialized pool (capacity=%d), ignoring", p.capacity)
		return nil
	}

	p.all = make([]*FrameCarrier, 0, capacity)
	p.free = make([]*FrameCarrier, 0, capacity)
	for i := 0; i < capacity; i++ {
		c := &FrameCarrier{}
		p.all = append(p.all, c)
		p.free = append(p.free, c)
	}
	p.capacity = capacity
	p.sem = semaphore.NewWeighted(int64(capacity))
	p.initialized = true
	getLogger().Infof("pool: initialized with capacity=%d", capacity)
	return nil
}

// Acquire validates src and, if a free carrier is available, copies its
// plane data into a freshly-sized buffer and returns the now-in-use
// carrier. Returns (nil, nil) — not an error — when the pool is exhausted;
// callers are expected to drop the frame and log a warning in that case.
func (p *Pool) Acquire(src *SourceFrame, cameraID int) (*FrameCarrier, error) {
	if !p.initialized {
		return nil, ErrPoolNotInitialized
	}
	if src == nil || src.Format != PixelFormatBGR24 || src.Width <= 0 || src.Height <= 0 || src.Linesize <= 0 {
		return nil, ErrInvalidFrame
	}

	if !p.sem.TryAcquire(1) {
		return nil, nil
	}

	p.mu.Lock()
	n := len(p.free)
	var carrier *FrameCarrier
	if n > 0 {
		carrier = p.free[n-1]
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if carrier == nil {
		// Free list and semaphore disagree; release the permit we
		// took and report exhaustion like the free-list path does.
		p.sem.Release(1)
		return nil, nil
	}

	rowBytes := src.Width * 3
	buf := make([]byte, rowBytes*src.Height)
	if src.Linesize == rowBytes {
		copy(buf, src.Plane[:rowBytes*src.Height])
	} else {
		for row := 0; row < src.Height; row++ {
			srcOff := row * src.Linesize
			dstOff := row * rowBytes
			copy(buf[dstOff:dstOff+rowBytes], src.Plane[srcOff:srcOff+rowBytes])
		}
	}

	carrier.CameraID = cameraID
	carrier.Width = src.Width
	carrier.Height = src.Height
	carrier.Format = PixelFormatBGR24
	carrier.PTS = src.PTS
	carrier.Buf = buf
	carrier.inUse = true

	return carrier, nil
}

// Return releases carrier back to the free list. Safe to call with nil.
// Calling it twice for the same carrier is a caller bug; Return detects
// the double-free and logs loudly rather than corrupting the free list.
func (p *Pool) Return(carrier *FrameCarrier) {
	if carrier == nil {
		return
	}

	p.mu.Lock()
	if !carrier.inUse {
		p.mu.Unlock()
		getLogger().Errorf("pool: double-return of carrier for camera %d, ignoring", carrier.CameraID)
		return
	}
	carrier.Buf = nil
	carrier.inUse = false
	p.free = append(p.free, carrier)
	p.mu.Unlock()

	p.sem.Release(1)
}

// Destroy fails loudly if any carrier is still in use, then force-frees
// everything so a careless shutdown path can't leak carriers.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.initialized {
		return nil
	}

	inUse := 0
	for _, c := range p.all {
		if c.inUse {
			inUse++
			c.Buf = nil
			c.inUse = false
		}
	}
	if inUse > 0 {
		getLogger().Errorf("pool: destroy called with %d carrier(s) still in use, force-freeing", inUse)
	}

	p.all = nil
	p.free = nil
	p.initialized = false

	if inUse > 0 {
		return fmt.Errorf("camerapipeline: pool destroyed with %d carrier(s) in use", inUse)
	}
	return nil
}

// Stats reports the pool's current outstanding/free counts, primarily for
// tests and diagnostics.
func (p *Pool) Stats() (capacity, free, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity, len(p.free), p.capacity - len(p.free)
}
