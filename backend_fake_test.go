package camerapipeline

import (
	"errors"
	"sync"
	"sync/atomic"
)

// fakeBackend is a deterministic, in-memory Backend used by worker and
// supervisor tests so they don't depend on a real RTSP source or FFmpeg
// binding. Each URL maps to a script of scripted frames/errors consumed in
// order by fakeSession.
type fakeBackend struct {
	mu      sync.Mutex
	scripts map[string]*fakeScript
	opens   int32
}

type fakeScript struct {
	openErr     error // returned by each open attempt while openErrLeft > 0
	openErrLeft int
	info        StreamInfo
	frames      []DecodedFrame
	readErr     error // returned after frames are exhausted, instead of ReadEOF
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{scripts: make(map[string]*fakeScript)}
}

func (b *fakeBackend) setScript(url string, s *fakeScript) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[url] = s
}

func (b *fakeBackend) OpenInput(url string, _ BackendOptions) (BackendSession, error) {
	atomic.AddInt32(&b.opens, 1)

	b.mu.Lock()
	s, ok := b.scripts[url]
	b.mu.Unlock()
	if !ok {
		return nil, errors.New("fakeBackend: no script for url " + url)
	}

	if s.openErrLeft > 0 {
		s.openErrLeft--
		return nil, s.openErr
	}

	frames := make([]DecodedFrame, len(s.frames))
	copy(frames, s.frames)
	return &fakeSession{info: s.info, frames: frames, readErr: s.readErr}, nil
}

// fakeSession replays a fixed frame script: each ReadPacket call advances
// to the next scripted frame, and the following DecodeFrame call returns
// it.
type fakeSession struct {
	info        StreamInfo
	frames      []DecodedFrame
	readErr     error
	pos         int
	pendingRead bool
	interrupted atomic.Bool
	predicate   atomic.Value
}

func (s *fakeSession) FindVideoStream(BackendOptions) (StreamInfo, error) {
	return s.info, nil
}

func (s *fakeSession) ReadPacket() (ReadResult, error) {
	if p, ok := s.predicate.Load().(func() bool); ok && p != nil && p() {
		return ReadError, errInterrupted
	}
	if s.pos >= len(s.frames) {
		if s.readErr != nil {
			return ReadError, s.readErr
		}
		return ReadEOF, nil
	}
	s.pendingRead = true
	return ReadOK, nil
}

func (s *fakeSession) DecodeFrame() (DecodedFrame, DecodeResult, error) {
	if !s.pendingRead {
		return DecodedFrame{}, DecodeAgain, nil
	}
	s.pendingRead = false
	frame := s.frames[s.pos]
	s.pos++
	return frame, DecodeOK, nil
}

func (s *fakeSession) SetInterrupt(predicate func() bool) {
	s.predicate.Store(predicate)
}

func (s *fakeSession) Close() error { return nil }

func alwaysTransient(error) bool { return true }
func neverTransient(error) bool  { return false }
