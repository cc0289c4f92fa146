package camerapipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameQueue_PushPopFIFO(t *testing.T) {
	q := NewFrameQueue(4)

	for i := 0; i < 3; i++ {
		res := q.Push(&FrameCarrier{CameraID: i}, nil)
		require.Equal(t, PushAccepted, res)
	}

	for i := 0; i < 3; i++ {
		frame, res := q.Pop(nil)
		require.Equal(t, PopOK, res)
		require.Equal(t, i, frame.CameraID)
	}

	assert.True(t, q.IsEmpty())
}

func TestFrameQueue_ZeroOrNegativeCapacityDefaultsTo100(t *testing.T) {
	q := NewFrameQueue(0)
	_, capacity, _ := q.Stats()
	assert.Equal(t, 100, capacity)

	q = NewFrameQueue(-5)
	_, capacity, _ = q.Stats()
	assert.Equal(t, 100, capacity)
}

func TestFrameQueue_PopTimeout(t *testing.T) {
	q := NewFrameQueue(1)
	start := time.Now()
	_, res := q.Pop(nil)
	elapsed := time.Since(start)
	assert.Equal(t, PopTimeout, res)
	assert.GreaterOrEqual(t, elapsed, queuePopTimeout)
}

func TestFrameQueue_PushDropsOnTimeoutWhenFull(t *testing.T) {
	q := NewFrameQueue(1)
	require.Equal(t, PushAccepted, q.Push(&FrameCarrier{CameraID: 1}, nil))

	res := q.Push(&FrameCarrier{CameraID: 2}, nil)
	assert.Equal(t, PushDropped, res)

	_, _, dropped := q.Stats()
	assert.EqualValues(t, 1, dropped)
}

func TestFrameQueue_PushAbortsOnInterrupt(t *testing.T) {
	q := NewFrameQueue(1)
	require.Equal(t, PushAccepted, q.Push(&FrameCarrier{CameraID: 1}, nil))

	stop := newInterruptSignal()
	var wg sync.WaitGroup
	wg.Add(1)
	var res PushResult
	go func() {
		defer wg.Done()
		res = q.Push(&FrameCarrier{CameraID: 2}, stop)
	}()

	time.Sleep(20 * time.Millisecond)
	stop.Trigger()
	wg.Wait()

	assert.Equal(t, PushAborted, res)
}

func TestFrameQueue_PopAbortsOnInterrupt(t *testing.T) {
	q := NewFrameQueue(1)
	stop := newInterruptSignal()

	var wg sync.WaitGroup
	wg.Add(1)
	var res PopResult
	go func() {
		defer wg.Done()
		_, res = q.Pop(stop)
	}()

	time.Sleep(20 * time.Millisecond)
	stop.Trigger()
	wg.Wait()

	assert.Equal(t, PopAborted, res)
}

func TestFrameQueue_PopWakesOnPush(t *testing.T) {
	q := NewFrameQueue(2)

	var wg sync.WaitGroup
	wg.Add(1)
	var frame *FrameCarrier
	var res PopResult
	go func() {
		defer wg.Done()
		frame, res = q.Pop(nil)
	}()

	time.Sleep(20 * time.Millisecond)
	require.Equal(t, PushAccepted, q.Push(&FrameCarrier{CameraID: 9}, nil))
	wg.Wait()

	assert.Equal(t, PopOK, res)
	require.NotNil(t, frame)
	assert.Equal(t, 9, frame.CameraID)
}

func TestFrameQueue_IsFull(t *testing.T) {
	q := NewFrameQueue(1)
	assert.False(t, q.IsFull())
	require.Equal(t, PushAccepted, q.Push(&FrameCarrier{}, nil))
	assert.True(t, q.IsFull())
}
