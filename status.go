package camerapipeline

// CameraState is the finite set of states a Worker can be in. Exactly one
// state applies to a given camera at any instant.
type CameraState int

const (
	StateStopped CameraState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateWaitingReconnect
	StateReconnecting
)

func (s CameraState) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	case StateWaitingReconnect:
		return "WaitingReconnect"
	case StateReconnecting:
		return "Reconnecting"
	default:
		return "Unknown"
	}
}

// StatusCallback is invoked on every camera state transition, and again
// whenever the accompanying message changes for the same state. It is
// never called while the Supervisor's registry mutex is held. data is the
// opaque pointer passed to AddCamera, threaded back unmodified so host
// code can recover per-camera context without a map lookup.
type StatusCallback func(cameraID int, state CameraState, message string, data any)

// FrameCallback delivers one decoded BGR24 frame to the analytics host.
// The host owns carrier until it calls Pool.Return; the Worker must not
// touch it again after the callback returns.
type FrameCallback func(cameraID int, carrier *FrameCarrier, data any)

// statusEmitter tracks the last (state, message) pair emitted for one
// camera so the Worker can suppress duplicate transitions: callbacks fire
// only on an actual state change or a change in the accompanying message.
type statusEmitter struct {
	cb      StatusCallback
	data    any
	id      int
	hasLast bool
	lastSt  CameraState
	lastMsg string
}

func newStatusEmitter(id int, cb StatusCallback, data any) *statusEmitter {
	return &statusEmitter{cb: cb, data: data, id: id}
}

func (e *statusEmitter) emit(state CameraState, message string) {
	if e.cb == nil {
		return
	}
	if e.hasLast && e.lastSt == state && e.lastMsg == message {
		return
	}
	e.hasLast = true
	e.lastSt = state
	e.lastMsg = message
	e.cb(e.id, state, message, e.data)
}
