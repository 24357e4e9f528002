package stream

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
	ConnectionStateConnected    ConnectionState = "connected"
	// terminal. No transition leaves completed.
	ConnectionStateCompleted ConnectionState = "completed"
)

type MessageFunction = func(message StreamMessage)
type StateFunction = func(state ConnectionState, attempts int, nextDelay time.Duration)

type ConnectionSettings struct {
	HeartbeatTimeout time.Duration
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	// 0 means reconnect forever
	MaxReconnectAttempts int
	IdleTimeout          time.Duration
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		HeartbeatTimeout: 10 * time.Second,
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		IdleTimeout:      60 * time.Second,
	}
}

// Connection owns the single logical stream for one experiment:
// reconnect with exponential backoff, heartbeat, terminal-closure
// detection, and fan-out to subscribers. All failures are absorbed into
// state transitions; no public call returns an error or panics.
type Connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	experimentId string
	dial         TransportDialer
	// called after an idle close so the owner can drop its entry
	idleCloseFunc func()
	settings      *ConnectionSettings

	messageCallbacks *CallbackList[MessageFunction]
	stateCallbacks   *CallbackList[StateFunction]

	mutex sync.Mutex
	state ConnectionState
	// latched by the server's final+close_connection status, checked by
	// every later start/retry. Independent of `state` so that the latch
	// is set before the transport close is observed.
	terminal bool
	// latched by Close and by a committed idle close. A closed
	// connection refuses new subscribers; the owner must hand out a
	// fresh one.
	closed          bool
	started         bool
	attempts        int
	nextDelay       time.Duration
	transport       Transport
	sessionCancel   context.CancelFunc
	reconnectAction *delayedAction
	idleAction      *delayedAction
	subscriberCount int
}

func NewConnectionWithDefaults(
	ctx context.Context,
	experimentId string,
	dial TransportDialer,
) *Connection {
	return NewConnection(ctx, experimentId, dial, nil, DefaultConnectionSettings())
}

func NewConnection(
	ctx context.Context,
	experimentId string,
	dial TransportDialer,
	idleCloseFunc func(),
	settings *ConnectionSettings,
) *Connection {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Connection{
		ctx:              cancelCtx,
		cancel:           cancel,
		experimentId:     experimentId,
		dial:             dial,
		idleCloseFunc:    idleCloseFunc,
		settings:         settings,
		messageCallbacks: NewCallbackList[MessageFunction](),
		stateCallbacks:   NewCallbackList[StateFunction](),
		state:            ConnectionStateDisconnected,
	}
}

func (self *Connection) ExperimentId() string {
	return self.experimentId
}

func (self *Connection) State() ConnectionState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

// Subscribe adds a message handler and lazily opens the stream. The
// returned unsubscribe function is idempotent. When the last subscriber
// leaves, an idle-close timer arms; a new subscriber cancels it.
// Returns false without attaching when the connection is already
// closed. The caller must then use a fresh connection.
func (self *Connection) Subscribe(callback MessageFunction) (func(), bool) {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return func() {}, false
	}
	remove := self.messageCallbacks.Add(callback)
	self.idleAction.Cancel()
	self.idleAction = nil
	self.subscriberCount += 1
	started := self.started
	self.started = true
	self.mutex.Unlock()

	if !started {
		self.start()
	}

	unsubOnce := &sync.Once{}
	return func() {
		unsubOnce.Do(func() {
			remove()
			self.mutex.Lock()
			self.subscriberCount -= 1
			if self.subscriberCount == 0 && !self.closed {
				self.idleAction.Cancel()
				self.idleAction = scheduleAction(self.settings.IdleTimeout, self.idleClose)
			}
			self.mutex.Unlock()
		})
	}, true
}

// AddStateListener registers a listener for
// (state, attempts, next retry delay), called once immediately with the
// current values.
func (self *Connection) AddStateListener(callback StateFunction) func() {
	remove := self.stateCallbacks.Add(callback)

	self.mutex.Lock()
	state := self.state
	attempts := self.attempts
	nextDelay := self.nextDelay
	self.mutex.Unlock()

	self.safeCallState(callback, state, attempts, nextDelay)
	return remove
}

// Retry manually re-attempts a disconnected stream, resetting the
// attempt counter. A no-op after terminal closure, forever.
func (self *Connection) Retry() {
	self.mutex.Lock()
	if self.terminal || self.state != ConnectionStateDisconnected {
		self.mutex.Unlock()
		return
	}
	self.attempts = 0
	self.nextDelay = 0
	self.reconnectAction.Cancel()
	self.reconnectAction = nil
	self.mutex.Unlock()

	self.start()
}

func (self *Connection) Close() {
	self.cancel()

	self.mutex.Lock()
	self.closed = true
	self.reconnectAction.Cancel()
	self.reconnectAction = nil
	self.idleAction.Cancel()
	self.idleAction = nil
	if self.sessionCancel != nil {
		self.sessionCancel()
		self.sessionCancel = nil
	}
	transport := self.transport
	self.transport = nil
	stateChanged := false
	if self.state != ConnectionStateCompleted && self.state != ConnectionStateDisconnected {
		self.state = ConnectionStateDisconnected
		stateChanged = true
	}
	self.mutex.Unlock()

	if transport != nil {
		transport.Close()
	}
	if stateChanged {
		self.notifyState()
	}
}

// IsClosed reports whether the connection has committed to closing.
// A closed connection refuses new subscribers.
func (self *Connection) IsClosed() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.closed
}

func (self *Connection) start() {
	self.mutex.Lock()
	if self.terminal ||
		self.ctx.Err() != nil ||
		self.state == ConnectionStateCompleted ||
		self.state == ConnectionStateReconnecting ||
		self.state == ConnectionStateConnected {
		self.mutex.Unlock()
		return
	}
	self.state = ConnectionStateReconnecting
	self.mutex.Unlock()
	self.notifyState()

	go self.connect()
}

func (self *Connection) connect() {
	transport, err := self.dial(self.ctx, self.experimentId)
	if err != nil {
		glog.Infof("[c]%s dial error = %s\n", self.experimentId, err)
		self.handleClose(nil, err)
		return
	}

	self.mutex.Lock()
	if self.terminal || self.ctx.Err() != nil {
		self.mutex.Unlock()
		transport.Close()
		self.handleClose(nil, nil)
		return
	}
	sessionCtx, sessionCancel := context.WithCancel(self.ctx)
	self.transport = transport
	self.sessionCancel = sessionCancel
	self.attempts = 0
	self.nextDelay = 0
	self.state = ConnectionStateConnected
	self.mutex.Unlock()
	self.notifyState()

	go self.heartbeat(sessionCtx, transport)
	go self.readLoop(transport)
}

func (self *Connection) heartbeat(ctx context.Context, transport Transport) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.HeartbeatTimeout):
			if err := transport.WriteFrame(pingFrame()); err != nil {
				glog.V(2).Infof("[c]%s heartbeat error = %s\n", self.experimentId, err)
				return
			}
			glog.V(2).Infof("[c]%s->ping\n", self.experimentId)
		}
	}
}

func (self *Connection) readLoop(transport Transport) {
	for {
		frame, err := transport.ReadFrame()
		if err != nil {
			self.handleClose(transport, err)
			return
		}
		self.handleFrame(transport, frame)
	}
}

func (self *Connection) handleFrame(transport Transport, frame []byte) {
	message, err := DecodeStreamMessage(frame)
	if err != nil {
		if err != errIgnoredFrame {
			glog.Infof("[c]%s drop frame = %s\n", self.experimentId, err)
		}
		return
	}

	// latch terminal shutdown before closing the transport, so that a
	// racing retry cannot reopen after the close is observed
	if statusEvent, ok := message.(*StatusEvent); ok && statusEvent.Status.IsTerminal() {
		self.mutex.Lock()
		self.terminal = true
		self.mutex.Unlock()
		glog.Infof("[c]%s terminal status\n", self.experimentId)
	}

	for _, callback := range self.messageCallbacks.Get() {
		self.safeCallMessage(callback, message)
	}

	self.mutex.Lock()
	terminal := self.terminal
	self.mutex.Unlock()
	if terminal {
		transport.Close()
	}
}

// handleClose drives the post-close transition for one session:
// completed on terminal or normal closure, otherwise disconnected with a
// single-flight backoff reconnect.
func (self *Connection) handleClose(transport Transport, err error) {
	self.mutex.Lock()
	if transport != nil && self.transport != transport {
		// stale session
		self.mutex.Unlock()
		return
	}
	if self.sessionCancel != nil {
		self.sessionCancel()
		self.sessionCancel = nil
	}
	if self.transport != nil {
		self.transport.Close()
		self.transport = nil
	}

	if self.terminal || (err != nil && isNormalClose(err)) {
		self.state = ConnectionStateCompleted
		self.reconnectAction.Cancel()
		self.reconnectAction = nil
		self.nextDelay = 0
		self.mutex.Unlock()
		self.notifyState()
		glog.Infof("[c]%s completed\n", self.experimentId)
		return
	}

	self.state = ConnectionStateDisconnected

	if self.ctx.Err() != nil {
		self.mutex.Unlock()
		self.notifyState()
		return
	}

	self.attempts += 1
	if 0 < self.settings.MaxReconnectAttempts && self.settings.MaxReconnectAttempts < self.attempts {
		// gave up. Distinct from completed: a manual retry is still
		// meaningful.
		glog.Infof("[c]%s gave up after %d attempts\n", self.experimentId, self.attempts-1)
		self.nextDelay = 0
		self.mutex.Unlock()
		self.notifyState()
		return
	}
	delay := backoffDelay(self.attempts, self.settings)
	self.nextDelay = delay
	self.reconnectAction.Cancel()
	self.reconnectAction = scheduleAction(delay, self.start)
	self.mutex.Unlock()
	self.notifyState()
	glog.V(1).Infof("[c]%s reconnect %d in %s\n", self.experimentId, self.attempts, delay)
}

func backoffDelay(attempts int, settings *ConnectionSettings) time.Duration {
	delay := settings.InitialBackoff
	for i := 1; i < attempts; i += 1 {
		delay *= 2
		if settings.MaxBackoff <= delay {
			return settings.MaxBackoff
		}
	}
	return min(delay, settings.MaxBackoff)
}

// idleClose commits in the same critical section as the subscriber
// count check. A subscriber arriving after the commit is refused by
// Subscribe and must attach through a fresh connection.
func (self *Connection) idleClose() {
	self.mutex.Lock()
	if 0 < self.subscriberCount || self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	self.mutex.Unlock()

	glog.V(1).Infof("[c]%s idle close\n", self.experimentId)
	if self.idleCloseFunc != nil {
		self.idleCloseFunc()
	}
	self.Close()
}

func (self *Connection) notifyState() {
	self.mutex.Lock()
	state := self.state
	attempts := self.attempts
	nextDelay := self.nextDelay
	self.mutex.Unlock()

	for _, callback := range self.stateCallbacks.Get() {
		self.safeCallState(callback, state, attempts, nextDelay)
	}
}

// one subscriber panicking must not starve the rest
func (self *Connection) safeCallMessage(callback MessageFunction, message StreamMessage) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[c]%s subscriber panic = %v\n", self.experimentId, r)
		}
	}()
	callback(message)
}

func (self *Connection) safeCallState(
	callback StateFunction,
	state ConnectionState,
	attempts int,
	nextDelay time.Duration,
) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[c]%s state listener panic = %v\n", self.experimentId, r)
		}
	}()
	callback(state, attempts, nextDelay)
}
