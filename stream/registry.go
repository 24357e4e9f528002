package stream

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ConnectionRegistry hands out the one connection per experiment.
// An explicit service, constructed and shut down by the caller, rather
// than an ambient package global. Entries are created lazily on first
// use and drop out after the connection's idle close.
type ConnectionRegistry struct {
	ctx    context.Context
	cancel context.CancelFunc

	dial     TransportDialer
	settings *ConnectionSettings

	mutex       sync.Mutex
	connections map[string]*Connection
}

func NewConnectionRegistryWithDefaults(ctx context.Context, dial TransportDialer) *ConnectionRegistry {
	return NewConnectionRegistry(ctx, dial, DefaultConnectionSettings())
}

func NewConnectionRegistry(
	ctx context.Context,
	dial TransportDialer,
	settings *ConnectionSettings,
) *ConnectionRegistry {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionRegistry{
		ctx:         cancelCtx,
		cancel:      cancel,
		dial:        dial,
		settings:    settings,
		connections: map[string]*Connection{},
	}
}

func (self *ConnectionRegistry) connection(experimentId string) *Connection {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	connection, ok := self.connections[experimentId]
	if ok && connection.IsClosed() {
		// the idle close committed but its drop callback has not run
		// yet. The entry is dead either way.
		delete(self.connections, experimentId)
		ok = false
	}
	if !ok {
		var c *Connection
		c = NewConnection(
			self.ctx,
			experimentId,
			self.dial,
			func() {
				self.remove(experimentId, c)
			},
			self.settings,
		)
		connection = c
		self.connections[experimentId] = connection
		glog.V(1).Infof("[r]open %s\n", experimentId)
	}
	return connection
}

func (self *ConnectionRegistry) remove(experimentId string, connection *Connection) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	// a racing subscribe may have already replaced the entry; only
	// drop it while it still maps to this connection
	if self.connections[experimentId] == connection {
		delete(self.connections, experimentId)
		glog.V(1).Infof("[r]drop %s\n", experimentId)
	}
}

// Subscribe attaches a message handler to the experiment's stream,
// creating the connection if needed. The returned unsubscribe function
// is idempotent. An entry caught mid idle close is replaced and the
// subscribe retried, so a subscriber never lands on a closing
// connection.
func (self *ConnectionRegistry) Subscribe(experimentId string, callback MessageFunction) func() {
	for {
		if unsub, ok := self.connection(experimentId).Subscribe(callback); ok {
			return unsub
		}
	}
}

func (self *ConnectionRegistry) AddStateListener(experimentId string, callback StateFunction) func() {
	return self.connection(experimentId).AddStateListener(callback)
}

// State reports disconnected for experiments with no entry.
func (self *ConnectionRegistry) State(experimentId string) ConnectionState {
	self.mutex.Lock()
	connection, ok := self.connections[experimentId]
	self.mutex.Unlock()

	if !ok {
		return ConnectionStateDisconnected
	}
	return connection.State()
}

func (self *ConnectionRegistry) Retry(experimentId string) {
	self.mutex.Lock()
	connection, ok := self.connections[experimentId]
	self.mutex.Unlock()

	if ok {
		connection.Retry()
	}
}

func (self *ConnectionRegistry) ActiveExperimentIds() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	experimentIds := maps.Keys(self.connections)
	slices.Sort(experimentIds)
	return experimentIds
}

func (self *ConnectionRegistry) Shutdown() {
	self.mutex.Lock()
	connections := maps.Values(self.connections)
	self.connections = map[string]*Connection{}
	self.mutex.Unlock()

	for _, connection := range connections {
		connection.Close()
	}
	self.cancel()
}
