package hub

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"workerhub/internal/protocol"
)

// Transport is the framed, bidirectional link to one worker. Implementations
// must be safe for concurrent use.
type Transport interface {
	Send(data []byte) error
	Ping() error
	Close(code int, reason string) error
	RemoteAddr() string
}

// ConnState is the handshake state of a worker connection
type ConnState int

const (
	StateConnecting ConnState = iota
	StateAuthenticated
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

var connSeq atomic.Uint64

// WorkerConn is one live transport connection and the metadata the hub
// keeps for it
type WorkerConn struct {
	transport   Transport
	seq         uint64
	connectedAt time.Time

	mu              sync.Mutex
	workerID        string
	state           ConnState
	capabilities    *protocol.Capabilities
	load            float64
	activeTasks     int
	dockerAvailable bool
	keysSent        bool
	keysReceived    bool
	lastHeartbeat   time.Time
	authTimer       *time.Timer

	closeOnce sync.Once
	done      chan struct{}
}

// WorkerInfo is a point-in-time copy of a worker's metadata
type WorkerInfo struct {
	WorkerID        string                 `json:"workerId"`
	RemoteAddr      string                 `json:"remoteAddr"`
	Capabilities    *protocol.Capabilities `json:"capabilities"`
	Load            float64                `json:"load"`
	ActiveTasks     int                    `json:"activeTasks"`
	DockerAvailable bool                   `json:"dockerAvailable"`
	KeysReceived    bool                   `json:"keysReceived"`
	ConnectedAt     time.Time              `json:"connectedAt"`
	LastHeartbeat   *time.Time             `json:"lastHeartbeat,omitempty"`
}

func newWorkerConn(transport Transport) *WorkerConn {
	return &WorkerConn{
		transport:   transport,
		seq:         connSeq.Add(1),
		connectedAt: time.Now(),
		state:       StateConnecting,
		done:        make(chan struct{}),
	}
}

// WorkerID returns the identity bound at auth time, empty before that
func (c *WorkerConn) WorkerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerID
}

// State returns the handshake state
func (c *WorkerConn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteAddr returns the peer address of the transport
func (c *WorkerConn) RemoteAddr() string {
	return c.transport.RemoteAddr()
}

// Done is closed once the connection has been torn down
func (c *WorkerConn) Done() <-chan struct{} {
	return c.done
}

// Info returns a snapshot of the connection metadata
func (c *WorkerConn) Info() WorkerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := WorkerInfo{
		WorkerID:        c.workerID,
		RemoteAddr:      c.transport.RemoteAddr(),
		Load:            c.load,
		ActiveTasks:     c.activeTasks,
		DockerAvailable: c.dockerAvailable,
		KeysReceived:    c.keysReceived,
		ConnectedAt:     c.connectedAt,
	}
	if c.capabilities != nil {
		caps := *c.capabilities
		caps.Tags = append([]string(nil), c.capabilities.Tags...)
		info.Capabilities = &caps
	}
	if !c.lastHeartbeat.IsZero() {
		last := c.lastHeartbeat
		info.LastHeartbeat = &last
	}
	return info
}

// Send encodes msg and writes it to the worker
func (c *WorkerConn) Send(msg protocol.Outbound) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.transport.Send(data); err != nil {
		return fmt.Errorf("failed to send %s: %w", msg.MessageType(), err)
	}
	return nil
}

// close shuts the transport down once and reports whether this call did it
func (c *WorkerConn) close(code int, reason string) (closed bool) {
	c.closeOnce.Do(func() {
		closed = true
		c.mu.Lock()
		c.state = StateDisconnected
		if c.authTimer != nil {
			c.authTimer.Stop()
		}
		c.mu.Unlock()

		_ = c.transport.Close(code, reason)
		close(c.done)
	})
	return closed
}

func (c *WorkerConn) isAuthenticated() bool {
	return c.State() == StateAuthenticated
}

// score is the placement cost of this worker; lower is better
func (c *WorkerConn) score() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return placementScore(c.load, c.activeTasks)
}

// addActiveTasks adjusts the task count, never going below zero
func (c *WorkerConn) addActiveTasks(delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeTasks += delta
	if c.activeTasks < 0 {
		c.activeTasks = 0
	}
	return c.activeTasks
}

// applyHeartbeat stores a heartbeat and reports whether credentials should
// be pushed to this worker now
func (c *WorkerConn) applyHeartbeat(hb *protocol.Heartbeat) (syncKeys bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.load = hb.Load
	c.activeTasks = hb.ActiveTasks
	if hb.Capabilities != nil {
		c.capabilities = hb.Capabilities
	}
	c.dockerAvailable = hb.DockerAvailable
	c.lastHeartbeat = time.Now()

	if c.dockerAvailable && !c.keysReceived && !c.keysSent {
		c.keysSent = true
		return true
	}
	return false
}

func (c *WorkerConn) markKeysReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keysReceived = true
}

// resetKeysSent allows another keys:sync after a failed push
func (c *WorkerConn) resetKeysSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keysSent = false
}

func (c *WorkerConn) dockerReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dockerAvailable && c.keysReceived
}

func (c *WorkerConn) matches(req *Requirements) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return req.Matches(c.capabilities)
}
