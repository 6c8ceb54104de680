// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hub accepts worker connections and routes work to them: tool
// calls, agent calls, agent tasks and Docker tasks.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"workerhub/internal/bus"
	"workerhub/internal/logger"
	"workerhub/internal/metrics"
	"workerhub/internal/protocol"
	"workerhub/internal/store"
)

// ErrWorkerNotFound is returned when no authenticated worker has the given ID
var ErrWorkerNotFound = errors.New("worker not found")

// effectQueueSize bounds the backlog of pending store writes
const effectQueueSize = 256

// Hub owns every worker connection and the routing state around them
type Hub struct {
	config   *Config
	logger   zerolog.Logger
	jwt      *JWTService
	registry *Registry
	calls    *callTable
	sessions *sessionTable
	docker   *dockerTable
	tasks    *taskTable
	dedupe   *CommandDedupe

	keys          *WorkerKeys
	store         store.Store
	bus           bus.Bus
	resultHandler TaskResultHandler

	effects chan storeEffect
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures optional collaborators of the hub
type Option func(*Hub)

// WithStore records worker and task state in s on a best-effort basis
func WithStore(s store.Store) Option {
	return func(h *Hub) { h.store = s }
}

// WithBus enables Docker task commands and results over b
func WithBus(b bus.Bus) Option {
	return func(h *Hub) { h.bus = b }
}

// WithKeys sets the credentials pushed to Docker workers
func WithKeys(keys *WorkerKeys) Option {
	return func(h *Hub) { h.keys = keys }
}

// WithTaskResultHandler is notified of every agent task outcome
func WithTaskResultHandler(handler TaskResultHandler) Option {
	return func(h *Hub) { h.resultHandler = handler }
}

type storeEffect struct {
	op string
	fn func(ctx context.Context, s store.Store) error
}

// NewHub creates a hub. The config must already be validated.
func NewHub(config *Config, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		config:   config,
		logger:   logger.GetLogger("hub"),
		jwt:      NewJWTService(config.Auth.SecretKey, config.Auth.Issuer),
		registry: NewRegistry(),
		calls:    newCallTable(),
		sessions: newSessionTable(),
		docker:   newDockerTable(),
		tasks:    newTaskTable(),
		dedupe:   NewCommandDedupe(config.Dedupe.Size, config.GetDedupeExpiration()),
		effects:  make(chan storeEffect, effectQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(h)
	}

	if h.store != nil {
		h.wg.Add(1)
		go h.runEffects()
	}

	return h
}

// JWT returns the token service the hub verifies workers with
func (h *Hub) JWT() *JWTService {
	return h.jwt
}

// Registry exposes the connection registry
func (h *Hub) Registry() *Registry {
	return h.registry
}

// BusAvailable reports whether Docker task results can be published
func (h *Hub) BusAvailable() bool {
	return h.bus != nil
}

// Start subscribes to bus commands and starts background maintenance
func (h *Hub) Start() error {
	var err error
	h.startOnce.Do(func() {
		if h.bus != nil {
			if err = h.subscribeCommands(h.ctx); err != nil {
				err = fmt.Errorf("failed to subscribe to bus commands: %w", err)
				return
			}
		}

		h.wg.Add(1)
		go h.monitorConnections()

		h.logger.Info().
			Bool("bus", h.bus != nil).
			Bool("store", h.store != nil).
			Bool("keys", h.keys != nil).
			Msg("Hub started")
	})
	return err
}

// Stop closes every connection and waits for background work to finish
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.logger.Info().Msg("Stopping hub")

		for _, c := range h.registry.all() {
			h.drop(c, websocket.CloseGoingAway, "hub shutting down")
		}

		h.cancel()
		h.wg.Wait()

		h.logger.Info().Msg("Hub stopped")
	})
}

// monitorConnections periodically reports connection state and expires
// remembered bus commands
func (h *Hub) monitorConnections() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.config.GetPingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			count := h.registry.Count()
			metrics.ConnectedWorkers.Set(float64(count))
			expired := h.dedupe.PurgeExpired()

			h.logger.Debug().
				Int("workers", count).
				Int("pending_handshakes", h.registry.PendingCount()).
				Int("pending_calls", h.calls.len()).
				Int("expired_commands", expired).
				Msg("Connection status")
		}
	}
}

// Connect registers a new, unauthenticated transport. The worker has the
// configured auth timeout to present a valid token.
func (h *Hub) Connect(transport Transport) *WorkerConn {
	c := newWorkerConn(transport)
	h.registry.addPending(c)

	c.mu.Lock()
	c.authTimer = time.AfterFunc(h.config.GetAuthTimeout(), func() { h.expireHandshake(c) })
	c.mu.Unlock()

	h.logger.Debug().
		Uint64("conn", c.seq).
		Str("remote_addr", transport.RemoteAddr()).
		Msg("Worker connection opened")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.keepAlive(c)
	}()

	return c
}

func (h *Hub) expireHandshake(c *WorkerConn) {
	if !h.registry.takePending(c) {
		return
	}

	h.logger.Warn().
		Uint64("conn", c.seq).
		Str("remote_addr", c.RemoteAddr()).
		Dur("timeout", h.config.GetAuthTimeout()).
		Msg("Worker did not authenticate in time")
	metrics.AuthFailures.WithLabelValues("timeout").Inc()

	h.drop(c, protocol.CloseAuthTimeout, "authentication timeout")
}

// HandleMessage processes one frame received from c
func (h *Hub) HandleMessage(c *WorkerConn, data []byte) {
	msg, err := protocol.Parse(data)
	if err != nil {
		h.logger.Warn().
			Err(err).
			Uint64("conn", c.seq).
			Str("worker_id", c.WorkerID()).
			Msg("Dropping malformed message")
		return
	}

	if !c.isAuthenticated() {
		if auth, ok := msg.(*protocol.Auth); ok {
			h.authenticate(c, auth)
			return
		}
		h.logger.Debug().
			Uint64("conn", c.seq).
			Str("type", string(msg.MessageType())).
			Msg("Rejecting message before authentication")
		h.sendError(c, "not_authenticated", "authenticate before sending "+string(msg.MessageType()))
		return
	}

	switch m := msg.(type) {
	case *protocol.Auth:
		h.sendError(c, "already_authenticated", "connection is already authenticated")
	case *protocol.Heartbeat:
		h.handleHeartbeat(c, m)
	case *protocol.TaskReport:
		h.handleTaskReport(c, m)
	case *protocol.ToolResult:
		h.resolveCall(c, CallKindTool, m.CallID, CallResult{Success: m.Success, Output: m.Output})
	case *protocol.AgentCall:
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.routeAgentCall(c, m)
		}()
	case *protocol.AgentResponse:
		h.resolveCall(c, CallKindAgent, m.CallID, CallResult{Success: m.Error == "", Output: m.Output, Error: m.Error})
	case *protocol.DockerTaskComplete:
		h.handleDockerComplete(c, m)
	case *protocol.DockerStatus:
		h.handleDockerStatus(c, m)
	case *protocol.DockerToolResult:
		h.resolveCall(c, CallKindDockerTool, m.CallID, CallResult{Success: m.Success, Output: m.Output})
	case *protocol.KeysReceived:
		c.markKeysReceived()
		h.logger.Info().
			Str("worker_id", c.WorkerID()).
			Str("fingerprint", m.Fingerprint).
			Msg("Worker confirmed credential sync")
	case *protocol.Log:
		h.forwardLog(c, m)
	case *protocol.Unknown:
		h.logger.Warn().
			Str("worker_id", c.WorkerID()).
			Str("type", string(m.Type)).
			Msg("Ignoring unknown message type")
	}
}

// authenticate verifies the token of a pending connection and promotes it
func (h *Hub) authenticate(c *WorkerConn, msg *protocol.Auth) {
	claims, err := h.jwt.ValidateToken(msg.Token)
	if err != nil {
		if !h.registry.takePending(c) {
			return
		}
		h.logger.Warn().
			Err(err).
			Uint64("conn", c.seq).
			Str("remote_addr", c.RemoteAddr()).
			Msg("Worker authentication failed")
		metrics.AuthFailures.WithLabelValues("invalid_token").Inc()

		if sendErr := c.Send(&protocol.AuthError{Error: "invalid or expired token"}); sendErr != nil {
			h.logger.Debug().Err(sendErr).Msg("Failed to send auth error")
		}
		h.drop(c, protocol.CloseAuthFailed, "authentication failed")
		return
	}

	workerID := claims.WorkerID

	// auth:ok goes out while c is still pending, so no work can be placed on
	// the connection ahead of its acknowledgement
	if !h.registry.holdPending(c) {
		return
	}
	ack := &protocol.AuthOK{WorkerID: workerID, Config: h.sharedConfig()}
	if err := c.Send(ack); err != nil {
		h.logger.Warn().Err(err).Str("worker_id", workerID).Msg("Failed to acknowledge authentication")
	}

	previous, ok := h.registry.promote(c, workerID)
	if !ok {
		return
	}
	if previous != nil {
		h.logger.Warn().
			Str("worker_id", workerID).
			Str("previous_addr", previous.RemoteAddr()).
			Msg("Worker reconnected, closing superseded connection")
		h.drop(previous, protocol.CloseSuperseded, "superseded by a newer connection")
	}
	metrics.ConnectedWorkers.Set(float64(h.registry.Count()))

	h.logger.Info().
		Str("worker_id", workerID).
		Str("remote_addr", c.RemoteAddr()).
		Int("workers", h.registry.Count()).
		Msg("Worker authenticated")

	remoteAddr := c.RemoteAddr()
	h.bestEffort("mark worker online", func(ctx context.Context, s store.Store) error {
		return s.MarkWorkerOnline(ctx, workerID, remoteAddr)
	})
}

// sharedConfig fetches the configuration snapshot for auth:ok, bounded by
// the store timeout. Nil means omit it.
func (h *Hub) sharedConfig() json.RawMessage {
	if h.store == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.config.GetDatabaseTimeout())
	defer cancel()

	config, err := h.store.SharedConfig(ctx)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			h.logger.Warn().Err(err).Msg("Shared config unavailable, omitting from auth:ok")
		}
		return nil
	}
	return config
}

// Disconnect tears down c after its transport closed. It is idempotent.
func (h *Hub) Disconnect(c *WorkerConn) {
	h.drop(c, websocket.CloseNormalClosure, "")
}

// drop closes c with code and removes every trace of it. Only the first
// call for a connection has any effect.
func (h *Hub) drop(c *WorkerConn, code int, reason string) {
	if !c.close(code, reason) {
		return
	}

	registered := h.registry.remove(c)
	workerID := c.WorkerID()
	if workerID == "" {
		h.logger.Debug().
			Uint64("conn", c.seq).
			Int("code", code).
			Msg("Unauthenticated connection closed")
		return
	}

	if h.config.Calls.FailOnDisconnect {
		h.failCallsFor(c)
	}

	if !registered {
		// Superseded; the newer connection owns the worker ID
		return
	}

	metrics.ConnectedWorkers.Set(float64(h.registry.Count()))
	h.logger.Info().
		Str("worker_id", workerID).
		Int("code", code).
		Str("reason", reason).
		Int("workers", h.registry.Count()).
		Msg("Worker disconnected")

	h.bestEffort("mark worker offline", func(ctx context.Context, s store.Store) error {
		return s.MarkWorkerOffline(ctx, workerID)
	})
}

// Workers lists every authenticated worker in registration order
func (h *Hub) Workers() []WorkerInfo {
	return h.registry.Workers()
}

// Worker returns one worker's metadata
func (h *Hub) Worker(workerID string) (WorkerInfo, error) {
	c := h.registry.Get(workerID)
	if c == nil {
		return WorkerInfo{}, fmt.Errorf("%s: %w", workerID, ErrWorkerNotFound)
	}
	return c.Info(), nil
}

// WorkerCount returns the number of authenticated workers
func (h *Hub) WorkerCount() int {
	return h.registry.Count()
}

// DisconnectWorker forcibly closes the connection of workerID
func (h *Hub) DisconnectWorker(workerID string) error {
	c := h.registry.Get(workerID)
	if c == nil {
		return fmt.Errorf("%s: %w", workerID, ErrWorkerNotFound)
	}
	h.logger.Info().Str("worker_id", workerID).Msg("Disconnecting worker on request")
	h.drop(c, protocol.CloseDisconnected, "disconnected by operator")
	return nil
}

func (h *Hub) sendError(c *WorkerConn, code, message string) {
	if err := c.Send(protocol.NewError(code, message)); err != nil {
		h.logger.Debug().Err(err).Str("code", code).Msg("Failed to send error frame")
	}
}

// forwardLog writes a worker log line into the hub's own log
func (h *Hub) forwardLog(c *WorkerConn, m *protocol.Log) {
	var event *zerolog.Event
	switch m.Level {
	case "debug":
		event = h.logger.Debug()
	case "warn", "warning":
		event = h.logger.Warn()
	case "error":
		event = h.logger.Error()
	default:
		event = h.logger.Info()
	}
	event.Str("worker_id", c.WorkerID()).Str("source", "worker").Msg(m.Message)
}

// bestEffort queues a store write. Failures are logged and counted, and a
// full queue drops the write rather than blocking the caller.
func (h *Hub) bestEffort(op string, fn func(ctx context.Context, s store.Store) error) {
	if h.store == nil {
		return
	}

	select {
	case <-h.ctx.Done():
		return
	default:
	}

	select {
	case h.effects <- storeEffect{op: op, fn: fn}:
	default:
		h.logger.Warn().Str("operation", op).Msg("Store queue full, dropping write")
		metrics.StoreFailures.Inc()
	}
}

// runEffects applies queued store writes in order
func (h *Hub) runEffects() {
	defer h.wg.Done()

	for {
		select {
		case effect := <-h.effects:
			h.applyEffect(effect)
		case <-h.ctx.Done():
			// Flush what is already queued
			for {
				select {
				case effect := <-h.effects:
					h.applyEffect(effect)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) applyEffect(effect storeEffect) {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.GetDatabaseTimeout())
	defer cancel()

	if err := effect.fn(ctx, h.store); err != nil {
		h.logger.Warn().
			Err(err).
			Str("operation", effect.op).
			Msg("Best-effort store write failed")
		metrics.StoreFailures.Inc()
	}
}
