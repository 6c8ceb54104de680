package hub

import (
	"context"
	"encoding/json"
	"time"

	"workerhub/internal/protocol"
	"workerhub/internal/store"
)

// handleHeartbeat applies a worker's self-report and pushes credentials the
// first time it reports Docker as available
func (h *Hub) handleHeartbeat(c *WorkerConn, hb *protocol.Heartbeat) {
	syncKeys := c.applyHeartbeat(hb)
	workerID := c.WorkerID()

	h.logger.Debug().
		Str("worker_id", workerID).
		Float64("load", hb.Load).
		Int("active_tasks", hb.ActiveTasks).
		Bool("docker", hb.DockerAvailable).
		Msg("Heartbeat received")

	record := store.Heartbeat{
		WorkerID:        workerID,
		Load:            hb.Load,
		ActiveTasks:     hb.ActiveTasks,
		DockerAvailable: hb.DockerAvailable,
		At:              time.Now(),
	}
	if hb.Capabilities != nil {
		if caps, err := json.Marshal(hb.Capabilities); err == nil {
			record.Capabilities = caps
		}
	}
	h.bestEffort("record heartbeat", func(ctx context.Context, s store.Store) error {
		return s.RecordHeartbeat(ctx, record)
	})

	if syncKeys {
		h.syncKeys(c)
	}
}

// syncKeys sends the git credentials a Docker worker needs before it can
// take Docker tasks
func (h *Hub) syncKeys(c *WorkerConn) {
	workerID := c.WorkerID()
	if h.keys == nil {
		h.logger.Warn().
			Str("worker_id", workerID).
			Msg("Worker has Docker but no credentials are configured; it will not receive Docker tasks")
		return
	}

	msg := &protocol.KeysSync{
		PublicKey:   h.keys.PublicKey,
		PrivateKey:  h.keys.PrivateKey,
		Fingerprint: h.keys.Fingerprint,
	}
	if err := c.Send(msg); err != nil {
		c.resetKeysSent()
		h.logger.Warn().Err(err).Str("worker_id", workerID).Msg("Failed to sync credentials")
		return
	}

	h.logger.Info().
		Str("worker_id", workerID).
		Str("fingerprint", h.keys.Fingerprint).
		Msg("Credentials sent to worker")
}

// keepAlive pings c on the configured interval until the connection closes
// or a ping cannot be sent
func (h *Hub) keepAlive(c *WorkerConn) {
	ticker := time.NewTicker(h.config.GetPingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.Done():
			return
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			if err := c.transport.Ping(); err != nil {
				h.logger.Debug().
					Err(err).
					Uint64("conn", c.seq).
					Str("worker_id", c.WorkerID()).
					Msg("Keep-alive ping failed, stopping prober")
				return
			}
		}
	}
}
