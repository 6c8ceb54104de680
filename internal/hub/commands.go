package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"workerhub/internal/metrics"
)

// Bus channels for Docker task commands and results
const (
	ChannelDockerDispatch       = "docker:task:dispatch"
	ChannelDockerFinalize       = "docker:task:finalize"
	ChannelDockerCleanupProject = "docker:task:cleanup-project"
	ChannelDockerCleanupTask    = "docker:task:cleanup-task"
	ChannelDockerResultPrefix   = "docker:task:result:"
)

// DispatchCommand is published on docker:task:dispatch
type DispatchCommand struct {
	CommandID string `json:"commandId,omitempty"`
	DockerTaskSpec
}

// FinalizeCommand is published on docker:task:finalize
type FinalizeCommand struct {
	CommandID     string `json:"commandId,omitempty"`
	TaskID        string `json:"taskId"`
	CommitMessage string `json:"commitMessage,omitempty"`
}

// CleanupProjectCommand is published on docker:task:cleanup-project
type CleanupProjectCommand struct {
	CommandID string `json:"commandId,omitempty"`
	ProjectID string `json:"projectId"`
}

// CleanupTaskCommand is published on docker:task:cleanup-task
type CleanupTaskCommand struct {
	CommandID string `json:"commandId,omitempty"`
	TaskID    string `json:"taskId"`
}

func (h *Hub) subscribeCommands(ctx context.Context) error {
	channels := []string{
		ChannelDockerDispatch,
		ChannelDockerFinalize,
		ChannelDockerCleanupProject,
		ChannelDockerCleanupTask,
	}
	if err := h.bus.Subscribe(ctx, channels, h.handleCommand); err != nil {
		return err
	}

	h.logger.Info().Strs("channels", channels).Msg("Subscribed to Docker task commands")
	return nil
}

// handleCommand applies one bus command. Redelivered commands are skipped
// using the command ID, or the task ID where the command has one.
func (h *Hub) handleCommand(channel string, payload []byte) {
	outcome := "applied"
	defer func() {
		metrics.BusCommands.WithLabelValues(channel, outcome).Inc()
	}()

	log := h.logger.With().Str("channel", channel).Logger()

	switch channel {
	case ChannelDockerDispatch:
		var cmd DispatchCommand
		if err := json.Unmarshal(payload, &cmd); err != nil || cmd.TaskID == "" {
			log.Warn().Err(err).Msg("Ignoring malformed dispatch command")
			outcome = "malformed"
			return
		}
		key := dedupeKey(channel, cmd.CommandID, cmd.TaskID)
		if !h.dedupe.FirstSeen(key) {
			outcome = "duplicate"
			return
		}
		result := h.DispatchDocker(h.ctx, cmd.DockerTaskSpec)
		if !result.Dispatched {
			// A retry of a failed dispatch is a new attempt
			h.dedupe.Forget(key)
			outcome = "failed"
		}

	case ChannelDockerFinalize:
		var cmd FinalizeCommand
		if err := json.Unmarshal(payload, &cmd); err != nil || cmd.TaskID == "" {
			log.Warn().Err(err).Msg("Ignoring malformed finalize command")
			outcome = "malformed"
			return
		}
		key := dedupeKey(channel, cmd.CommandID, cmd.TaskID)
		if !h.dedupe.FirstSeen(key) {
			outcome = "duplicate"
			return
		}
		if err := h.FinalizeDocker(cmd.TaskID, cmd.CommitMessage); err != nil {
			h.dedupe.Forget(key)
			log.Warn().Err(err).Str("task_id", cmd.TaskID).Msg("Failed to finalize Docker task")
			outcome = "failed"
		}

	case ChannelDockerCleanupProject:
		var cmd CleanupProjectCommand
		if err := json.Unmarshal(payload, &cmd); err != nil || cmd.ProjectID == "" {
			log.Warn().Err(err).Msg("Ignoring malformed cleanup-project command")
			outcome = "malformed"
			return
		}
		// Project cleanup is idempotent, so only explicit command IDs are tracked
		if cmd.CommandID != "" && !h.dedupe.FirstSeen(dedupeKey(channel, cmd.CommandID, "")) {
			outcome = "duplicate"
			return
		}
		h.CleanupProject(cmd.ProjectID)

	case ChannelDockerCleanupTask:
		var cmd CleanupTaskCommand
		if err := json.Unmarshal(payload, &cmd); err != nil || cmd.TaskID == "" {
			log.Warn().Err(err).Msg("Ignoring malformed cleanup-task command")
			outcome = "malformed"
			return
		}
		if !h.dedupe.FirstSeen(dedupeKey(channel, cmd.CommandID, cmd.TaskID)) {
			outcome = "duplicate"
			return
		}
		h.CancelDocker(cmd.TaskID)

	default:
		log.Warn().Msg("Ignoring command on unexpected channel")
		outcome = "unknown"
	}
}

func dedupeKey(channel, commandID, fallback string) string {
	if commandID != "" {
		return fmt.Sprintf("%s:cmd:%s", channel, commandID)
	}
	return channel + ":" + fallback
}
