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

package hub

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"workerhub/internal/bus"
	"workerhub/internal/logger"
	"workerhub/internal/store"
)

const healthCheckInterval = 60 * time.Second

// Daemon wires the hub to its store, bus, credentials and HTTP surface
type Daemon struct {
	config     *Config
	configPath string
	logger     zerolog.Logger

	database *store.Database
	bus      bus.Bus
	hub      *Hub
	api      *APIServer

	running bool
	mutex   sync.RWMutex
}

// NewDaemon loads the configuration at configPath and applies its logging
// settings. debug overrides the configured level.
func NewDaemon(configPath string, debug bool) (*Daemon, error) {
	config, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetSilentMode(false)
	logger.SetFormat(config.Logging.Format)
	logger.SetLevel(config.Logging.Level)
	if debug {
		logger.SetLevel(logger.LOG_DEBUG)
	}

	return &Daemon{
		config:     config,
		configPath: configPath,
		logger:     logger.GetLogger("daemon"),
	}, nil
}

// Start runs the daemon until SIGINT or SIGTERM
func (d *Daemon) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

// Run starts every component and blocks until ctx is done or the HTTP
// listener fails
func (d *Daemon) Run(ctx context.Context) error {
	d.mutex.Lock()
	if d.running {
		d.mutex.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.mutex.Unlock()

	if err := d.open(); err != nil {
		d.close()
		return err
	}

	if err := d.hub.Start(); err != nil {
		d.close()
		return err
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- d.api.Start()
	}()

	go d.startHealthCheck(ctx)

	d.logger.Info().
		Str("address", d.config.Server.Address).
		Bool("store", d.database != nil).
		Bool("bus", d.bus != nil).
		Msg("Worker hub started")

	var err error
	select {
	case <-ctx.Done():
		d.logger.Info().Msg("Shutdown requested")
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("API server failed: %w", err)
		}
	}

	d.Stop()
	return err
}

// open creates the optional collaborators and the hub itself
func (d *Daemon) open() error {
	var opts []Option

	if d.config.Database.Path != "" {
		database, err := store.NewDatabase(d.config.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		d.database = database
		opts = append(opts, WithStore(database))
	}

	if d.config.Bus.Enabled {
		b, err := bus.NewZMQBus(d.config.Bus.PublishEndpoint, d.config.Bus.SubscribeEndpoint)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		d.bus = b
		opts = append(opts, WithBus(b))
	}

	if d.config.Docker.KeysFile != "" {
		keys, err := LoadOrGenerateWorkerKeys(d.config.Docker.KeysFile)
		if err != nil {
			return fmt.Errorf("failed to load worker keys: %w", err)
		}
		d.logger.Info().
			Str("keys_file", d.config.Docker.KeysFile).
			Str("fingerprint", keys.Fingerprint).
			Msg("Worker credentials loaded")
		opts = append(opts, WithKeys(keys))
	}

	d.hub = NewHub(d.config, opts...)
	d.api = NewAPIServer(d.hub, d.config)
	return nil
}

// Stop shuts every component down. It is safe to call more than once.
func (d *Daemon) Stop() {
	d.mutex.Lock()
	if !d.running {
		d.mutex.Unlock()
		return
	}
	d.running = false
	d.mutex.Unlock()

	d.logger.Info().Msg("Stopping worker hub")

	if d.api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.config.GetServerTimeout())
		if err := d.api.Stop(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Error stopping API server")
		}
		cancel()
	}

	d.close()
	d.logger.Info().Msg("Worker hub stopped")
}

func (d *Daemon) close() {
	if d.hub != nil {
		d.hub.Stop()
	}
	if d.bus != nil {
		if err := d.bus.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Error closing bus")
		}
	}
	if d.database != nil {
		if err := d.database.Close(); err != nil {
			d.logger.Error().Err(err).Msg("Error closing database")
		}
	}
}

// startHealthCheck periodically logs a summary of hub state
func (d *Daemon) startHealthCheck(ctx context.Context) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.logger.Info().
				Int("workers", d.hub.WorkerCount()).
				Int("pending_calls", d.hub.PendingCalls()).
				Int("running_tasks", d.hub.RunningTasks()).
				Int("pending_handshakes", d.hub.Registry().PendingCount()).
				Msg("Health check completed")
		case <-ctx.Done():
			return
		}
	}
}

// Hub returns the running hub, nil before Run
func (d *Daemon) Hub() *Hub {
	return d.hub
}

// IsRunning returns whether the daemon is currently running
func (d *Daemon) IsRunning() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.running
}

// ConfigPath returns the file the daemon was loaded from
func (d *Daemon) ConfigPath() string {
	return d.configPath
}

// EnsureConfig writes a default configuration to path when none exists and
// reports whether it did
func EnsureConfig(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	if err := SaveConfig(NewDefaultConfig(), path); err != nil {
		return false, fmt.Errorf("failed to create default config file: %w", err)
	}
	return true, nil
}
