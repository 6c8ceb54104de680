package bus

import (
	"context"
	"fmt"

	"github.com/pebbe/zmq4"
	"workerhub/internal/logger"
)

// RunProxy forwards messages between publishers connected to frontend (XSUB)
// and subscribers connected to backend (XPUB) until ctx is cancelled.
func RunProxy(ctx context.Context, frontend, backend string) error {
	log := logger.GetLogger("bus-proxy")

	xsub, err := zmq4.NewSocket(zmq4.XSUB)
	if err != nil {
		return fmt.Errorf("failed to create XSUB socket: %w", err)
	}
	defer xsub.Close()

	xpub, err := zmq4.NewSocket(zmq4.XPUB)
	if err != nil {
		return fmt.Errorf("failed to create XPUB socket: %w", err)
	}
	defer xpub.Close()

	if err := xsub.Bind(frontend); err != nil {
		return fmt.Errorf("failed to bind publisher side %s: %w", frontend, err)
	}
	if err := xpub.Bind(backend); err != nil {
		return fmt.Errorf("failed to bind subscriber side %s: %w", backend, err)
	}

	// A PAIR of inproc sockets lets cancellation stop the steerable proxy
	control, err := zmq4.NewSocket(zmq4.PAIR)
	if err != nil {
		return fmt.Errorf("failed to create control socket: %w", err)
	}
	defer control.Close()
	controlEndpoint := fmt.Sprintf("inproc://bus-proxy-control-%p", control)
	if err := control.Bind(controlEndpoint); err != nil {
		return fmt.Errorf("failed to bind control socket: %w", err)
	}

	steer, err := zmq4.NewSocket(zmq4.PAIR)
	if err != nil {
		return fmt.Errorf("failed to create steering socket: %w", err)
	}
	defer steer.Close()
	if err := steer.Connect(controlEndpoint); err != nil {
		return fmt.Errorf("failed to connect steering socket: %w", err)
	}

	log.Info().
		Str("publishers", frontend).
		Str("subscribers", backend).
		Msg("Bus proxy started")

	done := make(chan error, 1)
	go func() {
		done <- zmq4.ProxySteerable(xsub, xpub, nil, steer)
	}()

	select {
	case err := <-done:
		return fmt.Errorf("bus proxy stopped: %w", err)
	case <-ctx.Done():
		if _, err := control.Send("TERMINATE", 0); err != nil {
			return fmt.Errorf("failed to stop bus proxy: %w", err)
		}
		<-done
		log.Info().Msg("Bus proxy stopped")
		return nil
	}
}
