package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pebbe/zmq4"
	"github.com/rs/zerolog"
	"workerhub/internal/logger"
)

// ZMQBus publishes through a PUB socket connected to the proxy's XSUB side
// and subscribes with SUB sockets connected to its XPUB side. Frames are
// [channel, payload].
type ZMQBus struct {
	publishEndpoint   string
	subscribeEndpoint string
	logger            zerolog.Logger

	pubMutex sync.Mutex
	pub      *zmq4.Socket

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
	mutex  sync.Mutex
}

// NewZMQBus connects a publisher to publishEndpoint. Subscriptions connect
// to subscribeEndpoint lazily.
func NewZMQBus(publishEndpoint, subscribeEndpoint string) (*ZMQBus, error) {
	socket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create PUB socket: %w", err)
	}

	// Ensure socket is cleaned up on any error
	defer func() {
		if err != nil {
			socket.Close()
		}
	}()

	if err = socket.SetLinger(time.Second); err != nil {
		return nil, fmt.Errorf("failed to set linger: %w", err)
	}
	if err = socket.SetSndhwm(1000); err != nil {
		return nil, fmt.Errorf("failed to set send high watermark: %w", err)
	}
	if err = socket.Connect(publishEndpoint); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", publishEndpoint, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ZMQBus{
		publishEndpoint:   publishEndpoint,
		subscribeEndpoint: subscribeEndpoint,
		logger:            logger.GetLogger("bus"),
		pub:               socket,
		ctx:               ctx,
		cancel:            cancel,
	}, nil
}

// Publish implements Bus
func (b *ZMQBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.pubMutex.Lock()
	defer b.pubMutex.Unlock()

	if b.pub == nil {
		return ErrClosed
	}
	if _, err := b.pub.SendMessage(channel, payload); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Bus. Each subscription owns one SUB socket, used only
// from its receive goroutine.
func (b *ZMQBus) Subscribe(ctx context.Context, channels []string, handler Handler) error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return ErrClosed
	}
	b.mutex.Unlock()

	socket, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return fmt.Errorf("failed to create SUB socket: %w", err)
	}
	if err := socket.SetLinger(0); err != nil {
		socket.Close()
		return fmt.Errorf("failed to set linger: %w", err)
	}
	if err := socket.SetRcvtimeo(250 * time.Millisecond); err != nil {
		socket.Close()
		return fmt.Errorf("failed to set receive timeout: %w", err)
	}

	patterns := append([]string(nil), channels...)
	for _, channel := range channels {
		if err := socket.SetSubscribe(strings.TrimSuffix(channel, Wildcard)); err != nil {
			socket.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", channel, err)
		}
	}
	if err := socket.Connect(b.subscribeEndpoint); err != nil {
		socket.Close()
		return fmt.Errorf("failed to connect to %s: %w", b.subscribeEndpoint, err)
	}

	b.wg.Add(1)
	go b.receiveLoop(ctx, socket, patterns, handler)
	return nil
}

func (b *ZMQBus) receiveLoop(ctx context.Context, socket *zmq4.Socket, patterns []string, handler Handler) {
	defer b.wg.Done()
	defer socket.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.ctx.Done():
			return
		default:
		}

		msg, err := socket.RecvMessageBytes(0)
		if err != nil {
			// Receive timeout lets the loop notice cancellation
			if err.Error() != "resource temporarily unavailable" {
				b.logger.Error().Err(err).Msg("Failed to receive bus message")
			}
			continue
		}
		if len(msg) != 2 {
			b.logger.Warn().
				Int("parts_count", len(msg)).
				Msg("Received malformed bus message (invalid frame count)")
			continue
		}

		// SUB filters are prefix matches
		channel := string(msg[0])
		if !matchesAny(patterns, channel) {
			continue
		}
		handler(channel, msg[1])
	}
}

// Close implements Bus
func (b *ZMQBus) Close() error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return nil
	}
	b.closed = true
	b.mutex.Unlock()

	b.cancel()
	b.wg.Wait()

	b.pubMutex.Lock()
	defer b.pubMutex.Unlock()
	err := b.pub.Close()
	b.pub = nil
	return err
}
