package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	backoffMultiplier     = 2
)

var errMissingDialer = errors.New("realtime: dialer is required")

// ConnectionState is the client's view of its stream connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (state ConnectionState) String() string {
	switch state {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Stream yields events from one established connection.
type Stream interface {
	Next(ctx context.Context) (UpdateEvent, error)
	Close() error
}

// Dialer opens a stream for a topic.
type Dialer interface {
	Dial(ctx context.Context, topic string) (Stream, error)
}

// Backoff computes capped exponential reconnect delays.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before the given zero-based reconnect attempt.
func (backoff Backoff) Delay(attempt int) time.Duration {
	initial := backoff.Initial
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	maximum := backoff.Max
	if maximum <= 0 {
		maximum = DefaultMaxBackoff
	}
	delay := initial
	for step := 0; step < attempt; step++ {
		delay *= backoffMultiplier
		if delay >= maximum {
			return maximum
		}
	}
	if delay > maximum {
		return maximum
	}
	return delay
}

// ClientConfig describes a reconnecting client.
type ClientConfig struct {
	Dialer  Dialer
	Topic   string
	Backoff Backoff
	Logger  *zap.Logger
	// Sleep waits between reconnect attempts; it defaults to a context-aware timer.
	Sleep func(ctx context.Context, delay time.Duration) error
	// OnStateChange observes every state transition.
	OnStateChange func(ConnectionState)
}

// Client keeps a subscription alive across disconnects. It has no terminal
// failure state: it retries until its context ends. Events published while
// disconnected are lost.
type Client struct {
	dialer   Dialer
	topic    string
	backoff  Backoff
	logger   *zap.Logger
	sleep    func(ctx context.Context, delay time.Duration) error
	onChange func(ConnectionState)

	mu    sync.RWMutex
	state ConnectionState
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Dialer == nil {
		return nil, errMissingDialer
	}
	if err := ValidateTopic(cfg.Topic); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &Client{
		dialer:   cfg.Dialer,
		topic:    cfg.Topic,
		backoff:  cfg.Backoff,
		logger:   logger,
		sleep:    sleep,
		onChange: cfg.OnStateChange,
		state:    StateDisconnected,
	}, nil
}

// State returns the current connection state.
func (client *Client) State() ConnectionState {
	client.mu.RLock()
	defer client.mu.RUnlock()
	return client.state
}

// Run connects and hands every received event to handle until ctx ends. It
// returns the context error.
func (client *Client) Run(ctx context.Context, handle func(UpdateEvent)) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			client.setState(StateDisconnected)
			return ctx.Err()
		}
		client.setState(StateConnecting)
		stream, err := client.dialer.Dial(ctx, client.topic)
		if err != nil {
			client.setState(StateDisconnected)
			delay := client.backoff.Delay(attempt)
			attempt++
			client.logger.Info("realtime connection failed, retrying",
				zap.String("topic", client.topic),
				zap.Duration("delay", delay),
				zap.Error(err))
			if sleepErr := client.sleep(ctx, delay); sleepErr != nil {
				return ctx.Err()
			}
			continue
		}

		client.setState(StateConnected)
		attempt = 0
		readErr := client.consume(ctx, stream, handle)
		_ = stream.Close()
		client.setState(StateDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := client.backoff.Delay(attempt)
		attempt++
		client.logger.Info("realtime connection lost, reconnecting",
			zap.String("topic", client.topic),
			zap.Duration("delay", delay),
			zap.Error(readErr))
		if sleepErr := client.sleep(ctx, delay); sleepErr != nil {
			return ctx.Err()
		}
	}
}

func (client *Client) consume(ctx context.Context, stream Stream, handle func(UpdateEvent)) error {
	for {
		event, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		if event.Type == EventHeartbeat {
			continue
		}
		if handle != nil {
			handle(event)
		}
	}
}

func (client *Client) setState(state ConnectionState) {
	client.mu.Lock()
	changed := client.state != state
	client.state = state
	client.mu.Unlock()
	if changed && client.onChange != nil {
		client.onChange(state)
	}
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
