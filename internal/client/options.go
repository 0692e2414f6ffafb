package client

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/23skdu/shmcounters/internal/counters"
)

const (
	DefaultDriverTimeout     = 10 * time.Second
	DefaultKeepaliveInterval = 500 * time.Millisecond
	DefaultIdleSleep         = time.Millisecond

	requestBacklog = 1024
	responseLimit  = 16
)

// CounterHandler is told about a counter appearing or disappearing. It runs
// on the client's coordination goroutine and must not block on the client.
type CounterHandler func(reader *counters.Reader, registrationID int64, counterID int32)

// ErrorHandler receives failures that have no caller waiting for them.
type ErrorHandler func(err error)

// Options configure a Client.
type Options struct {
	Name              string
	DriverTimeout     time.Duration
	KeepaliveInterval time.Duration
	IdleSleep         time.Duration
	OnAvailable       CounterHandler
	OnUnavailable     CounterHandler
	OnError           ErrorHandler
	Logger            zerolog.Logger
	Clock             func() time.Time
}

type Option func(*Options)

func WithName(name string) Option {
	return func(o *Options) { o.Name = name }
}

// WithDriverTimeout bounds how long a registration may wait for the driver.
func WithDriverTimeout(d time.Duration) Option {
	return func(o *Options) { o.DriverTimeout = d }
}

func WithKeepaliveInterval(d time.Duration) Option {
	return func(o *Options) { o.KeepaliveInterval = d }
}

func WithIdleSleep(d time.Duration) Option {
	return func(o *Options) { o.IdleSleep = d }
}

func WithAvailableCounterHandler(h CounterHandler) Option {
	return func(o *Options) { o.OnAvailable = h }
}

func WithUnavailableCounterHandler(h CounterHandler) Option {
	return func(o *Options) { o.OnUnavailable = h }
}

func WithErrorHandler(h ErrorHandler) Option {
	return func(o *Options) { o.OnError = h }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithClock replaces time.Now for keepalive and timeout bookkeeping.
func WithClock(clock func() time.Time) Option {
	return func(o *Options) { o.Clock = clock }
}

func defaultOptions() Options {
	return Options{
		Name:              "client-" + uuid.NewString(),
		DriverTimeout:     DefaultDriverTimeout,
		KeepaliveInterval: DefaultKeepaliveInterval,
		IdleSleep:         DefaultIdleSleep,
		Logger:            zerolog.Nop(),
		Clock:             time.Now,
	}
}
