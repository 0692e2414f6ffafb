// Package driver hosts the allocation authority. A single Conductor drains
// client commands, applies them to a counters.Manager and answers each with a
// correlated response. It also tracks which client owns which counter so that
// a client that stops heartbeating, or says goodbye, loses its counters.
package driver

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/23skdu/shmcounters/internal/command"
	"github.com/23skdu/shmcounters/internal/counters"
	cerrors "github.com/23skdu/shmcounters/internal/errors"
	"github.com/23skdu/shmcounters/internal/limiter"
	"github.com/23skdu/shmcounters/internal/metrics"
)

const (
	DefaultClientLivenessTimeout = 10 * time.Second
	DefaultCommandLimit          = 10
)

// Transport is the driver's side of the command channel.
type Transport interface {
	PollCommands(limit int, handler func(command.Command, error)) int
	Respond(clientID int64, r command.Response) bool
}

// Config tunes a Conductor. Zero values fall back to defaults.
type Config struct {
	ClientLivenessTimeout time.Duration
	CommandLimit          int
	RateLimit             limiter.Config
	Clock                 func() time.Time
}

type counterLink struct {
	registrationID int64
	counterID      int32
}

type clientSession struct {
	clientID  int64
	heartbeat *counters.Counter
	links     []counterLink
	closing   bool
}

func (s *clientSession) unlink(registrationID int64) (counterLink, bool) {
	for i, link := range s.links {
		if link.registrationID == registrationID {
			s.links = append(s.links[:i], s.links[i+1:]...)
			return link, true
		}
	}
	return counterLink{}, false
}

// Conductor is the single-threaded driver loop. DoWork must only be called
// from one goroutine at a time; Run does that for you.
type Conductor struct {
	manager   *counters.Manager
	transport Transport
	limiter   *limiter.RateLimiter
	logger    zerolog.Logger

	livenessTimeout time.Duration
	commandLimit    int
	clock           func() time.Time

	mu      sync.Mutex
	clients map[int64]*clientSession
	system  *SystemCounters

	errorLog rate.Sometimes
}

// NewConductor allocates the system counters and returns a ready conductor.
func NewConductor(manager *counters.Manager, transport Transport, cfg Config, logger zerolog.Logger) (*Conductor, error) {
	if cfg.ClientLivenessTimeout <= 0 {
		cfg.ClientLivenessTimeout = DefaultClientLivenessTimeout
	}
	if cfg.CommandLimit <= 0 {
		cfg.CommandLimit = DefaultCommandLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	system, err := newSystemCounters(manager)
	if err != nil {
		return nil, fmt.Errorf("allocate system counters: %w", err)
	}

	return &Conductor{
		manager:         manager,
		transport:       transport,
		limiter:         limiter.NewRateLimiter(cfg.RateLimit),
		logger:          logger.With().Str("component", "driver").Logger(),
		livenessTimeout: cfg.ClientLivenessTimeout,
		commandLimit:    cfg.CommandLimit,
		clock:           cfg.Clock,
		clients:         make(map[int64]*clientSession),
		system:          system,
		errorLog:        rate.Sometimes{First: 3, Interval: time.Second},
	}, nil
}

// System exposes the driver's own counters.
func (c *Conductor) System() *SystemCounters {
	return c.system
}

// ClientCount is the number of clients the driver currently tracks.
func (c *Conductor) ClientCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// DoWork runs one duty cycle: commands, liveness, then reclamation. It
// returns the amount of work done so callers can idle when it is zero.
func (c *Conductor) DoWork() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	work := c.transport.PollCommands(c.commandLimit, c.onCommand)
	work += c.checkLiveness(c.clock())
	work += c.manager.Reclaim()
	return work
}

// Run drives DoWork until ctx is done, sleeping idle between empty cycles.
// On exit every tracked client is torn down.
func (c *Conductor) Run(ctx context.Context, idle time.Duration) error {
	c.logger.Info().
		Dur("liveness_timeout", c.livenessTimeout).
		Int("capacity", c.manager.Capacity()).
		Msg("driver started")

	if idle <= 0 {
		idle = time.Millisecond
	}
	ticker := time.NewTicker(idle)
	defer ticker.Stop()

	for {
		if c.DoWork() == 0 {
			select {
			case <-ctx.Done():
				c.Close()
				return nil
			case <-ticker.C:
			}
			continue
		}
		if ctx.Err() != nil {
			c.Close()
			return nil
		}
	}
}

// Close tears down every client and releases the system counters.
func (c *Conductor) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, session := range c.clients {
		c.teardown(session)
	}
	c.system.close(c.manager)
	c.logger.Info().Msg("driver stopped")
}

func (c *Conductor) onCommand(cmd command.Command, err error) {
	c.system.increment(SystemCommandsProcessed)

	if err != nil {
		c.system.increment(SystemErrors)
		metrics.CommandsTotal.WithLabelValues("unknown", "malformed").Inc()
		c.errorLog.Do(func() {
			c.logger.Warn().Err(err).Msg("dropping malformed command frame")
		})
		return
	}

	if !c.limiter.Allow(cmd.ClientID) {
		c.system.increment(SystemCommandsThrottled)
		c.fail(cmd, cerrors.Newf(cerrors.CodeCapacityExhausted, cmd.Type.String(),
			"client %d exceeded its command rate", cmd.ClientID))
		return
	}

	switch cmd.Type {
	case command.TypeAddCounter:
		c.onAddCounter(cmd)
	case command.TypeAddStaticCounter:
		c.onAddStaticCounter(cmd)
	case command.TypeRemoveCounter:
		c.onRemoveCounter(cmd)
	case command.TypeClientKeepalive:
		c.onClientKeepalive(cmd)
	case command.TypeClientClose:
		c.onClientClose(cmd)
	default:
		c.fail(cmd, cerrors.Newf(cerrors.CodeMalformedCommand, "dispatch", "unknown command %s", cmd.Type))
	}
}

func (c *Conductor) onAddCounter(cmd command.Command) {
	session, err := c.session(cmd.ClientID)
	if err != nil {
		c.fail(cmd, err)
		return
	}

	id, err := c.manager.AddCounter(cmd.TypeID, cmd.Key, cmd.Label, cmd.CorrelationID, cmd.ClientID)
	if err != nil {
		c.fail(cmd, err)
		return
	}
	session.links = append(session.links, counterLink{registrationID: cmd.CorrelationID, counterID: id})

	c.succeed(cmd, command.Response{
		Type:           command.TypeOnCounterReady,
		CorrelationID:  cmd.CorrelationID,
		RegistrationID: cmd.CorrelationID,
		CounterID:      id,
	})
}

func (c *Conductor) onAddStaticCounter(cmd command.Command) {
	if _, err := c.session(cmd.ClientID); err != nil {
		c.fail(cmd, err)
		return
	}

	res, err := c.manager.AddStaticCounter(cmd.TypeID, cmd.Key, cmd.Label, cmd.RegistrationID)
	if err != nil {
		c.fail(cmd, err)
		return
	}
	c.logger.Debug().
		Int64("client_id", cmd.ClientID).
		Int64("registration_id", cmd.RegistrationID).
		Int32("counter_id", res.CounterID).
		Stringer("outcome", res.Outcome).
		Msg("static counter resolved")

	c.succeed(cmd, command.Response{
		Type:           command.TypeOnStaticCounter,
		CorrelationID:  cmd.CorrelationID,
		RegistrationID: cmd.RegistrationID,
		CounterID:      res.CounterID,
	})
}

func (c *Conductor) onRemoveCounter(cmd command.Command) {
	session, ok := c.clients[cmd.ClientID]
	if !ok {
		c.fail(cmd, unknownCounter(cmd))
		return
	}
	link, ok := session.unlink(cmd.RegistrationID)
	if !ok {
		c.fail(cmd, unknownCounter(cmd))
		return
	}
	if err := c.manager.RemoveCounter(link.counterID); err != nil {
		c.fail(cmd, err)
		return
	}

	c.succeed(cmd, command.Response{
		Type:           command.TypeOnOperationSucceeded,
		CorrelationID:  cmd.CorrelationID,
		RegistrationID: cmd.RegistrationID,
		CounterID:      link.counterID,
	})
}

func (c *Conductor) onClientKeepalive(cmd command.Command) {
	session, err := c.session(cmd.ClientID)
	if err != nil {
		c.fail(cmd, err)
		return
	}
	session.heartbeat.SetOrdered(c.clock().UnixMilli())
	metrics.CommandsTotal.WithLabelValues(cmd.Type.String(), "ok").Inc()
}

func (c *Conductor) onClientClose(cmd command.Command) {
	metrics.CommandsTotal.WithLabelValues(cmd.Type.String(), "ok").Inc()

	session, ok := c.clients[cmd.ClientID]
	if !ok {
		return
	}
	session.closing = true
	session.heartbeat.SetOrdered(0)
	c.logger.Info().Int64("client_id", cmd.ClientID).Msg("client closing")
}

// session returns the tracked session for clientID, allocating its heartbeat
// counter on first contact.
func (c *Conductor) session(clientID int64) (*clientSession, error) {
	if session, ok := c.clients[clientID]; ok {
		return session, nil
	}

	key := make([]byte, 8)
	binary.LittleEndian.PutUint64(key, uint64(clientID))
	label := fmt.Sprintf("client-heartbeat: id=%d", clientID)

	id, err := c.manager.AddCounter(command.HeartbeatTypeID, key, label, clientID, clientID)
	if err != nil {
		return nil, err
	}
	heartbeat, err := counters.NewCounter(c.manager.Reader, clientID, id)
	if err != nil {
		return nil, err
	}
	heartbeat.SetOrdered(c.clock().UnixMilli())

	session := &clientSession{clientID: clientID, heartbeat: heartbeat}
	c.clients[clientID] = session
	metrics.ClientsActive.Inc()
	c.logger.Info().
		Int64("client_id", clientID).
		Int32("heartbeat_counter_id", id).
		Msg("client connected")

	return session, nil
}

func (c *Conductor) checkLiveness(now time.Time) int {
	nowMs := now.UnixMilli()
	timeoutMs := c.livenessTimeout.Milliseconds()

	work := 0
	for id, session := range c.clients {
		if nowMs <= session.heartbeat.GetAcquire()+timeoutMs {
			continue
		}
		if !session.closing {
			c.system.increment(SystemClientTimeouts)
			metrics.ClientTimeoutsTotal.Inc()
			c.logger.Warn().
				Int64("client_id", id).
				Int("linked_counters", len(session.links)).
				Msg("client heartbeat lapsed")
			c.transport.Respond(id, command.Response{
				Type:          command.TypeOnClientTimeout,
				CorrelationID: id,
				CounterID:     counters.NullCounterID,
			})
		}
		c.teardown(session)
		work++
	}
	return work
}

// teardown removes every counter linked to the session, then its heartbeat.
func (c *Conductor) teardown(session *clientSession) {
	for _, link := range session.links {
		if err := c.manager.RemoveCounter(link.counterID); err != nil {
			c.system.increment(SystemErrors)
			c.logger.Error().Err(err).
				Int64("client_id", session.clientID).
				Int32("counter_id", link.counterID).
				Msg("failed to remove linked counter")
		}
	}
	if err := c.manager.RemoveCounter(session.heartbeat.ID()); err != nil {
		c.logger.Error().Err(err).Int64("client_id", session.clientID).Msg("failed to remove heartbeat counter")
	}
	_ = session.heartbeat.Close()

	delete(c.clients, session.clientID)
	c.limiter.Forget(session.clientID)
	metrics.ClientsActive.Dec()
	c.logger.Info().
		Int64("client_id", session.clientID).
		Int("removed_counters", len(session.links)).
		Msg("client removed")
}

func (c *Conductor) succeed(cmd command.Command, r command.Response) {
	metrics.CommandsTotal.WithLabelValues(cmd.Type.String(), "ok").Inc()
	c.transport.Respond(cmd.ClientID, r)
}

func (c *Conductor) fail(cmd command.Command, err error) {
	code := cerrors.CodeOf(err)
	c.system.increment(SystemErrors)
	metrics.CommandsTotal.WithLabelValues(cmd.Type.String(), code.String()).Inc()
	c.errorLog.Do(func() {
		c.logger.Warn().Err(err).
			Int64("client_id", cmd.ClientID).
			Int64("correlation_id", cmd.CorrelationID).
			Stringer("command", cmd.Type).
			Msg("command failed")
	})

	c.transport.Respond(cmd.ClientID, command.Response{
		Type:          command.TypeOnError,
		CorrelationID: cmd.CorrelationID,
		CounterID:     counters.NullCounterID,
		Code:          code,
		Message:       cerrors.MessageOf(err),
	})
}

func unknownCounter(cmd command.Command) error {
	return cerrors.Newf(cerrors.CodeUnknownCounter, "remove_counter",
		"client %d does not own a counter with registrationId=%d", cmd.ClientID, cmd.RegistrationID).
		WithContext("registration_id", cmd.RegistrationID)
}
