// Package client registers counters with the driver and keeps its caller
// informed of every counter that comes and goes in the shared region.
//
// All protocol work happens on one coordination goroutine per Client: it
// submits queued requests, correlates driver responses, and diffs the set of
// ALLOCATED records against what it saw last time to raise available and
// unavailable notifications. Availability is discovered by polling; the
// driver never pushes it.
package client

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/23skdu/shmcounters/internal/command"
	"github.com/23skdu/shmcounters/internal/counters"
	cerrors "github.com/23skdu/shmcounters/internal/errors"
	"github.com/23skdu/shmcounters/internal/metrics"
)

// DriverProxy is the client's side of the command channel.
type DriverProxy interface {
	NextCorrelationID() int64
	Connect(clientID int64)
	Disconnect(clientID int64)
	Submit(cmd command.Command) error
	PollResponses(clientID int64, limit int, handler func(command.Response)) int
}

type request struct {
	cmd     command.Command
	counter *PendingCounter
	// result receives the outcome of a remove; nil means nobody waits.
	result chan error
}

type inflight struct {
	request
	submittedAt time.Time
}

type knownCounter struct {
	registrationID int64
	epoch          uint64
}

// Client is a connection to the allocation authority over a shared region.
type Client struct {
	opts   Options
	id     int64
	reader *counters.Reader
	proxy  DriverProxy
	logger zerolog.Logger

	requests  chan request
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	// owned by the coordination goroutine
	pending       map[int64]*inflight
	known         map[int32]knownCounter
	epoch         uint64
	heartbeat     *counters.Counter
	lastKeepalive time.Time
	timedOut      bool
}

// Connect draws a client id, announces the client to the driver and starts
// the coordination goroutine.
func Connect(proxy DriverProxy, reader *counters.Reader, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	id := proxy.NextCorrelationID()
	c := &Client{
		opts:     o,
		id:       id,
		reader:   reader,
		proxy:    proxy,
		logger:   o.Logger.With().Int64("client_id", id).Str("client", o.Name).Logger(),
		requests: make(chan request, requestBacklog),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		pending:  make(map[int64]*inflight),
		known:    make(map[int32]knownCounter),
	}

	proxy.Connect(id)
	if err := c.sendKeepalive(); err != nil {
		proxy.Disconnect(id)
		return nil, cerrors.Wrap(err, cerrors.CodeOf(err), "connect", "announce client")
	}
	c.lastKeepalive = o.Clock()

	go c.run()
	c.logger.Info().Msg("client connected")
	return c, nil
}

func (c *Client) ID() int64 {
	return c.id
}

func (c *Client) Name() string {
	return c.opts.Name
}

func (c *Client) Reader() *counters.Reader {
	return c.reader
}

// IsClosed reports whether the client was closed or timed out by the driver.
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// AddCounter registers a counter and waits until it is visible in the
// shared region, the driver rejects it, or DriverTimeout or ctx expire.
func (c *Client) AddCounter(ctx context.Context, typeID int32, key []byte, label string) (*Counter, error) {
	p, err := c.submitCounter(addCounterCommand(typeID, key, label), true)
	if err != nil {
		return nil, err
	}
	return c.await(ctx, p)
}

// AddStaticCounter resolves registrationID to a shared counter that outlives
// this client, creating it if needed.
func (c *Client) AddStaticCounter(ctx context.Context, typeID int32, key []byte, label string, registrationID int64) (*Counter, error) {
	p, err := c.submitCounter(addStaticCounterCommand(typeID, key, label, registrationID), true)
	if err != nil {
		return nil, err
	}
	return c.await(ctx, p)
}

// AddCounterAsync submits a registration and returns immediately. Key and
// label bounds are checked before anything is sent. The pending counter has
// no deadline of its own; it stays outstanding until the driver answers or
// the client closes.
func (c *Client) AddCounterAsync(typeID int32, key []byte, label string) (*PendingCounter, error) {
	return c.submitCounter(addCounterCommand(typeID, key, label), false)
}

func (c *Client) AddStaticCounterAsync(typeID int32, key []byte, label string, registrationID int64) (*PendingCounter, error) {
	return c.submitCounter(addStaticCounterCommand(typeID, key, label, registrationID), false)
}

func addCounterCommand(typeID int32, key []byte, label string) command.Command {
	return command.Command{
		Type:   command.TypeAddCounter,
		TypeID: typeID,
		Key:    key,
		Label:  label,
	}
}

func addStaticCounterCommand(typeID int32, key []byte, label string, registrationID int64) command.Command {
	return command.Command{
		Type:           command.TypeAddStaticCounter,
		TypeID:         typeID,
		Key:            key,
		Label:          label,
		RegistrationID: registrationID,
	}
}

// submitCounter queues an add. awaited marks registrations a caller blocks on;
// only those are subject to DriverTimeout.
func (c *Client) submitCounter(cmd command.Command, awaited bool) (*PendingCounter, error) {
	if err := counters.ValidateMetadata(cmd.Type.String(), cmd.Key, cmd.Label); err != nil {
		return nil, err
	}
	cmd.ClientID = c.id
	cmd.CorrelationID = c.proxy.NextCorrelationID()
	cmd.Key = append([]byte(nil), cmd.Key...)

	p := newPendingCounter(c, cmd.CorrelationID, cmd.Type == command.TypeAddStaticCounter, awaited, c.opts.Clock())
	if err := c.enqueue(request{cmd: cmd, counter: p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *Client) await(ctx context.Context, p *PendingCounter) (*Counter, error) {
	timer := time.NewTimer(c.opts.DriverTimeout)
	defer timer.Stop()

	select {
	case <-p.Done():
	case <-timer.C:
		p.fail(registrationTimeout(p.correlationID, c.opts.DriverTimeout, nil))
	case <-ctx.Done():
		p.fail(registrationTimeout(p.correlationID, c.opts.DriverTimeout, ctx.Err()))
	}
	return p.result()
}

// RemoveCounter asks the driver to remove a counter this client created and
// waits for the answer.
func (c *Client) RemoveCounter(ctx context.Context, registrationID int64) error {
	result := make(chan error, 1)
	cmd := command.Command{
		Type:           command.TypeRemoveCounter,
		ClientID:       c.id,
		CorrelationID:  c.proxy.NextCorrelationID(),
		RegistrationID: registrationID,
	}
	if err := c.enqueue(request{cmd: cmd, result: result}); err != nil {
		return err
	}

	timer := time.NewTimer(c.opts.DriverTimeout)
	defer timer.Stop()

	select {
	case err := <-result:
		return err
	case <-timer.C:
		return registrationTimeout(cmd.CorrelationID, c.opts.DriverTimeout, nil)
	case <-ctx.Done():
		return registrationTimeout(cmd.CorrelationID, c.opts.DriverTimeout, ctx.Err())
	}
}

// releaseCounter queues a remove nobody waits for.
func (c *Client) releaseCounter(registrationID int64) error {
	if c.IsClosed() {
		return nil
	}
	return c.enqueue(request{cmd: command.Command{
		Type:           command.TypeRemoveCounter,
		ClientID:       c.id,
		CorrelationID:  c.proxy.NextCorrelationID(),
		RegistrationID: registrationID,
	}})
}

// FindCounter looks a registration id up directly in the shared region.
func (c *Client) FindCounter(registrationID int64) (*counters.Counter, bool) {
	id := c.reader.FindByRegistrationID(registrationID)
	if id == counters.NullCounterID {
		return nil, false
	}
	counter, err := counters.NewCounter(c.reader, registrationID, id)
	if err != nil {
		return nil, false
	}
	return counter, true
}

// Close says goodbye to the driver and stops the coordination goroutine.
// Registrations still in flight fail with ClientClosed.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	<-c.stopped
	return nil
}

func (c *Client) enqueue(req request) error {
	if c.IsClosed() {
		return closedError(req.cmd.Type.String())
	}
	select {
	case c.requests <- req:
		return nil
	case <-c.done:
		return closedError(req.cmd.Type.String())
	}
}

func (c *Client) run() {
	defer close(c.stopped)

	ticker := time.NewTicker(c.opts.IdleSleep)
	defer ticker.Stop()

	for {
		if c.doWork() > 0 {
			select {
			case <-c.done:
				c.shutdown()
				return
			default:
				continue
			}
		}

		select {
		case <-c.done:
			c.shutdown()
			return
		case req := <-c.requests:
			c.submit(req)
		case <-ticker.C:
		}
	}
}

// doWork is one duty cycle of the coordination goroutine.
func (c *Client) doWork() int {
	work := c.drainRequests()
	work += c.proxy.PollResponses(c.id, responseLimit, c.onResponse)
	if c.timedOut {
		return work
	}

	now := c.opts.Clock()
	work += c.pollCounters()
	work += c.resolvePending()
	work += c.expirePending(now)
	c.keepalive(now)
	return work
}

func (c *Client) drainRequests() int {
	n := 0
	for {
		select {
		case req := <-c.requests:
			c.submit(req)
			n++
		default:
			return n
		}
	}
}

func (c *Client) submit(req request) {
	if err := c.proxy.Submit(req.cmd); err != nil {
		c.complete(req, err)
		return
	}
	c.pending[req.cmd.CorrelationID] = &inflight{request: req, submittedAt: c.opts.Clock()}
}

func (c *Client) onResponse(r command.Response) {
	if r.Type == command.TypeOnClientTimeout {
		c.onClientTimeout()
		return
	}

	f, ok := c.pending[r.CorrelationID]
	if !ok {
		c.logger.Debug().
			Int64("correlation_id", r.CorrelationID).
			Stringer("response", r.Type).
			Msg("response for unknown correlation id")
		return
	}

	switch r.Type {
	case command.TypeOnError:
		delete(c.pending, r.CorrelationID)
		c.complete(f.request, r.Err())

	case command.TypeOnCounterReady, command.TypeOnStaticCounter:
		p := f.counter
		if p == nil {
			delete(c.pending, r.CorrelationID)
			return
		}
		counter, err := c.newCounter(r.RegistrationID, r.CounterID, p.static)
		if err != nil {
			delete(c.pending, r.CorrelationID)
			p.fail(err)
			return
		}
		if !p.acknowledge(r.RegistrationID, counter) {
			// the caller gave up; do not leak what the driver made for us
			delete(c.pending, r.CorrelationID)
			if !p.static {
				c.abandon(r.RegistrationID)
			}
		}

	case command.TypeOnOperationSucceeded:
		delete(c.pending, r.CorrelationID)
		c.complete(f.request, nil)
	}
}

func (c *Client) newCounter(registrationID int64, counterID int32, static bool) (*Counter, error) {
	base, err := counters.NewCounter(c.reader, registrationID, counterID)
	if err != nil {
		return nil, err
	}
	return &Counter{Counter: base, client: c, static: static}, nil
}

func (c *Client) abandon(registrationID int64) {
	c.logger.Debug().Int64("registration_id", registrationID).Msg("removing abandoned counter")
	c.submit(request{cmd: command.Command{
		Type:           command.TypeRemoveCounter,
		ClientID:       c.id,
		CorrelationID:  c.proxy.NextCorrelationID(),
		RegistrationID: registrationID,
	}})
}

// resolvePending publishes acknowledged registrations whose records are now
// visible. It runs after pollCounters so the available notification for a
// counter always precedes the caller getting the handle.
func (c *Client) resolvePending() int {
	n := 0
	for correlationID, f := range c.pending {
		p := f.counter
		if p == nil {
			continue
		}
		switch p.State() {
		case StateAcknowledged:
			if p.publish() {
				delete(c.pending, correlationID)
				n++
			}
		case StateFailed:
			if p.RegistrationID() != counters.NullValue {
				delete(c.pending, correlationID)
				if !p.static {
					c.abandon(p.RegistrationID())
				}
				n++
			}
		}
	}
	return n
}

// expirePending fails awaited registrations the driver has not completed
// within DriverTimeout, and forgets abandoned ones after twice that.
// Asynchronous registrations wait for the driver indefinitely.
func (c *Client) expirePending(now time.Time) int {
	n := 0
	for correlationID, f := range c.pending {
		if f.counter != nil && !f.counter.awaited {
			continue
		}
		age := now.Sub(f.submittedAt)
		if age <= c.opts.DriverTimeout {
			continue
		}
		if f.counter != nil && f.counter.fail(registrationTimeout(correlationID, c.opts.DriverTimeout, nil)) {
			n++
			continue
		}
		if f.counter == nil || age > 2*c.opts.DriverTimeout {
			delete(c.pending, correlationID)
			c.complete(f.request, registrationTimeout(correlationID, c.opts.DriverTimeout, nil))
			n++
		}
	}
	return n
}

// pollCounters diffs the ALLOCATED records against the previous scan. A slot
// whose registration id changed between scans is reported as unavailable and
// then available again.
func (c *Client) pollCounters() int {
	c.epoch++
	n := 0

	for id := range c.reader.AllocatedIDs() {
		registrationID := c.reader.CounterRegistrationID(id)
		prev, seen := c.known[id]
		if seen && prev.registrationID == registrationID {
			c.known[id] = knownCounter{registrationID: registrationID, epoch: c.epoch}
			continue
		}
		if seen {
			c.notify(c.opts.OnUnavailable, "unavailable", prev.registrationID, id)
		}
		c.known[id] = knownCounter{registrationID: registrationID, epoch: c.epoch}
		c.notify(c.opts.OnAvailable, "available", registrationID, id)
		n++
	}

	for id, k := range c.known {
		if k.epoch == c.epoch {
			continue
		}
		delete(c.known, id)
		c.notify(c.opts.OnUnavailable, "unavailable", k.registrationID, id)
		n++
	}
	return n
}

func (c *Client) notify(handler CounterHandler, kind string, registrationID int64, counterID int32) {
	metrics.NotificationsTotal.WithLabelValues(kind).Inc()
	if handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Str("kind", kind).
				Int32("counter_id", counterID).
				Msg("counter handler panicked")
			c.reportError(cerrors.Newf(cerrors.CodeGeneric, "notify", "%s handler panicked: %v", kind, r))
		}
	}()
	handler(c.reader, registrationID, counterID)
}

func (c *Client) keepalive(now time.Time) {
	if now.Sub(c.lastKeepalive) < c.opts.KeepaliveInterval {
		return
	}
	c.lastKeepalive = now

	if c.heartbeat != nil && c.heartbeat.IsClosed() {
		c.heartbeat = nil
	}
	if c.heartbeat == nil {
		id := c.reader.FindByTypeIDAndRegistrationID(command.HeartbeatTypeID, c.id)
		if id == counters.NullCounterID {
			if err := c.sendKeepalive(); err != nil {
				c.reportError(err)
			}
			return
		}
		heartbeat, err := counters.NewCounter(c.reader, c.id, id)
		if err != nil {
			c.reportError(err)
			return
		}
		c.heartbeat = heartbeat
	}
	c.heartbeat.SetOrdered(now.UnixMilli())
}

func (c *Client) sendKeepalive() error {
	return c.proxy.Submit(command.Command{
		Type:          command.TypeClientKeepalive,
		ClientID:      c.id,
		CorrelationID: c.proxy.NextCorrelationID(),
	})
}

func (c *Client) onClientTimeout() {
	c.timedOut = true
	c.closed.Store(true)
	err := cerrors.New(cerrors.CodeClientClosed, "keepalive", "driver timed out this client")
	c.logger.Error().Err(err).Msg("client timed out by driver")
	c.failAll(err)
	c.reportError(err)
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) shutdown() {
	c.closed.Store(true)
	if !c.timedOut {
		if err := c.proxy.Submit(command.Command{
			Type:          command.TypeClientClose,
			ClientID:      c.id,
			CorrelationID: c.proxy.NextCorrelationID(),
		}); err != nil {
			c.logger.Warn().Err(err).Msg("failed to send client close")
		}
	}

	err := closedError("close")
	for drained := false; !drained; {
		select {
		case req := <-c.requests:
			c.complete(req, err)
		default:
			drained = true
		}
	}
	c.failAll(err)
	c.proxy.Disconnect(c.id)
	c.logger.Info().Msg("client closed")
}

func (c *Client) failAll(err error) {
	for correlationID, f := range c.pending {
		delete(c.pending, correlationID)
		c.complete(f.request, err)
	}
}

func (c *Client) complete(req request, err error) {
	switch {
	case req.counter != nil:
		if err != nil {
			req.counter.fail(err)
		}
	case req.result != nil:
		req.result <- err
	case err != nil:
		c.reportError(err)
	}
}

func (c *Client) reportError(err error) {
	if c.opts.OnError != nil {
		c.opts.OnError(err)
		return
	}
	c.logger.Warn().Err(err).Msg("unhandled client error")
}

func registrationTimeout(correlationID int64, timeout time.Duration, cause error) error {
	msg := fmt.Sprintf("no response from driver within %s (correlationId=%d)", timeout, correlationID)
	if cause != nil {
		return cerrors.Wrap(cause, cerrors.CodeRegistrationTimeout, "await", msg)
	}
	return cerrors.New(cerrors.CodeRegistrationTimeout, "await", msg)
}

func closedError(op string) error {
	return cerrors.New(cerrors.CodeClientClosed, op, "client is closed")
}
