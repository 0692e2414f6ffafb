package driver

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/shmcounters/internal/command"
	"github.com/23skdu/shmcounters/internal/counters"
	cerrors "github.com/23skdu/shmcounters/internal/errors"
	"github.com/23skdu/shmcounters/internal/limiter"
	"github.com/23skdu/shmcounters/internal/metrics"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t         *testing.T
	clock     *testClock
	manager   *counters.Manager
	channel   *command.Channel
	conductor *Conductor
}

func newHarness(t *testing.T, maxCounters int, cfg Config) *harness {
	t.Helper()
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	manager, err := counters.NewManager(
		make([]byte, counters.ValuesLength(maxCounters)),
		make([]byte, counters.MetadataLength(maxCounters)),
		counters.WithClock(clock.Now),
		counters.WithFreeToReuseTimeout(time.Second),
	)
	require.NoError(t, err)

	channel := command.NewChannel(0)
	cfg.Clock = clock.Now
	if cfg.ClientLivenessTimeout == 0 {
		cfg.ClientLivenessTimeout = 5 * time.Second
	}
	conductor, err := NewConductor(manager, channel, cfg, zerolog.Nop())
	require.NoError(t, err)

	return &harness{t: t, clock: clock, manager: manager, channel: channel, conductor: conductor}
}

func (h *harness) connect() int64 {
	id := h.channel.NextCorrelationID()
	h.channel.Connect(id)
	return id
}

// send submits cmd, runs one duty cycle and returns the responses to cmd.ClientID.
func (h *harness) send(cmd command.Command) []command.Response {
	h.t.Helper()
	if cmd.CorrelationID == 0 {
		cmd.CorrelationID = h.channel.NextCorrelationID()
	}
	require.NoError(h.t, h.channel.Submit(cmd))
	h.conductor.DoWork()
	return h.responses(cmd.ClientID)
}

func (h *harness) responses(clientID int64) []command.Response {
	var out []command.Response
	h.channel.PollResponses(clientID, 100, func(r command.Response) { out = append(out, r) })
	return out
}

func (h *harness) addCounter(clientID int64, label string) command.Response {
	h.t.Helper()
	rs := h.send(command.Command{Type: command.TypeAddCounter, ClientID: clientID, TypeID: 1001, Label: label})
	require.Len(h.t, rs, 1)
	return rs[0]
}

func TestNewConductor_AllocatesSystemCounters(t *testing.T) {
	h := newHarness(t, 16, Config{})

	for id := SystemCounterID(0); id < systemCounterCount; id++ {
		c := h.conductor.System().Get(id)
		require.NotNil(t, c)
		assert.Equal(t, counters.RecordAllocated, h.manager.CounterState(c.ID()))
		assert.Equal(t, SystemCounterTypeID, h.manager.CounterTypeID(c.ID()))
		assert.Equal(t, counters.NullValue, h.manager.CounterOwnerID(c.ID()))
		assert.Equal(t, id.String(), h.manager.CounterLabel(c.ID()))
	}

	h.conductor.Close()
	for id := SystemCounterID(0); id < systemCounterCount; id++ {
		assert.Equal(t, counters.RecordReclaimed, h.manager.CounterState(h.conductor.System().Get(id).ID()))
	}
}

func TestNewConductor_FailsWithoutRoomForSystemCounters(t *testing.T) {
	manager, err := counters.NewManager(
		make([]byte, counters.ValuesLength(2)),
		make([]byte, counters.MetadataLength(2)),
	)
	require.NoError(t, err)

	_, err = NewConductor(manager, command.NewChannel(0), Config{}, zerolog.Nop())
	assert.ErrorIs(t, err, cerrors.ErrCapacityExhausted)
}

func TestConductor_AddCounter(t *testing.T) {
	h := newHarness(t, 16, Config{})
	clientID := h.connect()

	r := h.addCounter(clientID, "orders")
	require.Equal(t, command.TypeOnCounterReady, r.Type)
	assert.Equal(t, r.CorrelationID, r.RegistrationID)

	assert.Equal(t, counters.RecordAllocated, h.manager.CounterState(r.CounterID))
	assert.Equal(t, r.RegistrationID, h.manager.CounterRegistrationID(r.CounterID))
	assert.Equal(t, clientID, h.manager.CounterOwnerID(r.CounterID))
	assert.Equal(t, "orders", h.manager.CounterLabel(r.CounterID))

	heartbeatID := h.manager.FindByTypeIDAndRegistrationID(command.HeartbeatTypeID, clientID)
	require.NotEqual(t, counters.NullCounterID, heartbeatID)
	assert.Equal(t, clientID, h.manager.CounterOwnerID(heartbeatID))
	assert.Equal(t, h.clock.Now().UnixMilli(), h.manager.CounterValue(heartbeatID))
	assert.Equal(t, 1, h.conductor.ClientCount())
}

func TestConductor_AddCounterRejectsOversizedKey(t *testing.T) {
	h := newHarness(t, 16, Config{})
	clientID := h.connect()

	rs := h.send(command.Command{
		Type:     command.TypeAddCounter,
		ClientID: clientID,
		Key:      make([]byte, counters.MaxKeyLength+1),
	})
	require.Len(t, rs, 1)
	assert.Equal(t, command.TypeOnError, rs[0].Type)
	assert.ErrorIs(t, rs[0].Err(), cerrors.ErrInvalidKeyLength)
	assert.Equal(t, int64(1), h.conductor.System().Get(SystemErrors).Get())
}

func TestConductor_CapacityExhausted(t *testing.T) {
	// four system counters, one heartbeat, one user counter
	h := newHarness(t, 6, Config{})
	clientID := h.connect()

	require.Equal(t, command.TypeOnCounterReady, h.addCounter(clientID, "a").Type)

	r := h.addCounter(clientID, "b")
	assert.Equal(t, command.TypeOnError, r.Type)
	assert.ErrorIs(t, r.Err(), cerrors.ErrCapacityExhausted)
	assert.Equal(t, counters.NullCounterID, r.CounterID)
}

func TestConductor_StaticCounter(t *testing.T) {
	h := newHarness(t, 16, Config{})
	first := h.connect()
	second := h.connect()

	static := command.Command{
		Type:           command.TypeAddStaticCounter,
		TypeID:         102,
		Key:            []byte("static-key"),
		Label:          "static",
		RegistrationID: 1_000_000,
	}

	static.ClientID = first
	rs := h.send(static)
	require.Len(t, rs, 1)
	require.Equal(t, command.TypeOnStaticCounter, rs[0].Type)
	assert.Equal(t, int64(1_000_000), rs[0].RegistrationID)
	assert.Equal(t, counters.NullValue, h.manager.CounterOwnerID(rs[0].CounterID))

	static.ClientID = second
	static.CorrelationID = 0
	again := h.send(static)
	require.Len(t, again, 1)
	assert.Equal(t, rs[0].CounterID, again[0].CounterID)
}

func TestConductor_StaticCounterConflictsWithDynamic(t *testing.T) {
	h := newHarness(t, 16, Config{})
	clientID := h.connect()

	dynamic := h.addCounter(clientID, "dynamic")
	require.Equal(t, command.TypeOnCounterReady, dynamic.Type)

	rs := h.send(command.Command{
		Type:           command.TypeAddStaticCounter,
		ClientID:       clientID,
		TypeID:         1001,
		RegistrationID: dynamic.RegistrationID,
	})
	require.Len(t, rs, 1)
	assert.Equal(t, command.TypeOnError, rs[0].Type)
	assert.ErrorIs(t, rs[0].Err(), cerrors.ErrStaticCounterConflict)
	assert.Contains(t, rs[0].Message, "cannot add static counter, because a non-static counter exists")
}

func TestConductor_RemoveCounter(t *testing.T) {
	h := newHarness(t, 16, Config{})
	clientID := h.connect()
	other := h.connect()

	added := h.addCounter(clientID, "temp")

	rs := h.send(command.Command{Type: command.TypeRemoveCounter, ClientID: other, RegistrationID: added.RegistrationID})
	require.Len(t, rs, 1)
	assert.ErrorIs(t, rs[0].Err(), cerrors.ErrUnknownCounter, "only the owner may remove")

	rs = h.send(command.Command{Type: command.TypeRemoveCounter, ClientID: clientID, RegistrationID: added.RegistrationID})
	require.Len(t, rs, 1)
	assert.Equal(t, command.TypeOnOperationSucceeded, rs[0].Type)
	assert.Equal(t, added.CounterID, rs[0].CounterID)
	assert.Equal(t, counters.RecordReclaimed, h.manager.CounterState(added.CounterID))

	rs = h.send(command.Command{Type: command.TypeRemoveCounter, ClientID: clientID, RegistrationID: added.RegistrationID})
	require.Len(t, rs, 1)
	assert.ErrorIs(t, rs[0].Err(), cerrors.ErrUnknownCounter)
}

func TestConductor_ReclaimsAfterLinger(t *testing.T) {
	h := newHarness(t, 16, Config{})
	clientID := h.connect()

	added := h.addCounter(clientID, "temp")
	h.send(command.Command{Type: command.TypeRemoveCounter, ClientID: clientID, RegistrationID: added.RegistrationID})

	h.clock.Advance(500 * time.Millisecond)
	h.conductor.DoWork()
	assert.Equal(t, counters.RecordReclaimed, h.manager.CounterState(added.CounterID))

	// keep the client alive across the linger
	h.send(command.Command{Type: command.TypeClientKeepalive, ClientID: clientID})
	h.clock.Advance(600 * time.Millisecond)
	h.conductor.DoWork()
	assert.Equal(t, counters.RecordUnused, h.manager.CounterState(added.CounterID))

	reused := h.addCounter(clientID, "reused")
	assert.Equal(t, added.CounterID, reused.CounterID)
	assert.NotEqual(t, added.RegistrationID, reused.RegistrationID)
}

func TestConductor_ClientTimeoutTearsDownOwnedCounters(t *testing.T) {
	h := newHarness(t, 16, Config{ClientLivenessTimeout: 2 * time.Second})
	clientID := h.connect()
	survivor := h.connect()

	owned := h.addCounter(clientID, "owned")
	static := h.send(command.Command{
		Type:           command.TypeAddStaticCounter,
		ClientID:       clientID,
		TypeID:         102,
		RegistrationID: 5_000_000,
	})
	require.Len(t, static, 1)
	other := h.addCounter(survivor, "other")
	heartbeatID := h.manager.FindByTypeIDAndRegistrationID(command.HeartbeatTypeID, clientID)

	before := testutil.ToFloat64(metrics.ClientTimeoutsTotal)

	// the survivor keeps heartbeating, the other client does not
	h.clock.Advance(1500 * time.Millisecond)
	h.send(command.Command{Type: command.TypeClientKeepalive, ClientID: survivor})
	h.clock.Advance(1 * time.Second)
	h.conductor.DoWork()

	rs := h.responses(clientID)
	require.Len(t, rs, 1)
	assert.Equal(t, command.TypeOnClientTimeout, rs[0].Type)

	assert.Equal(t, counters.RecordReclaimed, h.manager.CounterState(owned.CounterID))
	assert.Equal(t, counters.RecordReclaimed, h.manager.CounterState(heartbeatID))
	assert.Equal(t, counters.RecordAllocated, h.manager.CounterState(static[0].CounterID), "static counters are not owned")
	assert.Equal(t, counters.RecordAllocated, h.manager.CounterState(other.CounterID))

	assert.Equal(t, 1, h.conductor.ClientCount())
	assert.Equal(t, int64(1), h.conductor.System().Get(SystemClientTimeouts).Get())
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ClientTimeoutsTotal))
}

func TestConductor_ClientCloseTearsDownWithoutTimeout(t *testing.T) {
	h := newHarness(t, 16, Config{})
	clientID := h.connect()
	owned := h.addCounter(clientID, "owned")

	rs := h.send(command.Command{Type: command.TypeClientClose, ClientID: clientID})
	assert.Empty(t, rs, "a closing client gets no timeout notice")
	assert.Equal(t, counters.RecordReclaimed, h.manager.CounterState(owned.CounterID))
	assert.Zero(t, h.conductor.ClientCount())
	assert.Zero(t, h.conductor.System().Get(SystemClientTimeouts).Get())
}

func TestConductor_CommandRateLimit(t *testing.T) {
	h := newHarness(t, 16, Config{RateLimit: limiter.Config{RPS: 1, Burst: 1}})
	clientID := h.connect()

	require.Equal(t, command.TypeOnCounterReady, h.addCounter(clientID, "first").Type)

	r := h.addCounter(clientID, "second")
	assert.Equal(t, command.TypeOnError, r.Type)
	assert.ErrorIs(t, r.Err(), cerrors.ErrCapacityExhausted)
	assert.Equal(t, int64(1), h.conductor.System().Get(SystemCommandsThrottled).Get())
}

type scriptedTransport struct {
	frames    []error
	responses []command.Response
}

func (s *scriptedTransport) PollCommands(limit int, handler func(command.Command, error)) int {
	n := 0
	for n < limit && len(s.frames) > 0 {
		handler(command.Command{}, s.frames[0])
		s.frames = s.frames[1:]
		n++
	}
	return n
}

func (s *scriptedTransport) Respond(_ int64, r command.Response) bool {
	s.responses = append(s.responses, r)
	return true
}

func TestConductor_MalformedFramesAreCounted(t *testing.T) {
	manager, err := counters.NewManager(
		make([]byte, counters.ValuesLength(8)),
		make([]byte, counters.MetadataLength(8)),
	)
	require.NoError(t, err)

	transport := &scriptedTransport{frames: []error{
		cerrors.New(cerrors.CodeMalformedCommand, "decode", "short frame"),
		cerrors.New(cerrors.CodeMalformedCommand, "decode", "short frame"),
	}}
	conductor, err := NewConductor(manager, transport, Config{}, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, 2, conductor.DoWork())
	assert.Empty(t, transport.responses)
	assert.Equal(t, int64(2), conductor.System().Get(SystemErrors).Get())
	assert.Equal(t, int64(2), conductor.System().Get(SystemCommandsProcessed).Get())
}
