package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsInitialization(t *testing.T) {
	assert.NotNil(t, CounterAllocationsTotal)
	assert.NotNil(t, CounterAllocationFailuresTotal)
	assert.NotNil(t, CounterFreesTotal)
	assert.NotNil(t, CounterReclaimsTotal)
	assert.NotNil(t, CountersActive)
	assert.NotNil(t, CommandsTotal)
	assert.NotNil(t, ClientTimeoutsTotal)
	assert.NotNil(t, ClientsActive)
	assert.NotNil(t, NotificationsTotal)
	assert.NotNil(t, RegistrationDurationSeconds)
}

func TestCommandsTotalLabels(t *testing.T) {
	before := testutil.ToFloat64(CommandsTotal.WithLabelValues("add_counter", "ok"))
	CommandsTotal.WithLabelValues("add_counter", "ok").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(CommandsTotal.WithLabelValues("add_counter", "ok")))
}
