package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvRequiresMyIP(t *testing.T) {
	t.Setenv("MY_IP", "")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestFromEnvAppliesDefaults(t *testing.T) {
	t.Setenv("MY_IP", "10.0.0.1")
	t.Setenv("SCHED_IPS", "")
	t.Setenv("THREAD_ID", "")
	t.Setenv("PIN_REPLICATION", "")
	t.Setenv("AUTOSCALE_INTERVAL", "")

	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, 15, c.PinReplication)
	assert.Equal(t, 15, c.AutoscaleInterval)
	assert.Equal(t, 5, c.GossipInterval)
	assert.Zero(t, c.ThreadID)
}

func TestFromEnvParsesOverrides(t *testing.T) {
	t.Setenv("MY_IP", "10.0.0.1")
	t.Setenv("SCHED_IPS", "10.0.0.2 10.0.0.3")
	t.Setenv("THREAD_ID", "2")
	t.Setenv("PIN_REPLICATION", "5")
	t.Setenv("AUTOSCALE_INTERVAL", "30")

	c, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.2", "10.0.0.3"}, c.SchedIPs)
	assert.Equal(t, 2, c.ThreadID)
	assert.Equal(t, 5, c.PinReplication)
	assert.Equal(t, 30, c.AutoscaleInterval)
}

func TestFromEnvRejectsMalformedThreadID(t *testing.T) {
	t.Setenv("MY_IP", "10.0.0.1")
	t.Setenv("THREAD_ID", "not-a-number")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestThreadPortOffsetsByTID(t *testing.T) {
	assert.Equal(t, PortPin, ThreadPort(PortPin, 0))
	assert.Equal(t, PortPin+2, ThreadPort(PortPin, 2))
}

func TestDialHostPortFormatsAddress(t *testing.T) {
	assert.Equal(t, "10.0.0.1:4000", DialHostPort("10.0.0.1", 4000))
	assert.Equal(t, ":4000", BindHostPort(4000))
}
