package fanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfiguredKbit(t *testing.T) {
	cases := map[string]float64{
		"2500k":   2500,
		"2M":      2000,
		"800000":  800,
		"1.5M":    1500,
	}
	for in, want := range cases {
		got, ok := configuredKbit(in)
		require.True(t, ok, in)
		assert.InDelta(t, want, got, 0.001, in)
	}

	_, ok := configuredKbit("")
	assert.False(t, ok)
	_, ok = configuredKbit("junk")
	assert.False(t, ok)
}

func TestNetRateFromSuccessiveSamples(t *testing.T) {
	sub := &subscriber{lastNet: make(map[string]netSample)}

	_, ok := sub.netRate("ch", 1_000_000)
	assert.False(t, ok, "first observation has no baseline")

	// Backdate the stored sample to get a deterministic elapsed time.
	sub.lastNet["ch"] = netSample{txBytes: 1_000_000, at: time.Now().Add(-2 * time.Second)}

	kbit, ok := sub.netRate("ch", 1_500_000)
	require.True(t, ok)
	// 500_000 bytes over ~2s = ~2000 kbit/s
	assert.InDelta(t, 2000, kbit, 50)
}

func TestNetRateCounterReset(t *testing.T) {
	sub := &subscriber{lastNet: make(map[string]netSample)}
	sub.lastNet["ch"] = netSample{txBytes: 1_000_000, at: time.Now().Add(-time.Second)}

	_, ok := sub.netRate("ch", 500) // counter went backwards (process restart)
	assert.False(t, ok)
}
