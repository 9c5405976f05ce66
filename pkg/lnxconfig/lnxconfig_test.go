package lnxconfig

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const full = `
interface:
  name: eth0
  addresses: [10.0.0.1, 10.0.0.2]
  mtu: 9000
  minimum_mtu: 576
  path_mtu_discovery: false
  transmit_queue: 32
  path_mtu:
    20.0.0.1: 1280
smp: 4
task_backlog: 64
flush_interval: 5ms
log_level: debug
listen: [80, 443]
tcp:
  msl: 10s
  window_size: 65535
  window_scale: 0
  timestamps: false
  delayed_ack: 200ms
  max_syn_backlog: 16
  rto_min: 10ms
  rto_max: 5s
  buffer_size: 8192
`

func TestParseFull(t *testing.T) {
	cfg, err := Parse([]byte(full))
	require.NoError(t, err)

	assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")}, cfg.Addrs())
	assert.Equal(t, map[netip.Addr]int{netip.MustParseAddr("20.0.0.1"): 1280}, cfg.PathMTU())
	assert.Equal(t, 4, cfg.SMP)
	assert.Equal(t, 64, cfg.TaskBacklog)
	assert.Equal(t, 5*time.Millisecond, cfg.FlushInterval.Std())
	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, []uint16{80, 443}, cfg.Listen)

	n := cfg.Network()
	assert.Equal(t, "eth0", n.Name)
	assert.Equal(t, 9000, n.MTU)
	assert.Equal(t, 576, n.MinimumMTU)
	assert.False(t, n.PathMTUDiscovery)
	assert.Equal(t, 32, n.TransmitQueue)

	e := cfg.EngineConfig()
	assert.Equal(t, 10*time.Second, e.MSL)
	assert.EqualValues(t, 65535, e.WindowSize)
	assert.EqualValues(t, 0, e.WindowScale)
	assert.False(t, e.Timestamps)
	assert.Equal(t, 200*time.Millisecond, e.DelayedAckTimeout)
	assert.Equal(t, 16, e.MaxSynBacklog)

	o := cfg.ConnOptions()
	assert.Equal(t, 8192, o.BufferSize)
	assert.Equal(t, 10*time.Millisecond, o.RTOMin)
	assert.Equal(t, 5*time.Second, o.RTOMax)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("interface:\n  name: eth0\n  addresses: [10.0.0.1]\n"))
	require.NoError(t, err)

	n := cfg.Network()
	assert.Equal(t, 1500, n.MTU)
	assert.Equal(t, 68, n.MinimumMTU)
	assert.True(t, n.PathMTUDiscovery)
	assert.Equal(t, 256, n.TransmitQueue)
	assert.Equal(t, 1, cfg.SMP)
	assert.Equal(t, zerolog.InfoLevel, cfg.Level())

	e := cfg.EngineConfig()
	assert.Equal(t, 30*time.Second, e.MSL)
	assert.EqualValues(t, 8096*1024, e.WindowSize)
	assert.EqualValues(t, 5, e.WindowScale)
	assert.True(t, e.Timestamps)
	assert.Equal(t, 40*time.Millisecond, e.DelayedAckTimeout)
	assert.Equal(t, 64, e.MaxSynBacklog)
}

func TestParseRejects(t *testing.T) {
	base := "interface:\n  name: eth0\n  addresses: [10.0.0.1]\n"
	for name, doc := range map[string]string{
		"no name":        "interface:\n  addresses: [10.0.0.1]\n",
		"no address":     "interface:\n  name: eth0\n",
		"ipv6":           "interface:\n  name: eth0\n  addresses: ['::1']\n",
		"window scale":   base + "tcp:\n  window_scale: 15\n",
		"window size":    base + "tcp:\n  window_size: 2000000000\n",
		"rto order":      base + "tcp:\n  rto_min: 2s\n  rto_max: 1s\n",
		"log level":      base + "log_level: loud\n",
		"listen zero":    base + "listen: [0]\n",
		"small path mtu": base + "  path_mtu:\n    20.0.0.1: 40\n",
	} {
		_, err := Parse([]byte(doc))
		assert.True(t, errors.Is(err, ErrInvalid), name)
	}
}

func TestParseSyntaxErrors(t *testing.T) {
	base := "interface:\n  name: eth0\n  addresses: [10.0.0.1]\n"
	_, err := Parse([]byte(base + "unknown: 1\n"))
	assert.Error(t, err)

	_, err = Parse([]byte(base + "tcp:\n  msl: soon\n"))
	assert.ErrorContains(t, err, "line")
}

func TestParseConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	require.NoError(t, os.WriteFile(path, []byte(full), 0o644))
	cfg, err := ParseConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "eth0", cfg.Interface.Name)

	_, err = ParseConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
