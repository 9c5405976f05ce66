// Package lnxconfig reads the YAML file describing a host: its interface,
// the number of cores and the TCP engine knobs.
package lnxconfig

import (
	"bytes"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"tcpengine/pkg/ipstack"
	"tcpengine/pkg/iptcpstack"
	"tcpengine/pkg/smp"
	"tcpengine/pkg/tcpconn"
)

var ErrInvalid = errors.New("invalid config")

// Duration accepts Go duration strings such as "40ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	v, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return errors.Wrapf(err, "line %d", value.Line)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type InterfaceConfig struct {
	Name             string   `yaml:"name"`
	Addresses        []string `yaml:"addresses"`
	MTU              int      `yaml:"mtu"`
	MinimumMTU       int      `yaml:"minimum_mtu"`
	PathMTUDiscovery *bool    `yaml:"path_mtu_discovery"`
	TransmitQueue    int      `yaml:"transmit_queue"`

	// PathMTU simulates a narrower link on the way to an address.
	PathMTU map[string]int `yaml:"path_mtu"`
}

type TCPConfig struct {
	MSL           Duration `yaml:"msl"`
	WindowSize    uint32   `yaml:"window_size"`
	WindowScale   *uint8   `yaml:"window_scale"`
	Timestamps    *bool    `yaml:"timestamps"`
	DelayedAck    Duration `yaml:"delayed_ack"`
	MaxSynBacklog int      `yaml:"max_syn_backlog"`
	RTOMin        Duration `yaml:"rto_min"`
	RTOMax        Duration `yaml:"rto_max"`
	BufferSize    int      `yaml:"buffer_size"`
}

type IPConfig struct {
	Interface     InterfaceConfig `yaml:"interface"`
	SMP           int             `yaml:"smp"`
	TaskBacklog   int             `yaml:"task_backlog"`
	FlushInterval Duration        `yaml:"flush_interval"`
	LogLevel      string          `yaml:"log_level"`
	TCP           TCPConfig       `yaml:"tcp"`

	// Listen opens these ports on the wildcard address at startup.
	Listen []uint16 `yaml:"listen"`

	addrs   []netip.Addr
	pathMTU map[netip.Addr]int
	level   zerolog.Level
}

const defaultFlushInterval = Duration(time.Millisecond)

func ParseConfig(path string) (*IPConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return cfg, nil
}

// Parse decodes a config, rejecting unknown keys, and fills in defaults.
func Parse(data []byte) (*IPConfig, error) {
	var cfg IPConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML")
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *IPConfig) applyDefaults() {
	if c.Interface.MTU == 0 {
		c.Interface.MTU = ipstack.DefaultMTU
	}
	if c.Interface.MinimumMTU == 0 {
		c.Interface.MinimumMTU = ipstack.DefaultMinimumMTU
	}
	if c.Interface.TransmitQueue == 0 {
		c.Interface.TransmitQueue = ipstack.DefaultTransmitQueue
	}
	if c.Interface.PathMTUDiscovery == nil {
		on := true
		c.Interface.PathMTUDiscovery = &on
	}
	if c.SMP == 0 {
		c.SMP = 1
	}
	if c.TaskBacklog == 0 {
		c.TaskBacklog = smp.DefaultBacklog
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	d := iptcpstack.DefaultConfig()
	t := &c.TCP
	if t.MSL == 0 {
		t.MSL = Duration(d.MSL)
	}
	if t.WindowSize == 0 {
		t.WindowSize = d.WindowSize
	}
	if t.WindowScale == nil {
		ws := d.WindowScale
		t.WindowScale = &ws
	}
	if t.Timestamps == nil {
		ts := d.Timestamps
		t.Timestamps = &ts
	}
	if t.DelayedAck == 0 {
		t.DelayedAck = Duration(d.DelayedAckTimeout)
	}
	if t.MaxSynBacklog == 0 {
		t.MaxSynBacklog = d.MaxSynBacklog
	}
	o := tcpconn.DefaultOptions()
	if t.RTOMin == 0 {
		t.RTOMin = Duration(o.RTOMin)
	}
	if t.RTOMax == 0 {
		t.RTOMax = Duration(o.RTOMax)
	}
	if t.BufferSize == 0 {
		t.BufferSize = o.BufferSize
	}
}

func (c *IPConfig) validate() error {
	if c.Interface.Name == "" {
		return errors.Wrap(ErrInvalid, "interface name is required")
	}
	if len(c.Interface.Addresses) == 0 {
		return errors.Wrap(ErrInvalid, "interface needs at least one address")
	}
	c.addrs = c.addrs[:0]
	for _, s := range c.Interface.Addresses {
		a, err := netip.ParseAddr(s)
		if err != nil || !a.Is4() {
			return errors.Wrapf(ErrInvalid, "address %q", s)
		}
		c.addrs = append(c.addrs, a)
	}
	c.pathMTU = make(map[netip.Addr]int, len(c.Interface.PathMTU))
	for s, mtu := range c.Interface.PathMTU {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return errors.Wrapf(ErrInvalid, "path_mtu address %q", s)
		}
		if mtu < c.Interface.MinimumMTU {
			return errors.Wrapf(ErrInvalid, "path_mtu %d for %s below minimum %d", mtu, s, c.Interface.MinimumMTU)
		}
		c.pathMTU[a] = mtu
	}
	if c.SMP < 1 {
		return errors.Wrapf(ErrInvalid, "smp %d", c.SMP)
	}
	if *c.TCP.WindowScale > iptcpstack.MaxWindowScale {
		return errors.Wrapf(ErrInvalid, "window_scale %d exceeds %d", *c.TCP.WindowScale, iptcpstack.MaxWindowScale)
	}
	if c.TCP.WindowSize > iptcpstack.MaxWindowSize {
		return errors.Wrapf(ErrInvalid, "window_size %d exceeds %d", c.TCP.WindowSize, iptcpstack.MaxWindowSize)
	}
	if c.TCP.RTOMin > c.TCP.RTOMax {
		return errors.Wrapf(ErrInvalid, "rto_min %s above rto_max %s", c.TCP.RTOMin.Std(), c.TCP.RTOMax.Std())
	}
	for _, p := range c.Listen {
		if p == 0 {
			return errors.Wrap(ErrInvalid, "cannot listen on port 0")
		}
	}
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return errors.Wrapf(ErrInvalid, "log_level %q", c.LogLevel)
	}
	c.level = level
	return nil
}

func (c *IPConfig) Addrs() []netip.Addr         { return c.addrs }
func (c *IPConfig) PathMTU() map[netip.Addr]int { return c.pathMTU }
func (c *IPConfig) Level() zerolog.Level        { return c.level }

// Network returns the interface settings for ipstack.New.
func (c *IPConfig) Network() ipstack.Config {
	return ipstack.Config{
		Name:             c.Interface.Name,
		Addrs:            c.addrs,
		MTU:              c.Interface.MTU,
		MinimumMTU:       c.Interface.MinimumMTU,
		PathMTUDiscovery: *c.Interface.PathMTUDiscovery,
		TransmitQueue:    c.Interface.TransmitQueue,
	}
}

func (c *IPConfig) ConnOptions() tcpconn.Options {
	return tcpconn.Options{
		BufferSize: c.TCP.BufferSize,
		RTOMin:     c.TCP.RTOMin.Std(),
		RTOMax:     c.TCP.RTOMax.Std(),
	}
}

// EngineConfig carries the knobs only; factories, core and stats are added
// by the host.
func (c *IPConfig) EngineConfig() iptcpstack.Config {
	return iptcpstack.Config{
		MSL:               c.TCP.MSL.Std(),
		WindowSize:        c.TCP.WindowSize,
		WindowScale:       *c.TCP.WindowScale,
		Timestamps:        *c.TCP.Timestamps,
		DelayedAckTimeout: c.TCP.DelayedAck.Std(),
		MaxSynBacklog:     c.TCP.MaxSynBacklog,
	}
}
