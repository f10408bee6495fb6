package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/widuu/goini"
	"go.uber.org/zap"

	"github.com/sun89/VpnTcpProxy/core/client"
	"github.com/sun89/VpnTcpProxy/extras/tunbridge"
)

type configError struct {
	Field string
	Err   error
}

func (e configError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Err)
}

func (e configError) Unwrap() error {
	return e.Err
}

type clientConfig struct {
	Server struct {
		Address  string
		Port     int
		Hostname string
		Vendor   string
	}
	Auth struct {
		Username string
		Password string
	}
	PPP struct {
		MRU          int
		MaxPeerMRU   int
		LCPTimeout   time.Duration
		PhaseTimeout time.Duration
	}
	TUN struct {
		Enabled      bool
		Name         string
		MTU          int
		ServerRoute  bool
		DefaultRoute bool
	}
	Metrics struct {
		Listen string
	}
}

func defaultClientConfig() *clientConfig {
	c := &clientConfig{}
	c.TUN.Enabled = true
	c.TUN.ServerRoute = true
	return c
}

// iniFile wraps goini, which reports a missing section as "no value".
type iniFile struct {
	conf *goini.Config
}

func (f iniFile) getString(section, key string) string {
	v := strings.TrimSpace(f.conf.GetValue(section, key))
	if v == "no value" {
		return ""
	}
	return v
}

func (f iniFile) getInt(section, key string, dst *int) error {
	v := f.getString(section, key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return configError{Field: section + "." + key, Err: err}
	}
	*dst = n
	return nil
}

func (f iniFile) getBool(section, key string, dst *bool) error {
	v := f.getString(section, key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return configError{Field: section + "." + key, Err: err}
	}
	*dst = b
	return nil
}

// getDuration accepts Go durations ("5s") and bare integers in milliseconds.
func (f iniFile) getDuration(section, key string, dst *time.Duration) error {
	v := f.getString(section, key)
	if v == "" {
		return nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return configError{Field: section + "." + key, Err: err}
	}
	*dst = d
	return nil
}

// loadConfig reads the INI file at path on top of the defaults.
func loadConfig(path string) (*clientConfig, error) {
	c := defaultClientConfig()
	if path == "" {
		return c, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, configError{Field: "config", Err: err}
	}
	f := iniFile{conf: goini.SetConfig(path)}

	c.Server.Address = f.getString("server", "address")
	c.Server.Hostname = f.getString("server", "hostname")
	c.Server.Vendor = f.getString("server", "vendor")
	c.Auth.Username = f.getString("auth", "username")
	c.Auth.Password = f.getString("auth", "password")
	c.TUN.Name = f.getString("tun", "name")
	c.Metrics.Listen = f.getString("metrics", "listen")

	for _, step := range []error{
		f.getInt("server", "port", &c.Server.Port),
		f.getInt("ppp", "mru", &c.PPP.MRU),
		f.getInt("ppp", "max_peer_mru", &c.PPP.MaxPeerMRU),
		f.getDuration("ppp", "lcp_timeout", &c.PPP.LCPTimeout),
		f.getDuration("ppp", "phase_timeout", &c.PPP.PhaseTimeout),
		f.getBool("tun", "enabled", &c.TUN.Enabled),
		f.getInt("tun", "mtu", &c.TUN.MTU),
		f.getBool("tun", "server_route", &c.TUN.ServerRoute),
		f.getBool("tun", "default_route", &c.TUN.DefaultRoute),
	} {
		if step != nil {
			return nil, step
		}
	}
	return c, nil
}

func (c *clientConfig) validate() error {
	if c.Server.Address == "" {
		return configError{Field: "server.address", Err: fmt.Errorf("must be set")}
	}
	if c.Auth.Username == "" {
		return configError{Field: "auth.username", Err: fmt.Errorf("must be set")}
	}
	if c.PPP.MRU < 0 || c.PPP.MRU > 0xffff {
		return configError{Field: "ppp.mru", Err: fmt.Errorf("out of range")}
	}
	if c.PPP.MaxPeerMRU < 0 || c.PPP.MaxPeerMRU > 0xffff {
		return configError{Field: "ppp.max_peer_mru", Err: fmt.Errorf("out of range")}
	}
	if c.TUN.MTU < 0 {
		return configError{Field: "tun.mtu", Err: fmt.Errorf("must not be negative")}
	}
	return nil
}

func (c *clientConfig) toClient(l *zap.Logger) *client.Config {
	return &client.Config{
		Server:       c.Server.Address,
		Port:         c.Server.Port,
		Username:     c.Auth.Username,
		Password:     c.Auth.Password,
		Hostname:     c.Server.Hostname,
		Vendor:       c.Server.Vendor,
		MRU:          uint16(c.PPP.MRU),
		MaxPeerMRU:   uint16(c.PPP.MaxPeerMRU),
		LCPTimeout:   c.PPP.LCPTimeout,
		PhaseTimeout: c.PPP.PhaseTimeout,
		Logger:       l,
	}
}

// bridge returns nil when the TUN device is disabled.
func (c *clientConfig) bridge() *tunbridge.Bridge {
	if !c.TUN.Enabled {
		return nil
	}
	return &tunbridge.Bridge{
		Name:         c.TUN.Name,
		MTU:          c.TUN.MTU,
		ServerRoute:  c.TUN.ServerRoute,
		DefaultRoute: c.TUN.DefaultRoute,
	}
}
