package client

import (
	"os"
	"time"

	coreErrs "github.com/sun89/VpnTcpProxy/core/errors"
	"github.com/sun89/VpnTcpProxy/extras/gre"
	"github.com/sun89/VpnTcpProxy/extras/pppclient"
	"github.com/sun89/VpnTcpProxy/extras/pptp"

	"go.uber.org/zap"
)

const (
	DefaultVendor   = "ESP8266-Sun89-Natthapol89.com"
	DefaultQueueLen = 256

	ackInterval = time.Second
)

type Config struct {
	Server   string // host name or IPv4 address of the PPTP server
	Port     int
	Username string
	Password string

	Hostname string // announced in Start-Control-Connection-Request
	Vendor   string

	MRU          uint16
	MaxPeerMRU   uint16
	LCPTimeout   time.Duration
	PhaseTimeout time.Duration

	SetupTimeout      time.Duration
	KeepaliveInterval time.Duration

	QueueLen int // inbound packets buffered for the IP stack

	// ListenGRE opens the raw GRE channel. Defaults to gre.ListenRaw,
	// which needs CAP_NET_RAW.
	ListenGRE gre.ListenFunc

	Logger *zap.Logger

	filled bool
}

// verifyAndFill fills the fields that are not set by the user with default values (if any),
// and verifies that the config is valid.
func (c *Config) verifyAndFill() error {
	if c.filled {
		return nil
	}
	if c.Server == "" {
		return coreErrs.ConfigError{Field: "Server", Reason: "must be set"}
	}
	if c.Port == 0 {
		c.Port = pptp.DefaultPort
	} else if c.Port < 0 || c.Port > 65535 {
		return coreErrs.ConfigError{Field: "Port", Reason: "must be between 1 and 65535"}
	}
	if c.Username == "" {
		return coreErrs.ConfigError{Field: "Username", Reason: "must be set"}
	}
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
	if c.Vendor == "" {
		c.Vendor = DefaultVendor
	}
	if c.MRU == 0 {
		c.MRU = pppclient.DefaultMRU
	} else if c.MRU < 576 {
		return coreErrs.ConfigError{Field: "MRU", Reason: "must be at least 576"}
	}
	if c.MaxPeerMRU == 0 {
		c.MaxPeerMRU = pppclient.DefaultMaxPeerMRU
	} else if c.MaxPeerMRU < 576 {
		return coreErrs.ConfigError{Field: "MaxPeerMRU", Reason: "must be at least 576"}
	}
	if c.LCPTimeout < 0 || c.PhaseTimeout < 0 || c.SetupTimeout < 0 || c.KeepaliveInterval < 0 {
		return coreErrs.ConfigError{Field: "Timeout", Reason: "must not be negative"}
	}
	if c.LCPTimeout == 0 {
		c.LCPTimeout = pppclient.DefaultLCPTimeout
	}
	if c.PhaseTimeout == 0 {
		c.PhaseTimeout = pppclient.DefaultPhaseTimeout
	}
	if c.SetupTimeout == 0 {
		c.SetupTimeout = pptp.DefaultSetupTimeout
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = pptp.DefaultKeepaliveInterval
	}
	if c.QueueLen <= 0 {
		c.QueueLen = DefaultQueueLen
	}
	if c.ListenGRE == nil {
		c.ListenGRE = gre.ListenRaw
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	c.filled = true
	return nil
}

func (c *Config) pptpConfig() pptp.Config {
	return pptp.Config{
		Hostname:          c.Hostname,
		Vendor:            c.Vendor,
		SetupTimeout:      c.SetupTimeout,
		KeepaliveInterval: c.KeepaliveInterval,
	}
}

func (c *Config) pppConfig() pppclient.Config {
	return pppclient.Config{
		Username:     c.Username,
		Password:     c.Password,
		MRU:          c.MRU,
		MaxPeerMRU:   c.MaxPeerMRU,
		LCPTimeout:   c.LCPTimeout,
		PhaseTimeout: c.PhaseTimeout,
	}
}
