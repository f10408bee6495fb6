package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	coreErrs "github.com/sun89/VpnTcpProxy/core/errors"
)

func TestConfigDefaults(t *testing.T) {
	c := &Config{Server: "vpn.example.com", Username: "User"}
	if !assert.NoError(t, c.verifyAndFill()) {
		return
	}
	assert.Equal(t, 1723, c.Port)
	assert.Equal(t, DefaultVendor, c.Vendor)
	assert.Equal(t, uint16(1400), c.MRU)
	assert.Equal(t, uint16(1450), c.MaxPeerMRU)
	assert.Equal(t, 5*time.Second, c.LCPTimeout)
	assert.Equal(t, 10*time.Second, c.PhaseTimeout)
	assert.Equal(t, 10*time.Second, c.SetupTimeout)
	assert.Equal(t, 10*time.Second, c.KeepaliveInterval)
	assert.Equal(t, DefaultQueueLen, c.QueueLen)
	assert.NotNil(t, c.ListenGRE)
	assert.NotNil(t, c.Logger)

	pc := c.pppConfig()
	assert.Equal(t, "User", pc.Username)
	assert.Equal(t, uint16(1400), pc.MRU)
}

func TestConfigInvalid(t *testing.T) {
	tests := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"no server", Config{Username: "u"}, "Server"},
		{"no user", Config{Server: "s"}, "Username"},
		{"port", Config{Server: "s", Username: "u", Port: 70000}, "Port"},
		{"mru", Config{Server: "s", Username: "u", MRU: 500}, "MRU"},
		{"peer mru", Config{Server: "s", Username: "u", MaxPeerMRU: 100}, "MaxPeerMRU"},
		{"timeout", Config{Server: "s", Username: "u", LCPTimeout: -time.Second}, "Timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.verifyAndFill()
			var ce coreErrs.ConfigError
			if assert.ErrorAs(t, err, &ce) {
				assert.Equal(t, tt.field, ce.Field)
			}
		})
	}
}
