package vpn

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sun89/VpnTcpProxy/core/client"
	coreErrs "github.com/sun89/VpnTcpProxy/core/errors"
	"github.com/sun89/VpnTcpProxy/extras/tunbridge"
)

const (
	minBackoff     = 1 * time.Second
	maxBackoff     = 30 * time.Second
	resetThreshold = 5 * time.Second
)

// DialFunc establishes one tunnel.
type DialFunc func(ctx context.Context) (client.Client, *client.TunnelInfo, error)

// Runner keeps a tunnel up. Every session is built from scratch; a dead
// tunnel is never repaired in place.
type Runner struct {
	Dial   DialFunc
	Bridge *tunbridge.Bridge // nil: no TUN device, the tunnel just idles
	Logger *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// Serve loops until ctx is done and returns ctx.Err(). A permanent error,
// such as an invalid config, stops it early and is returned as is.
func (r *Runner) Serve(ctx context.Context) error {
	if r.Logger == nil {
		r.Logger = zap.NewNop()
	}
	sleep := r.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	var backoff time.Duration

	for {
		start := time.Now()
		runErr := r.session(ctx)
		elapsed := time.Since(start)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if isPermanentError(runErr) {
			r.Logger.Error("tunnel cannot be started, giving up", zap.Error(runErr))
			return runErr
		}

		if runErr != nil {
			r.Logger.Warn("tunnel ended with error, reconnecting", zap.Error(runErr))
		} else {
			r.Logger.Info("tunnel ended, reconnecting")
		}

		backoff = nextBackoff(backoff, elapsed)
		if backoff > 0 {
			r.Logger.Warn("tunnel ended too quickly, backing off",
				zap.Duration("elapsed", elapsed),
				zap.Duration("backoff", backoff))
			if err := sleep(ctx, backoff); err != nil {
				return err
			}
		}
	}
}

// isPermanentError reports errors that another attempt cannot fix.
func isPermanentError(err error) bool {
	var ce coreErrs.ConfigError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, tunbridge.ErrUnsupported)
}

// nextBackoff doubles the delay for sessions that die young and resets it
// once a session has lived past resetThreshold.
func nextBackoff(prev, elapsed time.Duration) time.Duration {
	if elapsed >= resetThreshold {
		return 0
	}
	if prev == 0 {
		return minBackoff
	}
	prev *= 2
	if prev > maxBackoff {
		prev = maxBackoff
	}
	return prev
}

func (r *Runner) session(ctx context.Context) error {
	l := r.Logger.With(zap.String("attempt", uuid.New().String()))
	c, info, err := r.Dial(ctx)
	if err != nil {
		if phase, ok := coreErrs.PhaseOf(err); ok {
			l.Error("connect failed", zap.String("phase", string(phase)), zap.Error(err))
		}
		return err
	}
	defer c.Close()
	l.Info("tunnel up",
		zap.Stringer("server", info.ServerIP),
		zap.Stringer("local", info.LocalIP),
		zap.Stringer("remote", info.RemoteIP),
		zap.Uint16("peerMRU", info.PeerMRU),
		zap.String("auth", info.Auth),
		zap.Bool("verified", info.Verified))

	if r.Bridge != nil {
		b := *r.Bridge
		b.Logger = l.Named("tun")
		err := b.Run(ctx, c, tunbridge.Addressing{
			LocalIP:  info.LocalIP,
			RemoteIP: info.RemoteIP,
			ServerIP: info.ServerIP,
			PeerMRU:  info.PeerMRU,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	} else {
		select {
		case <-c.Done():
		case <-ctx.Done():
		}
	}
	select {
	case <-c.Done():
		return c.Err()
	default:
		return nil
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
