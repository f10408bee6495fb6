package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sun89/VpnTcpProxy/app/internal/vpn"
	"github.com/sun89/VpnTcpProxy/core/client"
)

const reloadDebounce = 500 * time.Millisecond

var (
	configPath string

	flagServer        string
	flagPort          int
	flagUsername      string
	flagPassword      string
	flagNoTUN         bool
	flagTUNName       string
	flagTUNMTU        int
	flagDefaultRoute  bool
	flagMetricsListen string
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a PPTP server and keep the tunnel up",
	Run:   runConnect,
}

func init() {
	f := connectCmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "INI config file, reloaded when it changes")
	f.StringVarP(&flagServer, "server", "s", "", "PPTP server host or IPv4 address")
	f.IntVarP(&flagPort, "port", "p", 0, "PPTP control port (default 1723)")
	f.StringVarP(&flagUsername, "username", "u", "", "PPP user name")
	f.StringVar(&flagPassword, "password", "", "PPP password")
	f.BoolVar(&flagNoTUN, "no-tun", false, "negotiate the tunnel without creating a TUN device")
	f.StringVar(&flagTUNName, "tun-name", "", "TUN device name")
	f.IntVar(&flagTUNMTU, "tun-mtu", 0, "TUN device MTU (default derived from the WAN MTU)")
	f.BoolVar(&flagDefaultRoute, "default-route", false, "route all IPv4 traffic through the tunnel")
	f.StringVar(&flagMetricsListen, "metrics-listen", "", "address to serve Prometheus metrics on")
	rootCmd.AddCommand(connectCmd)
}

// applyFlags overrides file values with the flags given on the command line.
func applyFlags(cmd *cobra.Command, c *clientConfig) {
	f := cmd.Flags()
	if f.Changed("server") {
		c.Server.Address = flagServer
	}
	if f.Changed("port") {
		c.Server.Port = flagPort
	}
	if f.Changed("username") {
		c.Auth.Username = flagUsername
	}
	if f.Changed("password") {
		c.Auth.Password = flagPassword
	}
	if f.Changed("no-tun") {
		c.TUN.Enabled = !flagNoTUN
	}
	if f.Changed("tun-name") {
		c.TUN.Name = flagTUNName
	}
	if f.Changed("tun-mtu") {
		c.TUN.MTU = flagTUNMTU
	}
	if f.Changed("default-route") {
		c.TUN.DefaultRoute = flagDefaultRoute
	}
	if f.Changed("metrics-listen") {
		c.Metrics.Listen = flagMetricsListen
	}
}

func runConnect(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reload := make(chan struct{}, 1)
	if configPath != "" {
		go watchConfig(ctx, configPath, reload, logger.Named("config"))
	}

	cfg, err := readConfig(cmd)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	metricsListen := ""
	for {
		if cfg.Metrics.Listen != "" && metricsListen == "" {
			metricsListen = cfg.Metrics.Listen
			go runMetricsServer(metricsListen)
		}

		logger.Info("connecting",
			zap.String("server", cfg.Server.Address),
			zap.Int("port", cfg.Server.Port),
			zap.String("username", cfg.Auth.Username),
			zap.Bool("tun", cfg.TUN.Enabled))

		r := &vpn.Runner{
			Dial: func(ctx context.Context) (client.Client, *client.TunnelInfo, error) {
				return client.NewClient(ctx, cfg.toClient(logger))
			},
			Bridge: cfg.bridge(),
			Logger: logger.Named("vpn"),
		}
		runCtx, cancel := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() { errCh <- r.Serve(runCtx) }()

		select {
		case <-ctx.Done():
			cancel()
			<-errCh
			logger.Info("shutting down")
			return
		case err := <-errCh:
			cancel()
			logger.Fatal("tunnel stopped", zap.Error(err))
		case <-reload:
			logger.Info("config changed, reconnecting", zap.String("path", configPath))
			cancel()
			if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("tunnel stopped with error", zap.Error(err))
			}
			if next, err := readConfig(cmd); err != nil {
				logger.Error("failed to reload config, keeping the previous one", zap.Error(err))
			} else {
				cfg = next
			}
		}
	}
}

func readConfig(cmd *cobra.Command) (*clientConfig, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runMetricsServer(listen string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics server up and running", zap.String("listen", listen))
	if err := http.ListenAndServe(listen, mux); err != nil {
		logger.Error("metrics server failed", zap.Error(err))
	}
}

// watchConfig signals reload after path has been written and then left
// alone for reloadDebounce.
func watchConfig(ctx context.Context, path string, reload chan<- struct{}, l *zap.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.Error("cannot set up config watcher", zap.Error(err))
		return
	}
	defer watcher.Close()
	if err := watcher.Add(path); err != nil {
		l.Error("cannot watch config file", zap.String("path", path), zap.Error(err))
		return
	}
	l.Info("watching config file", zap.String("file", filepath.Base(path)))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			l.Debug("config file event", zap.String("file", filepath.Base(event.Name)), zap.Stringer("op", event.Op))
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// editors replace the file, so the watch has to be re-installed
				if err := watcher.Add(path); err != nil {
					l.Warn("cannot re-watch config file", zap.Error(err))
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.Warn("config watch error", zap.Error(err))
		case <-debounce.C:
			select {
			case reload <- struct{}{}:
			default:
			}
		}
	}
}
