package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/afterburner/internal/bridge"
	"github.com/shaunagostinho/afterburner/internal/device"
	"github.com/shaunagostinho/afterburner/internal/notify"
	"github.com/shaunagostinho/afterburner/internal/server"
	"github.com/shaunagostinho/afterburner/web"
)

func main() {
	configPath := flag.String("config", "/etc/afterburner/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated controller")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	portPath := flag.String("port", "", "Serial port to connect to on startup")
	flag.Parse()

	cfg := server.LoadConfig(*configPath)
	setupLogging(cfg.Current().Logging.Level)
	log.Info("afterburner starting")

	// Flags override the file.
	if overrides := flagOverrides(*demo, *portPath, *listenAddr); overrides != nil {
		if err := cfg.UpdateFromJSON(overrides); err != nil {
			log.WithError(err).Fatal("apply flags")
		}
	}
	cur := cfg.Current()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var opener device.Opener = device.SerialOpener{BaudRate: cur.Device.BaudRate}
	port := cur.Device.PortPath
	if *portPath != "" {
		port = *portPath
	}
	if cur.Device.Type == "demo" {
		opener = device.DemoOpener{Interval: time.Duration(cur.Device.DemoIntervalMs) * time.Millisecond}
		port = device.DemoPortName
	}

	// The server is also a notifier; it is created after the controller.
	var srv *server.Server
	notifier := notify.Multi{
		notify.Log{Logger: log.StandardLogger()},
		notify.Func(func(title, body string) { srv.Notify(title, body) }),
	}

	ctrl := device.NewController(device.Config{
		Opener:       opener,
		Notifier:     notifier,
		Metrics:      device.NewMetrics(reg),
		Logger:       log.StandardLogger(),
		Title:        cur.Notify.Title,
		MaxLineBytes: cur.Device.MaxLineBytes,
		Legacy:       cur.Device.Legacy,
		LatchDelay:   time.Duration(cur.Device.LatchDelayMs) * time.Millisecond,
	})

	srv = server.New(cfg, ctrl, web.FS,
		server.WithGatherer(reg),
		server.WithLogger(log.StandardLogger()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Run(gctx) })

	if cur.MQTT.Enabled {
		b := bridge.New(bridge.Config{
			Broker:    cur.MQTT.Broker,
			ClientID:  cur.MQTT.ClientID,
			Username:  cur.MQTT.Username,
			Password:  cur.MQTT.Password,
			Prefix:    cur.MQTT.Prefix,
			QoS:       cur.MQTT.QoS,
			PublishHz: cur.MQTT.PublishHz,
		}, nil, ctrl.State(), ctrl, log.StandardLogger())
		g.Go(func() error { return b.Run(gctx) })
	}

	// The page works immediately; the controller may still be connecting.
	if cur.Device.AutoConnect {
		g.Go(func() error {
			connectWithRetry(gctx, ctrl, port, 10)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		if err := ctrl.Disconnect(); err != nil {
			log.WithError(err).Warn("disconnect on shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("exited with error")
		os.Exit(1)
	}
	log.Info("shut down")
}

// flagOverrides builds the partial JSON config update for the command line
// flags, or nil when none of them change the config.
func flagOverrides(demo bool, portPath, listenAddr string) []byte {
	patch := map[string]map[string]any{}
	switch {
	case demo:
		patch["device"] = map[string]any{"type": "demo", "autoConnect": true}
	case portPath != "":
		patch["device"] = map[string]any{"autoConnect": true}
	}
	if listenAddr != "" {
		patch["server"] = map[string]any{"listenAddr": listenAddr}
	}
	if len(patch) == 0 {
		return nil
	}
	data, _ := json.Marshal(patch)
	return data
}

func setupLogging(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, logs the attempt count
// against maxAttempts and then keeps going at the max interval.
func connectWithRetry(ctx context.Context, ctrl *device.Controller, port string, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0
	entry := log.WithField("port", port)

	for {
		err := ctrl.Connect(ctx, port)
		if err == nil {
			entry.WithField("attempt", attempt+1).Info("connected successfully")
			return
		}
		if errors.Is(err, device.ErrAlreadyConnected) {
			// Connected through the API in the meantime.
			return
		}

		attempt++
		e := entry.WithError(err).WithField("retry_in", delay)
		if attempt <= maxAttempts {
			e.Warnf("connect attempt %d/%d failed", attempt, maxAttempts)
		} else {
			e.Warnf("connect attempt %d failed", attempt)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
