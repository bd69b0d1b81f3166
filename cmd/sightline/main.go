// Sightline streams camera frames to a detection backend and serves the
// live overlay on a local dashboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-sightline/internal/config"
	"github.com/teslashibe/go-sightline/internal/log"
	"github.com/teslashibe/go-sightline/pkg/audio"
	"github.com/teslashibe/go-sightline/pkg/camera"
	"github.com/teslashibe/go-sightline/pkg/detection"
	"github.com/teslashibe/go-sightline/pkg/metrics"
	"github.com/teslashibe/go-sightline/pkg/session"
	"github.com/teslashibe/go-sightline/pkg/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sightline: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := parseFlags()
	if err != nil {
		return err
	}

	log.Init(cfg.LogLevel, cfg.LogFormat)
	logger := log.L()

	cam, err := camera.NewManager(cfg.Camera, nil, logger)
	if err != nil {
		return err
	}
	defer cam.Close()

	var player *audio.Player
	if cfg.Audio.Enabled {
		player = audio.NewPlayer(audio.ExecRunner{Command: cfg.Audio.Command}, logger)
	}

	m := metrics.New()
	var dash *web.Server

	opts := append(cfg.SessionOptions(),
		session.WithMetrics(m),
		session.WithLogger(logger),
		session.WithOnUpdate(func(st session.Status) {
			if dash != nil {
				dash.Publish(st)
			}
		}),
		session.WithOnFailed(func(err error) {
			logger.Error("backend unreachable, use reconnect to retry", "error", err)
			if dash != nil {
				dash.AddLog("error", err.Error())
			}
		}),
	)
	sess, err := session.New(cam, player, opts...)
	if err != nil {
		return err
	}
	cam.OnConfigChange = func(c camera.Config) error {
		sess.SetFacing(detection.Facing(c.Facing))
		return nil
	}

	if cfg.Dashboard.Enabled {
		wcfg := web.DefaultConfig()
		wcfg.Addr = cfg.Dashboard.Addr
		wcfg.Camera = cam
		wcfg.Metrics = m.Handler()
		wcfg.Logger = logger
		dash = web.NewServer(wcfg, sess)
		dash.StartAsync()
		defer dash.Shutdown()
		dash.AddLog("info", "session "+sess.ID()+" streaming to "+cfg.Backend.URL)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("sightline starting",
		"session_id", sess.ID(),
		"backend", cfg.Backend.URL,
		"camera", cfg.Camera.Source,
		"dashboard", cfg.Dashboard.Enabled,
	)
	if err := sess.Run(ctx); err != nil {
		return err
	}
	logger.Info("sightline stopped")
	return nil
}

// parseFlags loads the config file and environment, then applies flags.
func parseFlags() (*config.Config, error) {
	path := flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "YAML config file")
	url := flag.String("url", "", "Backend URL (ws://, wss://, http:// or https://)")
	source := flag.String("source", "", "Camera source: webcam or synthetic")
	device := flag.Int("device", -1, "Webcam device index")
	facing := flag.String("facing", "", "Camera facing: front or back")
	addr := flag.String("addr", "", "Dashboard listen address")
	noDash := flag.Bool("no-dashboard", false, "Disable the local dashboard")
	noAudio := flag.Bool("no-audio", false, "Do not play result audio")
	level := flag.String("log-level", "", "Log level: debug, info, warn, error")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		return nil, err
	}
	if *url != "" {
		cfg.Backend.URL = *url
	}
	if *source != "" {
		cfg.Camera.Source = *source
	}
	if *device >= 0 {
		cfg.Camera.Device = *device
	}
	if *facing != "" {
		cfg.Camera.Facing = *facing
	}
	if *addr != "" {
		cfg.Dashboard.Addr = *addr
	}
	if *noDash {
		cfg.Dashboard.Enabled = false
	}
	if *noAudio {
		cfg.Audio.Enabled = false
	}
	if *level != "" {
		cfg.LogLevel = *level
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
