package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/mmackelprang/RotaryPhone/internal/api"
	"github.com/mmackelprang/RotaryPhone/internal/banner"
	"github.com/mmackelprang/RotaryPhone/internal/config"
	"github.com/mmackelprang/RotaryPhone/internal/gateway"
	"github.com/mmackelprang/RotaryPhone/internal/logger"
	"github.com/mmackelprang/RotaryPhone/internal/metrics"
)

var version = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "rotarygw",
		Usage:   "Rotary phone to Bluetooth mobile gateway",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML config file",
				Sources: cli.EnvVars("ROTARY_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "debug, info, warn or error",
				Sources: cli.EnvVars("LOGLEVEL"),
			},
			&cli.StringFlag{
				Name:    "http",
				Usage:   "status API listen address",
				Sources: cli.EnvVars("HTTP_ADDR"),
			},
			&cli.StringFlag{
				Name:    "advertise",
				Usage:   "address announced to the ATA in SIP and SDP",
				Sources: cli.EnvVars("ADVERTISE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "validate",
				Usage:  "load and validate the configuration, then exit",
				Action: runValidate,
			},
		},
		Action: runGateway,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("http") {
		cfg.HTTP.Address = c.String("http")
	}
	if c.IsSet("advertise") {
		cfg.SIP.AdvertiseAddress = c.String("advertise")
	}
	return cfg, nil
}

func runValidate(_ context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	fmt.Printf("configuration ok: %d line(s)\n", len(cfg.Lines))
	return nil
}

func runGateway(ctx context.Context, c *cli.Command) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	logFile := logger.Setup(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logFile.Close()

	recent := logger.NewRecent(200)
	logger.SetSink(recent)

	recorder := metrics.New()
	gw, err := gateway.NewManager(cfg, gateway.Options{Observer: recorder})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	defer gw.Close()

	if err := recorder.Watch(gw); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	apiServer := api.NewServer(cfg.HTTP.Address, gw, api.Options{Metrics: recorder.Handler(), Logs: recent})
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("start API server: %w", err)
	}

	printBanner(cfg)
	logNetworkInterfaces()

	<-ctx.Done()
	logger.Info("Received signal, shutting down")

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Warn("[API] Shutdown failed", "error", err)
	}
	return nil
}

func printBanner(cfg *config.Config) {
	hfpMode := "mock"
	if cfg.Bluetooth.UseActualHFP {
		hfpMode = cfg.Bluetooth.Adapter
	}
	audioMode := "null"
	if cfg.Audio.UseActualBridge {
		audioMode = "portaudio"
	}

	lines := []banner.ConfigLine{
		{Label: "SIP", Value: net.JoinHostPort(cfg.SIP.ListenAddress, strconv.Itoa(cfg.SIP.Port))},
		{Label: "Advertise", Value: cfg.SIP.AdvertiseAddress},
		{Label: "HTTP API", Value: cfg.HTTP.Address},
		{Label: "Bluetooth", Value: hfpMode},
		{Label: "Audio", Value: audioMode},
		{Label: "Log level", Value: logger.GetLevel()},
	}
	for _, l := range cfg.Lines {
		lines = append(lines, banner.ConfigLine{
			Label: "Line " + l.ID,
			Value: fmt.Sprintf("%s ext %s rtp %d", l.ATAIP, l.ATAExtension, l.RTPPort),
		})
	}
	banner.Print("RotaryPhone Gateway "+version, lines)
}

func logNetworkInterfaces() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			logger.Debug("Network interface", "interface", iface.Name, "ip", ip.String())
		}
	}
}
