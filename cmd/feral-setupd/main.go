package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/feral-file/feral-setupd/internal/app"
	"github.com/feral-file/feral-setupd/internal/ble"
	"github.com/feral-file/feral-setupd/internal/config"
	"github.com/feral-file/feral-setupd/internal/kiosk"
	"github.com/feral-file/feral-setupd/internal/signalbus"
	"github.com/feral-file/feral-setupd/internal/state"
	"github.com/feral-file/feral-setupd/internal/systime"
	"github.com/feral-file/feral-setupd/internal/wifi"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: /etc/feral-setupd/config.yaml)")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	flag.Parse()

	if *writeConfig {
		path := *configPath
		if path == "" {
			path = config.DefaultConfigPath()
		}
		written, err := config.WriteDefault(path)
		if err != nil {
			fatal("write config", err)
		}
		if written == "" {
			fmt.Printf("Config already exists at %s\n", path)
		} else {
			fmt.Printf("Default config written to %s\n", written)
		}
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("config", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("config validation", err)
	}

	closeLog := setupLogging(cfg)
	defer closeLog()

	if err := run(cfg); err != nil {
		slog.Error("[APP] exiting", "error", err)
		closeLog()
		os.Exit(1)
	}
	slog.Info("[APP] goodbye")
}

func run(cfg *config.Config) error {
	deviceID, err := ble.DeviceIDForInterface(cfg.BLE.Interface, cfg.BLE.DeviceIDPrefix, cfg.BLE.DeviceIDLength)
	if err != nil {
		return err
	}

	store, err := state.Open(cfg.State.Path)
	if err != nil {
		return err
	}

	peripheral, err := ble.NewPeripheral()
	if err != nil {
		return err
	}

	bus, err := signalbus.ConnectSessionBus()
	if err != nil {
		return err
	}
	defer bus.Close()

	nmcli := wifi.NewNMCLI(cfg.Wifi.NmcliPath, cfg.Wifi.MaxSSIDs)
	sd := app.Systemd{}
	a := app.New(app.Deps{
		Peripheral: peripheral,
		DeviceID:   deviceID,
		Store:      store,
		Kiosk:      kiosk.NewCDP(cfg.Kiosk.CDPURL),
		Scanner:    nmcli,
		Wifi:       nmcli,
		Clock:      systime.New(),
		Bus:        bus,
		Watchdog:   sd,
	}, app.Options{
		DailyURL:        cfg.Kiosk.DailyURL,
		QRCodeURLPrefix: cfg.Kiosk.QRCodeURLPrefix,
		StopSettleDelay: cfg.BLE.StopSettleDelay,
		Cache: wifi.CacheOptions{
			TTL:            cfg.Wifi.ScanTTL,
			BackoffInitial: cfg.Wifi.ScanBackoffInitial,
			BackoffMax:     cfg.Wifi.ScanBackoffMax,
			ScanTimeout:    wifi.DefaultCacheOptions().ScanTimeout,
		},
		SignalBus: signalbus.Options{
			AckTimeout:     cfg.SignalBus.AckTimeout,
			MaxRetries:     cfg.SignalBus.MaxRetries,
			ReceiveTimeout: cfg.SignalBus.ReceiveTimeout,
			ListenInterval: cfg.SignalBus.ListenInterval,
		},
		WatchdogInterval: app.WatchdogInterval(cfg.Systemd.WatchdogInterval),
	})

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("[APP] shutting down")
		sd.Stopping()
		a.Shutdown()
	}()

	printBanner(cfg, deviceID)

	if err := a.Start(ctx); err != nil {
		return err
	}
	sd.Ready()
	slog.Info("[APP] ready", "device_id", deviceID, "advertising", a.Service().Advertising())

	return a.Run(ctx)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, nil
	}

	// No config file, use defaults
	return config.Default(), nil
}

// setupLogging installs the default slog logger. With log.file set, output
// is tee'd to a rotating file.
func setupLogging(cfg *config.Config) func() {
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.Log.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
		}
		w = io.MultiWriter(os.Stderr, lj)
		closeFn = func() { _ = lj.Close() }
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: config.ParseLogLevel(cfg.LogLevel)})
	slog.SetDefault(slog.New(handler))
	return closeFn
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config, deviceID string) {
	fmt.Println("=== feral-setupd ===")
	fmt.Printf("  Device:  %s\n", deviceID)
	fmt.Printf("  Iface:   %s\n", cfg.BLE.Interface)
	fmt.Printf("  Kiosk:   %s\n", cfg.Kiosk.CDPURL)
	fmt.Printf("  State:   %s\n", cfg.State.Path)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("====================")
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}
