package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Log       LogConfig       `yaml:"log"`
	BLE       BLEConfig       `yaml:"ble"`
	Wifi      WifiConfig      `yaml:"wifi"`
	SignalBus SignalBusConfig `yaml:"signal_bus"`
	Kiosk     KioskConfig     `yaml:"kiosk"`
	State     StateConfig     `yaml:"state"`
	Systemd   SystemdConfig   `yaml:"systemd"`
}

// LogConfig holds log file rotation settings. An empty File logs to stderr only.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// BLEConfig holds pairing peripheral settings.
type BLEConfig struct {
	DeviceIDPrefix  string        `yaml:"device_id_prefix"`
	DeviceIDLength  int           `yaml:"device_id_length"`
	Interface       string        `yaml:"interface"` // MAC source for the device id
	StopSettleDelay time.Duration `yaml:"stop_settle_delay"`
}

// WifiConfig holds scan and connect settings.
type WifiConfig struct {
	MaxSSIDs           int           `yaml:"max_ssids"`
	ScanTTL            time.Duration `yaml:"scan_ttl"`
	ScanBackoffInitial time.Duration `yaml:"scan_backoff_initial"`
	ScanBackoffMax     time.Duration `yaml:"scan_backoff_max"`
	NmcliPath          string        `yaml:"nmcli_path"`
}

// SignalBusConfig holds the acknowledged signal protocol timings.
type SignalBusConfig struct {
	AckTimeout     time.Duration `yaml:"ack_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
	ListenInterval time.Duration `yaml:"listen_interval"`
}

// KioskConfig holds the display browser settings.
type KioskConfig struct {
	CDPURL          string `yaml:"cdp_url"`
	DailyURL        string `yaml:"daily_url"`
	QRCodeURLPrefix string `yaml:"qrcode_url_prefix"`
}

// StateConfig holds the app cache location.
type StateConfig struct {
	Path string `yaml:"path"`
}

// SystemdConfig holds service manager integration settings.
type SystemdConfig struct {
	WatchdogInterval time.Duration `yaml:"watchdog_interval"` // 0 uses WATCHDOG_USEC
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	return "/etc/feral-setupd"
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		BLE: BLEConfig{
			DeviceIDPrefix:  "FF-X1-",
			DeviceIDLength:  8,
			Interface:       "wlan0",
			StopSettleDelay: 500 * time.Millisecond,
		},
		Wifi: WifiConfig{
			MaxSSIDs:           9,
			ScanTTL:            30 * time.Second,
			ScanBackoffInitial: 2 * time.Second,
			ScanBackoffMax:     30 * time.Second,
			NmcliPath:          "nmcli",
		},
		SignalBus: SignalBusConfig{
			AckTimeout:     2 * time.Second,
			MaxRetries:     5,
			ReceiveTimeout: 60 * time.Second,
			ListenInterval: time.Second,
		},
		Kiosk: KioskConfig{
			CDPURL:          "http://127.0.0.1:9222",
			DailyURL:        "https://support-feralfile-device.feralfile-display-prod.pages.dev?platform=ff-device",
			QRCodeURLPrefix: "/opt/feral/ui/launcher/index.html?step=qr&device_id=",
		},
		State: StateConfig{
			Path: "/home/feralfile/.state/setupd",
		},
		Systemd: SystemdConfig{
			WatchdogInterval: 15 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in file paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Log.File = expandTilde(cfg.Log.File)
	cfg.State.Path = expandTilde(cfg.State.Path)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.Log.File != "" && c.Log.MaxSizeMB <= 0 {
		return fmt.Errorf("log.max_size_mb must be > 0")
	}

	if c.BLE.DeviceIDLength < 1 || c.BLE.DeviceIDLength > 12 {
		return fmt.Errorf("ble.device_id_length must be 1..12, got %d", c.BLE.DeviceIDLength)
	}
	if c.BLE.Interface == "" {
		return fmt.Errorf("ble.interface must not be empty")
	}
	if c.BLE.StopSettleDelay < 0 {
		return fmt.Errorf("ble.stop_settle_delay must be >= 0")
	}

	if c.Wifi.MaxSSIDs <= 0 {
		return fmt.Errorf("wifi.max_ssids must be > 0")
	}
	if c.Wifi.ScanTTL <= 0 {
		return fmt.Errorf("wifi.scan_ttl must be > 0")
	}
	if c.Wifi.ScanBackoffInitial < 0 || c.Wifi.ScanBackoffMax < c.Wifi.ScanBackoffInitial {
		return fmt.Errorf("wifi.scan_backoff_initial must be >= 0 and <= wifi.scan_backoff_max")
	}

	if c.SignalBus.AckTimeout <= 0 {
		return fmt.Errorf("signal_bus.ack_timeout must be > 0")
	}
	if c.SignalBus.MaxRetries <= 0 {
		return fmt.Errorf("signal_bus.max_retries must be > 0")
	}
	if c.SignalBus.ReceiveTimeout <= 0 {
		return fmt.Errorf("signal_bus.receive_timeout must be > 0")
	}
	if c.SignalBus.ListenInterval <= 0 {
		return fmt.Errorf("signal_bus.listen_interval must be > 0")
	}

	if c.Kiosk.CDPURL == "" {
		return fmt.Errorf("kiosk.cdp_url must not be empty")
	}

	if c.State.Path == "" {
		return fmt.Errorf("state.path must not be empty")
	}

	if c.Systemd.WatchdogInterval < 0 {
		return fmt.Errorf("systemd.watchdog_interval must be >= 0")
	}

	return nil
}

// ParseLogLevel maps a config log level to a slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// defaultTemplate mirrors Default. Durations are written in Go syntax since
// yaml.v3 does not decode integer durations.
const defaultTemplate = `# feral-setupd configuration
# Durations use Go syntax: 500ms, 2s, 1m.

log_level: %s

log:
  file: "%s"        # empty logs to stderr only
  max_size_mb: %d
  max_backups: %d
  max_age_days: %d

ble:
  device_id_prefix: "%s"
  device_id_length: %d
  interface: %s
  stop_settle_delay: %s

wifi:
  max_ssids: %d
  scan_ttl: %s
  scan_backoff_initial: %s
  scan_backoff_max: %s
  nmcli_path: %s

signal_bus:
  ack_timeout: %s
  max_retries: %d
  receive_timeout: %s
  listen_interval: %s

kiosk:
  cdp_url: "%s"
  daily_url: "%s"
  qrcode_url_prefix: "%s"

state:
  path: %s

systemd:
  watchdog_interval: %s
`

// WriteDefault writes the default config to path, creating parent
// directories. It returns "" without touching anything when path exists.
func WriteDefault(path string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	d := Default()
	content := fmt.Sprintf(defaultTemplate,
		d.LogLevel,
		d.Log.File, d.Log.MaxSizeMB, d.Log.MaxBackups, d.Log.MaxAgeDays,
		d.BLE.DeviceIDPrefix, d.BLE.DeviceIDLength, d.BLE.Interface, d.BLE.StopSettleDelay,
		d.Wifi.MaxSSIDs, d.Wifi.ScanTTL, d.Wifi.ScanBackoffInitial, d.Wifi.ScanBackoffMax, d.Wifi.NmcliPath,
		d.SignalBus.AckTimeout, d.SignalBus.MaxRetries, d.SignalBus.ReceiveTimeout, d.SignalBus.ListenInterval,
		d.Kiosk.CDPURL, d.Kiosk.DailyURL, d.Kiosk.QRCodeURLPrefix,
		d.State.Path,
		d.Systemd.WatchdogInterval,
	)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
