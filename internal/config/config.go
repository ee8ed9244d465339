package config

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds portal credentials and engine tuning shared by the binaries.
type Config struct {
	// Username is the portal account, an e-mail address.
	Username string `yaml:"username"`
	// Password is the portal account password.
	Password string `yaml:"password"`
	// Fingerprint is the browser fingerprint registered with the portal.
	// A known fingerprint lets the engine skip the interactive
	// multi-factor challenge on sign-in.
	Fingerprint string `yaml:"fingerprint"`
	// Host is the portal origin, for example https://portal.adtpulse.com.
	Host string `yaml:"host"`
	// PollInterval is the delay between sync-check polls.
	PollInterval time.Duration `yaml:"poll_interval"`
	// KeepAliveInterval is the delay between keepalive pings.
	KeepAliveInterval time.Duration `yaml:"keepalive_interval"`
	// ReloginInterval is the base delay between scheduled session
	// refreshes. Each firing is jittered below this value.
	ReloginInterval time.Duration `yaml:"relogin_interval"`
	// DisableRelogin turns periodic relogin off entirely.
	DisableRelogin bool `yaml:"disable_relogin"`
	// RequestTimeout bounds a single portal request.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// GatewayOfflineThreshold is the number of consecutive gateway-offline
	// observations after which the session is reported degraded.
	GatewayOfflineThreshold int `yaml:"gateway_offline_threshold"`
	// UnreachableThreshold is the number of consecutive transport failures
	// after which the session is reported degraded.
	UnreachableThreshold int `yaml:"unreachable_threshold"`
	// LogLevel selects logger verbosity (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

const (
	// DefaultConfigFilename is the default filename for engine settings.
	DefaultConfigFilename = "adtpulse-settings.yaml"

	// DefaultHost is the United States portal origin.
	DefaultHost = "https://portal.adtpulse.com"

	// HostCanada is the Canadian portal origin.
	HostCanada = "https://portal-ca.adtpulse.com"

	// DefaultPollInterval is the default delay between sync-check polls.
	// The portal's own browser client polls about once a second.
	DefaultPollInterval = 2 * time.Second

	// MinPollInterval is the shortest poll delay the portal tolerates.
	MinPollInterval = time.Second

	// DefaultKeepAliveInterval keeps the session well inside the portal's
	// idle expiry window.
	DefaultKeepAliveInterval = 5 * time.Minute

	// MaxKeepAliveInterval is the longest keepalive delay that still
	// prevents idle-session expiry.
	MaxKeepAliveInterval = 15 * time.Minute

	// DefaultReloginInterval is the default base delay between scheduled
	// session refreshes.
	DefaultReloginInterval = 2 * time.Hour

	// MinReloginInterval is the shortest relogin delay the portal tolerates.
	MinReloginInterval = 20 * time.Minute

	// DefaultRequestTimeout bounds a single portal request.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultOfflineThreshold is the default number of consecutive
	// gateway-offline observations treated as degradation.
	DefaultOfflineThreshold = 3

	// DefaultUnreachableThreshold is the default number of consecutive
	// transport failures treated as degradation.
	DefaultUnreachableThreshold = 3

	// DefaultFilePermissions is the file mode for saved settings.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errUsernameRequired is returned when the username is missing.
	errUsernameRequired = errors.New("username must be provided")
	// errUsernameNotEmail is returned when the username is not an e-mail address.
	errUsernameNotEmail = errors.New("username must be an e-mail address")
	// errPasswordRequired is returned when the password is missing.
	errPasswordRequired = errors.New("password must be provided")
	// errFingerprintRequired is returned when the browser fingerprint is missing.
	errFingerprintRequired = errors.New("browser fingerprint must be provided")
	// errPollIntervalTooShort is returned when the poll interval is below the floor.
	errPollIntervalTooShort = errors.New("poll interval must be at least one second")
	// errReloginIntervalTooShort is returned when the relogin interval is below the floor.
	errReloginIntervalTooShort = errors.New("relogin interval must be at least twenty minutes")
	// errKeepAliveIntervalOutOfRange is returned when the keepalive interval is
	// negative or above the ceiling.
	errKeepAliveIntervalOutOfRange = errors.New("keepalive interval must be positive and at most fifteen minutes")
)

// Load reads configuration from the provided path and validates essential fields.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigFilename
	}

	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes settings to the provided path.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultConfigFilename
	}

	if err := Validate(cfg); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// The file carries credentials, keep it private.
	if err := os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}

// Validate checks the provided settings for required fields and fills defaults.
// Zero intervals mean "use the default"; out-of-range values are rejected
// rather than silently clamped.
func Validate(settings *Config) error {
	if settings == nil {
		return errConfigIsNotSet
	}

	if settings.Username == "" {
		return errUsernameRequired
	}

	if _, err := mail.ParseAddress(settings.Username); err != nil {
		return errUsernameNotEmail
	}

	if settings.Password == "" {
		return errPasswordRequired
	}

	if settings.Fingerprint == "" {
		return errFingerprintRequired
	}

	if settings.Host == "" {
		settings.Host = DefaultHost
	}

	if _, err := url.ParseRequestURI(settings.Host); err != nil {
		return fmt.Errorf("invalid portal host: %w", err)
	}

	if settings.PollInterval == 0 {
		settings.PollInterval = DefaultPollInterval
	}

	if settings.PollInterval < MinPollInterval {
		return errPollIntervalTooShort
	}

	if settings.KeepAliveInterval == 0 {
		settings.KeepAliveInterval = DefaultKeepAliveInterval
	}

	if settings.KeepAliveInterval < 0 || settings.KeepAliveInterval > MaxKeepAliveInterval {
		return errKeepAliveIntervalOutOfRange
	}

	if settings.ReloginInterval == 0 {
		settings.ReloginInterval = DefaultReloginInterval
	}

	if settings.ReloginInterval < MinReloginInterval {
		return errReloginIntervalTooShort
	}

	if settings.RequestTimeout <= 0 {
		settings.RequestTimeout = DefaultRequestTimeout
	}

	if settings.GatewayOfflineThreshold <= 0 {
		settings.GatewayOfflineThreshold = DefaultOfflineThreshold
	}

	if settings.UnreachableThreshold <= 0 {
		settings.UnreachableThreshold = DefaultUnreachableThreshold
	}

	return nil
}
