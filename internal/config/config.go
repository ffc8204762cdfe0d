package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/micro-ha/indego-sync/internal/logging"
	"github.com/micro-ha/indego-sync/internal/model"
)

const (
	defaultHTTPAddr         = ":8099"
	defaultDBPath           = "/data/indego_sync.db"
	defaultAddonOptionsPath = "/data/options.json"
	defaultHistoryLimit     = 1000
	defaultAccount          = "default"
	defaultTopicPrefix      = "indego"
	defaultInfluxBucket     = "indego"
)

var ErrNoCredentials = errors.New("config: refresh_token or access_token is required")

// Config stores runtime settings loaded from the add-on options file with
// environment variables as fallback.
type Config struct {
	HTTPAddr         string
	DBPath           string
	AddonOptionsPath string
	LogLevel         slog.Level
	HistoryLimit     int

	Serials []string
	Cloud   Cloud
	Auth    Auth
	Tuning  Tuning
	MQTT    MQTT
	Influx  Influx
}

type Cloud struct {
	BaseURL        string
	UserAgent      string
	RequestTimeout time.Duration
}

// Auth selects the OAuth refresh flow when RefreshToken is set and a fixed
// AccessToken otherwise.
type Auth struct {
	Account      string
	TokenURL     string
	ClientID     string
	RefreshToken string
	AccessToken  string
	Margin       time.Duration
	Coalesce     time.Duration
}

// Tuning holds the engine constants. Zero values leave the package defaults
// in place.
type Tuning struct {
	RateBudget      int
	RateWindow      time.Duration
	DefaultCooldown time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	RetryJitter      float64

	TTLs          map[model.ResourceKey]time.Duration
	FailureDelays []time.Duration

	DisableLongPoll      bool
	LongPollTimeout      time.Duration
	PositionInterval     time.Duration
	IdlePositionInterval time.Duration
	AdaptivePosition     bool
	BundleInterval       time.Duration
	UpdatesInterval      time.Duration

	Debounce     time.Duration
	OfflineGrace time.Duration
	MinFailures  int
}

type MQTT struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

func (m MQTT) Enabled() bool { return m.Broker != "" }

type Influx struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

func (i Influx) Enabled() bool { return i.URL != "" }

// options mirrors /data/options.json. Durations are whole seconds.
type options struct {
	LogLevel     string   `json:"log_level"`
	HistoryLimit *int     `json:"history_limit"`
	Serials      []string `json:"serials"`

	BaseURL           string `json:"base_url"`
	UserAgent         string `json:"user_agent"`
	RequestTimeoutSec *int   `json:"request_timeout_sec"`

	TokenURL          string   `json:"token_url"`
	ClientID          string   `json:"client_id"`
	RefreshToken      string   `json:"refresh_token"`
	AccessToken       string   `json:"access_token"`
	TokenMarginSec    *int     `json:"token_margin_sec"`
	TokenCoalesceSec  *int     `json:"token_coalesce_sec"`
	RateBudget        *int     `json:"rate_budget"`
	RateWindowSec     *int     `json:"rate_window_sec"`
	CooldownSec       *int     `json:"default_cooldown_sec"`
	RetryMaxAttempts  *int     `json:"retry_max_attempts"`
	RetryBaseDelaySec *int     `json:"retry_base_delay_sec"`
	RetryMaxDelaySec  *int     `json:"retry_max_delay_sec"`
	RetryJitter       *float64 `json:"retry_jitter"`

	ResourceTTLsSec  map[string]int `json:"resource_ttls_sec"`
	FailureDelaysSec []int          `json:"failure_delays_sec"`

	DisableLongPoll         *bool `json:"disable_long_poll"`
	LongPollTimeoutSec      *int  `json:"long_poll_timeout_sec"`
	PositionIntervalSec     *int  `json:"position_interval_sec"`
	IdlePositionIntervalSec *int  `json:"idle_position_interval_sec"`
	AdaptivePosition        *bool `json:"adaptive_position"`
	BundleIntervalSec       *int  `json:"bundle_interval_sec"`
	UpdatesIntervalSec      *int  `json:"updates_interval_sec"`
	DebounceSec             *int  `json:"debounce_sec"`
	OfflineGraceSec         *int  `json:"offline_grace_sec"`
	MinFailures             *int  `json:"min_failures"`

	MQTTBroker      string `json:"mqtt_broker"`
	MQTTClientID    string `json:"mqtt_client_id"`
	MQTTUsername    string `json:"mqtt_username"`
	MQTTPassword    string `json:"mqtt_password"`
	MQTTTopicPrefix string `json:"mqtt_topic_prefix"`
	MQTTQoS         *int   `json:"mqtt_qos"`

	InfluxURL    string `json:"influx_url"`
	InfluxToken  string `json:"influx_token"`
	InfluxOrg    string `json:"influx_org"`
	InfluxBucket string `json:"influx_bucket"`
}

// Load builds Config from the options file and the environment.
func Load() (Config, error) {
	path := getenv("ADDON_OPTIONS_PATH", defaultAddonOptionsPath)
	opts, err := readOptions(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTPAddr:         getenv("HTTP_ADDR", defaultHTTPAddr),
		DBPath:           getenv("DB_PATH", defaultDBPath),
		AddonOptionsPath: path,
		LogLevel:         logging.ParseLevel(pick(opts.LogLevel, "LOG_LEVEL", "info")),
		HistoryLimit:     pickInt(opts.HistoryLimit, "HISTORY_LIMIT", defaultHistoryLimit),
		Serials:          pickList(opts.Serials, "INDEGO_SERIALS"),
		Cloud: Cloud{
			BaseURL:        pick(opts.BaseURL, "INDEGO_BASE_URL", ""),
			UserAgent:      pick(opts.UserAgent, "INDEGO_USER_AGENT", ""),
			RequestTimeout: pickDuration(opts.RequestTimeoutSec, "INDEGO_REQUEST_TIMEOUT", 0),
		},
		Auth: Auth{
			Account:      getenv("INDEGO_ACCOUNT", defaultAccount),
			TokenURL:     pick(opts.TokenURL, "INDEGO_TOKEN_URL", ""),
			ClientID:     pick(opts.ClientID, "INDEGO_CLIENT_ID", ""),
			RefreshToken: pick(opts.RefreshToken, "INDEGO_REFRESH_TOKEN", ""),
			AccessToken:  pick(opts.AccessToken, "INDEGO_ACCESS_TOKEN", ""),
			Margin:       pickDuration(opts.TokenMarginSec, "TOKEN_MARGIN", 0),
			Coalesce:     pickDuration(opts.TokenCoalesceSec, "TOKEN_COALESCE", 0),
		},
		Tuning: Tuning{
			RateBudget:           pickInt(opts.RateBudget, "RATE_BUDGET", 0),
			RateWindow:           pickDuration(opts.RateWindowSec, "RATE_WINDOW", 0),
			DefaultCooldown:      pickDuration(opts.CooldownSec, "DEFAULT_COOLDOWN", 0),
			RetryMaxAttempts:     pickInt(opts.RetryMaxAttempts, "RETRY_MAX_ATTEMPTS", 0),
			RetryBaseDelay:       pickDuration(opts.RetryBaseDelaySec, "RETRY_BASE_DELAY", 0),
			RetryMaxDelay:        pickDuration(opts.RetryMaxDelaySec, "RETRY_MAX_DELAY", 0),
			RetryJitter:          pickFloat(opts.RetryJitter, "RETRY_JITTER", 0),
			DisableLongPoll:      pickBool(opts.DisableLongPoll, "DISABLE_LONG_POLL", false),
			LongPollTimeout:      pickDuration(opts.LongPollTimeoutSec, "LONG_POLL_TIMEOUT", 0),
			PositionInterval:     pickDuration(opts.PositionIntervalSec, "POSITION_INTERVAL", 0),
			IdlePositionInterval: pickDuration(opts.IdlePositionIntervalSec, "IDLE_POSITION_INTERVAL", 0),
			AdaptivePosition:     pickBool(opts.AdaptivePosition, "ADAPTIVE_POSITION", true),
			BundleInterval:       pickDuration(opts.BundleIntervalSec, "BUNDLE_INTERVAL", 0),
			UpdatesInterval:      pickDuration(opts.UpdatesIntervalSec, "UPDATES_INTERVAL", 0),
			Debounce:             pickDuration(opts.DebounceSec, "DEBOUNCE", 0),
			OfflineGrace:         pickDuration(opts.OfflineGraceSec, "OFFLINE_GRACE", 0),
			MinFailures:          pickInt(opts.MinFailures, "MIN_FAILURES", 0),
		},
		MQTT: MQTT{
			Broker:      pick(opts.MQTTBroker, "MQTT_BROKER", ""),
			ClientID:    pick(opts.MQTTClientID, "MQTT_CLIENT_ID", "indego-sync"),
			Username:    pick(opts.MQTTUsername, "MQTT_USERNAME", ""),
			Password:    pick(opts.MQTTPassword, "MQTT_PASSWORD", ""),
			TopicPrefix: pick(opts.MQTTTopicPrefix, "MQTT_TOPIC_PREFIX", defaultTopicPrefix),
		},
		Influx: Influx{
			URL:    pick(opts.InfluxURL, "INFLUX_URL", ""),
			Token:  pick(opts.InfluxToken, "INFLUX_TOKEN", ""),
			Org:    pick(opts.InfluxOrg, "INFLUX_ORG", ""),
			Bucket: pick(opts.InfluxBucket, "INFLUX_BUCKET", defaultInfluxBucket),
		},
	}

	if cfg.Auth.RefreshToken == "" && cfg.Auth.AccessToken == "" {
		return Config{}, ErrNoCredentials
	}
	qos := pickInt(opts.MQTTQoS, "MQTT_QOS", 1)
	if qos < 0 || qos > 2 {
		return Config{}, fmt.Errorf("config: mqtt_qos must be 0, 1 or 2, got %d", qos)
	}
	cfg.MQTT.QoS = byte(qos)

	if cfg.Tuning.TTLs, err = parseTTLs(opts.ResourceTTLsSec); err != nil {
		return Config{}, err
	}
	if cfg.Tuning.FailureDelays, err = parseDelays(opts.FailureDelaysSec); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DBDir returns the target directory for DBPath.
func (c Config) DBDir() string {
	return filepath.Dir(c.DBPath)
}

func readOptions(path string) (options, error) {
	var opts options
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return opts, nil
	}
	if err != nil {
		return opts, fmt.Errorf("read options %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &opts); err != nil {
		return opts, fmt.Errorf("parse options %s: %w", path, err)
	}
	return opts, nil
}

// parseTTLs overlays configured TTLs on the defaults. It returns nil when
// nothing is configured.
func parseTTLs(raw map[string]int) (map[model.ResourceKey]time.Duration, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := model.DefaultTTLs()
	for name, seconds := range raw {
		key, ok := model.ParseResourceKey(name)
		if !ok && name == string(model.KeyMap) {
			key, ok = model.KeyMap, true
		}
		if !ok {
			return nil, fmt.Errorf("config: unknown resource %q in resource_ttls_sec", name)
		}
		if seconds < 0 {
			return nil, fmt.Errorf("config: negative ttl for %s", name)
		}
		out[key] = time.Duration(seconds) * time.Second
	}
	return out, nil
}

func parseDelays(raw []int) ([]time.Duration, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]time.Duration, 0, len(raw))
	for i, seconds := range raw {
		if seconds < 0 {
			return nil, fmt.Errorf("config: failure_delays_sec[%d] is negative", i)
		}
		out = append(out, time.Duration(seconds)*time.Second)
	}
	return out, nil
}

func getenv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func pick(option, key, fallback string) string {
	if v := strings.TrimSpace(option); v != "" {
		return v
	}
	return getenv(key, fallback)
}

func pickList(option []string, key string) []string {
	raw := option
	if len(raw) == 0 {
		raw = strings.Split(getenv(key, ""), ",")
	}
	var out []string
	for _, v := range raw {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func pickInt(option *int, key string, fallback int) int {
	if option != nil {
		return *option
	}
	v, err := strconv.Atoi(getenv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func pickFloat(option *float64, key string, fallback float64) float64 {
	if option != nil {
		return *option
	}
	v, err := strconv.ParseFloat(getenv(key, ""), 64)
	if err != nil {
		return fallback
	}
	return v
}

func pickBool(option *bool, key string, fallback bool) bool {
	if option != nil {
		return *option
	}
	v, err := strconv.ParseBool(getenv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

// pickDuration reads whole seconds from the options file or a Go duration
// string from the environment.
func pickDuration(seconds *int, key string, fallback time.Duration) time.Duration {
	if seconds != nil && *seconds > 0 {
		return time.Duration(*seconds) * time.Second
	}
	value, err := time.ParseDuration(getenv(key, ""))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
