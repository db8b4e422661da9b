// Package config reads client settings from a .env file and CLASH_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	Env string // APP_ENV: "production" or anything else for development

	ServerURL     string   // CLASH_SERVER_URL, used when no etcd endpoints are set
	LobbyURL      string   // CLASH_LOBBY_URL
	EtcdEndpoints []string // CLASH_ETCD_ENDPOINTS, comma separated
	Service       string   // CLASH_SERVICE, registry name of the game servers
	Balancer      string   // CLASH_BALANCER: round_robin, weighted_random or affinity

	RequestTimeout    time.Duration // CLASH_REQUEST_TIMEOUT
	Retries           int           // CLASH_RETRIES, for idempotent reads
	RateLimit         float64       // CLASH_RATE_LIMIT, requests per second
	RateBurst         int           // CLASH_RATE_BURST
	Reconnect         bool          // CLASH_RECONNECT
	ReconnectAttempts int           // CLASH_RECONNECT_ATTEMPTS

	SessionFile string // CLASH_SESSION_FILE, empty keeps the session in memory
}

func Default() *Config {
	sessionFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		sessionFile = filepath.Join(home, ".clash", "session.json")
	}
	return &Config{
		Env:               "development",
		ServerURL:         "ws://localhost:8080/ws",
		LobbyURL:          "http://localhost:8080",
		Service:           "clash-game",
		Balancer:          "round_robin",
		RequestTimeout:    5 * time.Second,
		Retries:           2,
		RateLimit:         20,
		RateBurst:         40,
		ReconnectAttempts: 5,
		SessionFile:       sessionFile,
	}
}

// Load reads the given .env files (".env" when none are named), then the
// environment. A missing .env file is not an error.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from defaults overridden by the environment.
func FromEnv() (*Config, error) {
	c := Default()
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("APP_ENV", &c.Env)
	str("CLASH_SERVER_URL", &c.ServerURL)
	str("CLASH_LOBBY_URL", &c.LobbyURL)
	str("CLASH_SERVICE", &c.Service)
	str("CLASH_BALANCER", &c.Balancer)
	str("CLASH_SESSION_FILE", &c.SessionFile)
	integer("CLASH_RETRIES", &c.Retries)
	integer("CLASH_RATE_BURST", &c.RateBurst)
	integer("CLASH_RECONNECT_ATTEMPTS", &c.ReconnectAttempts)

	if v := os.Getenv("CLASH_ETCD_ENDPOINTS"); v != "" {
		for _, ep := range strings.Split(v, ",") {
			if ep = strings.TrimSpace(ep); ep != "" {
				c.EtcdEndpoints = append(c.EtcdEndpoints, ep)
			}
		}
	}
	if v := os.Getenv("CLASH_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("CLASH_REQUEST_TIMEOUT: %w", err))
		} else {
			c.RequestTimeout = d
		}
	}
	if v := os.Getenv("CLASH_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CLASH_RATE_LIMIT: %w", err))
		} else {
			c.RateLimit = f
		}
	}
	if v := os.Getenv("CLASH_RECONNECT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("CLASH_RECONNECT: %w", err))
		} else {
			c.Reconnect = b
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return c, c.Validate()
}

func (c *Config) Validate() error {
	if len(c.EtcdEndpoints) == 0 {
		u, err := url.Parse(c.ServerURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("server url %q must be ws:// or wss://", c.ServerURL)
		}
	}
	if c.LobbyURL != "" {
		u, err := url.Parse(c.LobbyURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("lobby url %q must be http:// or https://", c.LobbyURL)
		}
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	if c.Retries < 0 || c.ReconnectAttempts < 0 {
		return errors.New("retry counts must not be negative")
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		return errors.New("rate limit and burst must be positive")
	}
	switch c.Balancer {
	case "round_robin", "weighted_random", "affinity":
	default:
		return fmt.Errorf("unknown balancer %q", c.Balancer)
	}
	return nil
}

// UseRegistry reports whether servers are discovered through etcd.
func (c *Config) UseRegistry() bool {
	return len(c.EtcdEndpoints) > 0
}

// NewLogger returns a production logger for APP_ENV=production and a
// development logger otherwise.
func NewLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
