package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"

	"github.com/jmartynas/bytemason/internal/authclient"
	"github.com/jmartynas/bytemason/internal/errs"
)

const envPrefix = "BYTEMASON"

var (
	ErrProviderURLRequired = errors.New("config: auth provider URL is required")
	ErrInvalidProviderURL  = errors.New("config: auth provider URL must be an absolute http(s) URL")
	ErrAnonKeyRequired     = errors.New("config: auth provider anon key is required")
	ErrSessionKeyLength    = errors.New("config: session key must be at least 32 characters")
	ErrInvalidLogLevel     = errors.New("config: invalid log level")
	ErrInvalidThemeColor   = errors.New("config: theme primary must be a hex color")
	ErrInvalidLoginURL     = errors.New("config: login URL must be an absolute path")
	ErrInvalidViewTTL      = errors.New("config: view TTL must be positive")
)

var hexColor = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// Config is loaded once at process start and shared read-only afterwards.
type Config struct {
	App        App             `envconfig:"app"`
	Server     ServerConfig    `envconfig:"server"`
	Provider   ProviderConfig  `envconfig:"auth"`
	Session    SessionConfig   `envconfig:"session"`
	Store      StoreConfig     `envconfig:"store"`
	MySQL      MySQLConfig     `envconfig:"mysql"`
	RateLimit  RateLimitConfig `envconfig:"ratelimit"`
	LogLevel   string          `envconfig:"log_level" default:"info"`
	Production bool            `envconfig:"production"`
}

// App is the application metadata consumed by pages at render time.
type App struct {
	AppName        string   `envconfig:"name" default:"ByteMason"`
	AppDescription string   `envconfig:"description" default:"AI code agent"`
	DomainName     string   `envconfig:"domain" default:"bytemason.com"`
	Auth           AuthURLs `envconfig:"auth"`
	Theme          Theme    `envconfig:"theme"`
}

type AuthURLs struct {
	LoginURL    string `envconfig:"login_url" default:"/signin"`
	CallbackURL string `envconfig:"callback_url" default:"/dashboard"`
}

type Theme struct {
	Primary string `envconfig:"primary" default:"#f37055"`
}

type ServerConfig struct {
	Port              int           `envconfig:"port" default:"8080"`
	ReadTimeout       time.Duration `envconfig:"read_timeout" default:"15s"`
	WriteTimeout      time.Duration `envconfig:"write_timeout" default:"15s"`
	IdleTimeout       time.Duration `envconfig:"idle_timeout" default:"60s"`
	ShutdownTimeout   time.Duration `envconfig:"shutdown_timeout" default:"30s"`
	AuthTimeout       time.Duration `envconfig:"auth_timeout" default:"10s"`
	TLSCertFile       string        `envconfig:"tls_cert_file"`
	TLSKeyFile        string        `envconfig:"tls_key_file"`
	TrustedProxyCIDRs string        `envconfig:"trusted_proxy_cidrs" default:"127.0.0.0/8,10.0.0.0/8,172.16.0.0/12,192.168.0.0/16,::1/128,fc00::/7"`
}

// ProviderConfig points at the external auth service.
type ProviderConfig struct {
	URL       string   `envconfig:"url"`
	AnonKey   string   `envconfig:"anon_key"`
	PKCE      bool     `envconfig:"pkce" default:"true"`
	Providers []string `envconfig:"providers" default:"google"`
}

type SessionConfig struct {
	Key    string `envconfig:"key"`
	Name   string `envconfig:"name" default:"bytemason_signin"`
	Secure bool   `envconfig:"secure"`
}

type StoreConfig struct {
	RedisAddr     string        `envconfig:"redis_addr"`
	RedisPassword string        `envconfig:"redis_password"`
	RedisDB       int           `envconfig:"redis_db"`
	ViewTTL       time.Duration `envconfig:"view_ttl" default:"30m"`
}

type MySQLConfig struct {
	RawDSN          string        `envconfig:"dsn"`
	ReplicaDSNs     []string      `envconfig:"replica_dsns"`
	MaxOpenConns    int           `envconfig:"max_open_conns" default:"25"`
	MaxIdleConns    int           `envconfig:"max_idle_conns" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"conn_max_lifetime" default:"5m"`
}

type RateLimitConfig struct {
	MagicLinkPerEmail int           `envconfig:"magic_link_per_email" default:"5"`
	Window            time.Duration `envconfig:"window" default:"1h"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Provider.URL = strings.TrimRight(strings.TrimSpace(cfg.Provider.URL), "/")
	for i, p := range cfg.Provider.Providers {
		cfg.Provider.Providers[i] = strings.ToLower(strings.TrimSpace(p))
	}
	return &cfg, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	switch {
	case c.Provider.URL == "":
		result = multierror.Append(result, ErrProviderURLRequired)
	default:
		u, err := url.Parse(c.Provider.URL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			result = multierror.Append(result, fmt.Errorf("%w: %q", ErrInvalidProviderURL, c.Provider.URL))
		}
	}
	if c.Provider.AnonKey == "" {
		result = multierror.Append(result, ErrAnonKeyRequired)
	}
	for _, p := range c.Provider.Providers {
		if _, ok := authclient.Registry[p]; !ok {
			result = multierror.Append(result, fmt.Errorf("%w: %q", errs.ErrUnknownProvider, p))
		}
	}
	if len(c.Session.Key) < 32 {
		result = multierror.Append(result, ErrSessionKeyLength)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel))
	}
	if !hexColor.MatchString(c.App.Theme.Primary) {
		result = multierror.Append(result, fmt.Errorf("%w: %q", ErrInvalidThemeColor, c.App.Theme.Primary))
	}
	if !strings.HasPrefix(c.App.Auth.LoginURL, "/") || strings.HasPrefix(c.App.Auth.LoginURL, "//") {
		result = multierror.Append(result, fmt.Errorf("%w: %q", ErrInvalidLoginURL, c.App.Auth.LoginURL))
	}
	if c.Store.ViewTTL <= 0 {
		result = multierror.Append(result, ErrInvalidViewTTL)
	}

	return result.ErrorOrNil()
}

// Secure reports whether cookies should carry the Secure flag.
func (c *Config) Secure() bool {
	return c.Session.Secure || (c.Server.TLSCertFile != "" && c.Server.TLSKeyFile != "")
}

func (c MySQLConfig) DSN() string {
	return withMultiStatements(c.RawDSN)
}

func (c MySQLConfig) ReplicaDSNList() []string {
	out := make([]string, 0, len(c.ReplicaDSNs))
	for _, dsn := range c.ReplicaDSNs {
		if dsn = strings.TrimSpace(dsn); dsn != "" {
			out = append(out, withMultiStatements(dsn))
		}
	}
	return out
}

func withMultiStatements(dsn string) string {
	if dsn == "" || strings.Contains(dsn, "multiStatements") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&multiStatements=true"
	}
	return dsn + "?multiStatements=true"
}
