package mcsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/thankful-ai/mcsync/internal/mcdns"
	"github.com/thankful-ai/mcsync/internal/watch"
)

const ConfigName = "mcsync.json"

type LogFormat string

const (
	LogFormatDefault LogFormat = ""
	LogFormatConsole LogFormat = "console"
	LogFormatJSON    LogFormat = "json"
)

type LogLevel string

const (
	LogLevelDefault LogLevel = ""
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
)

type ProviderType string

const (
	ProviderCloudflare ProviderType = "cloudflare"
	ProviderGoogle     ProviderType = "google"
)

const (
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffMax  = 5 * time.Minute
)

type Config struct {
	Log LogConfig `json:"log,omitempty"`

	// Enabled defaults to true. A disabled Manager never starts.
	Enabled bool `json:"enabled"`

	Provider  ProviderConfig `json:"provider"`
	SubDomain string         `json:"subdomain,omitempty"`
	TTL       int            `json:"ttl,omitempty"`
	Router    RouterConfig   `json:"router"`
	Docker    DockerConfig   `json:"docker,omitempty"`
	Natmap    NatmapConfig   `json:"natmap,omitempty"`

	// Addresses maps aliases to their sources. The alias "*" is the
	// default entry point.
	Addresses map[string]watch.AddressSource `json:"addresses"`

	Backoff        BackoffConfig        `json:"backoff,omitempty"`
	ErrorReporting ErrorReportingConfig `json:"errorReporting,omitempty"`
	Diagnostics    DiagnosticsConfig    `json:"diagnostics,omitempty"`
}

type LogConfig struct {
	Format LogFormat `json:"format,omitempty"`
	Level  LogLevel  `json:"level,omitempty"`
}

type ProviderConfig struct {
	Type       ProviderType     `json:"type"`
	Domain     string           `json:"domain"`
	Cloudflare CloudflareConfig `json:"cloudflare,omitempty"`
	Google     GoogleConfig     `json:"google,omitempty"`
}

type CloudflareConfig struct {
	APIToken    string   `json:"apiToken"`
	DeleteDelay Duration `json:"deleteDelay,omitempty"`
}

type GoogleConfig struct {
	Project string `json:"project"`
}

type RouterConfig struct {
	URL string `json:"url"`
}

type DockerConfig struct {
	LabelPrefix  string   `json:"labelPrefix,omitempty"`
	PollInterval Duration `json:"pollInterval,omitempty"`
}

type NatmapConfig struct {
	URL        string   `json:"url,omitempty"`
	Timeout    Duration `json:"timeout,omitempty"`
	RetryDelay Duration `json:"retryDelay,omitempty"`
}

type BackoffConfig struct {
	Base Duration `json:"base,omitempty"`
	Max  Duration `json:"max,omitempty"`
}

type ErrorReportingConfig struct {
	Project string `json:"project,omitempty"`
	Service string `json:"service,omitempty"`
}

type DiagnosticsConfig struct {
	Addr string `json:"addr,omitempty"`
}

// Duration is a time.Duration written in JSON as a string, e.g. "5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(byt []byte) error {
	var s string
	if err := json.Unmarshal(byt, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

func ParseConfig(configPath string) (Config, error) {
	conf := Config{Enabled: true}
	byt, err := os.ReadFile(configPath)
	if err != nil {
		return conf, fmt.Errorf("read file: %w", err)
	}
	if err := json.Unmarshal(byt, &conf); err != nil {
		return conf, fmt.Errorf("unmarshal: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return conf, fmt.Errorf("validate: %w", err)
	}
	return conf, nil
}

// Validate reports every problem in the config at once.
func (c Config) Validate() error {
	var result *multierror.Error
	add := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("%w: "+format,
			append([]any{ErrInvalidConfig}, args...)...))
	}

	switch c.Log.Format {
	case LogFormatDefault, LogFormatConsole, LogFormatJSON:
	default:
		add("log format: %s", c.Log.Format)
	}
	switch c.Log.Level {
	case LogLevelDefault, LogLevelDebug, LogLevelInfo:
	default:
		add("log level: %s", c.Log.Level)
	}

	if c.Provider.Domain == "" {
		add("provider domain: missing")
	}
	switch c.Provider.Type {
	case ProviderCloudflare:
		if c.Provider.Cloudflare.APIToken == "" {
			add("cloudflare apiToken: missing")
		}
	case ProviderGoogle:
		if c.Provider.Google.Project == "" {
			add("google project: missing")
		}
	default:
		add("provider type: %q", c.Provider.Type)
	}
	if c.TTL < 0 {
		add("ttl: %d", c.TTL)
	}
	if err := validateURL(c.Router.URL); err != nil {
		add("router url: %v", err)
	}

	static := mcdns.Addresses{}
	var usesNatmap bool
	for alias, src := range c.Addresses {
		if alias != mcdns.DefaultAlias {
			if err := mcdns.ValidateLabel(alias); err != nil {
				add("alias %q: %v", alias, err)
				continue
			}
		}
		switch src.Type {
		case string(mcdns.AddressA), string(mcdns.AddressCNAME):
			static[alias] = mcdns.AddressInfo{
				Type: mcdns.AddressType(src.Type),
				Host: src.Host,
				Port: src.Port,
			}
		case watch.SourceNatmap:
			usesNatmap = true
			if src.InternalPort < 0 || src.InternalPort > 65535 {
				add("alias %q: internal port %d", alias,
					src.InternalPort)
			}
		default:
			add("alias %q: type %q", alias, src.Type)
		}
	}
	if err := static.Validate(); err != nil {
		add("addresses: %v", err)
	}
	if usesNatmap {
		if err := validateURL(c.Natmap.URL); err != nil {
			add("natmap url: %v", err)
		}
	}

	base, ceiling := c.BackoffBase(), c.BackoffMax()
	if base <= 0 || ceiling < base {
		add("backoff: base %s, max %s", base, ceiling)
	}
	return result.ErrorOrNil()
}

func validateURL(s string) error {
	if s == "" {
		return errors.New("missing")
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", s)
	}
	return nil
}

func (c Config) BackoffBase() time.Duration {
	if c.Backoff.Base == 0 {
		return DefaultBackoffBase
	}
	return time.Duration(c.Backoff.Base)
}

func (c Config) BackoffMax() time.Duration {
	if c.Backoff.Max == 0 {
		return DefaultBackoffMax
	}
	return time.Duration(c.Backoff.Max)
}
