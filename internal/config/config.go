package config

import "time"

// Config is the root configuration for a gateway process.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Site     SiteConfig     `yaml:"site"`
	Counter  CounterConfig  `yaml:"counter"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Bare     BareConfig     `yaml:"bare"`
	Wisp     WispConfig     `yaml:"wisp"`
	Database DBConfig       `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
}

// ServerConfig holds the public listener settings.
type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// SiteConfig describes the fallback application server.
type SiteConfig struct {
	StaticDir       string           `yaml:"static_dir"`
	IndexFile       string           `yaml:"index_file"`     // relative to StaticDir
	NotFoundFile    string           `yaml:"not_found_file"` // relative to StaticDir
	Routes          []RouteConfig    `yaml:"routes"`
	Mounts          []MountConfig    `yaml:"mounts"`
	Redirects       []RedirectConfig `yaml:"redirects"`
	WorkerScriptURL string           `yaml:"worker_script_url"`
}

// RouteConfig maps a URL path to a file under the static directory.
type RouteConfig struct {
	Path string `yaml:"path"`
	File string `yaml:"file"`
}

// MountConfig serves a whole directory under a URL prefix.
type MountConfig struct {
	Prefix string `yaml:"prefix"`
	Dir    string `yaml:"dir"`
}

// RedirectConfig sends GET From to To with 302.
type RedirectConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// CounterConfig selects where the visit counter is persisted.
type CounterConfig struct {
	Store string `yaml:"store"` // file or postgres
	File  string `yaml:"file"`
}

// UpstreamConfig bounds outbound fetches made by the site (remote script passthrough).
type UpstreamConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   *int          `yaml:"max_retries"` // unset means DefaultUpstreamRetries; 0 disables retries
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// Retries returns the configured retry count, or the default when unset.
func (u UpstreamConfig) Retries() int {
	if u.MaxRetries == nil {
		return DefaultUpstreamRetries
	}
	return *u.MaxRetries
}

// BareConfig configures the bare relay backend.
type BareConfig struct {
	Disabled     bool          `yaml:"disabled"`
	Prefix       string        `yaml:"prefix"`
	AllowPrivate bool          `yaml:"allow_private"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	Maintainer   Maintainer    `yaml:"maintainer"`
}

// Maintainer is advertised in the bare manifest.
type Maintainer struct {
	Email   string `yaml:"email"`
	Website string `yaml:"website"`
}

// WispConfig configures the wisp tunnel reached through the tunnel suffix.
type WispConfig struct {
	Disabled     bool          `yaml:"disabled"`
	Suffix       string        `yaml:"suffix"`
	BufferSize   int           `yaml:"buffer_size"`
	MaxStreams   int           `yaml:"max_streams"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	AllowPrivate bool          `yaml:"allow_private"`
	AllowUDP     bool          `yaml:"allow_udp"`
}

// DBConfig holds the PostgreSQL connection used when counter.store is postgres.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds the Prometheus/health listener settings.
type MetricsConfig struct {
	Disabled bool   `yaml:"disabled"`
	Port     int    `yaml:"port"`
	Path     string `yaml:"path"`
}

// ShutdownConfig controls what happens on SIGINT/SIGTERM.
// A zero GracePeriod exits immediately without draining connections.
type ShutdownConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}
