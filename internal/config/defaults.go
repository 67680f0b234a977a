package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultPort              = 8001
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultStaticDir         = "static"
	DefaultIndexFile         = "index.html"
	DefaultNotFoundFile      = "404.html"
	DefaultWorkerScriptURL   = "https://worker.mirror.ftp.sh/worker.js"
	DefaultCounterStore      = StoreFile
	DefaultCounterFile       = "visits.json"
	DefaultUpstreamTimeout   = 10 * time.Second
	DefaultUpstreamRetries   = 2
	DefaultRetryBackoff      = 250 * time.Millisecond
	MaxUpstreamRetries       = 10
	MaxRetryBackoff          = 30 * time.Second
	DefaultBarePrefix        = "/seal/"
	DefaultBareDialTimeout   = 30 * time.Second
	DefaultWispSuffix        = "/wisp/"
	DefaultWispBufferSize    = 128
	DefaultWispMaxStreams    = 256
	DefaultWispDialTimeout   = 10 * time.Second
	DefaultDBPort            = 5432
	DefaultDBSSLMode         = "prefer"
	DefaultMaxConns          = 4
	DefaultMinConns          = 1
	DefaultMetricsPort       = 9090
	DefaultMetricsPath       = "/metrics"
)

// Counter store kinds.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// DefaultRoutes is the static page table served when none is configured.
func DefaultRoutes() []RouteConfig {
	return []RouteConfig{
		{Path: "/mastery", File: "loader.html"},
		{Path: "/apps", File: "apps.html"},
		{Path: "/gms", File: "gms.html"},
		{Path: "/lessons", File: "agloader.html"},
		{Path: "/info", File: "info.html"},
		{Path: "/mycourses", File: "loading.html"},
	}
}

// DefaultMounts serves the client-side proxy bundles.
func DefaultMounts() []MountConfig {
	return []MountConfig{
		{Prefix: "/uv/", Dir: "vendor/uv"},
		{Prefix: "/epoxy/", Dir: "vendor/epoxy"},
		{Prefix: "/baremux/", Dir: "vendor/baremux"},
	}
}

// DefaultRedirects keeps old bookmarks working.
func DefaultRedirects() []RedirectConfig {
	return []RedirectConfig{
		{From: "/student", To: "/portal"},
	}
}

func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadHeaderTimeout == 0 {
		c.Server.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}

	// Site defaults
	if c.Site.StaticDir == "" {
		c.Site.StaticDir = DefaultStaticDir
	}
	if c.Site.IndexFile == "" {
		c.Site.IndexFile = DefaultIndexFile
	}
	if c.Site.NotFoundFile == "" {
		c.Site.NotFoundFile = DefaultNotFoundFile
	}
	if c.Site.Routes == nil {
		c.Site.Routes = DefaultRoutes()
	}
	if c.Site.Mounts == nil {
		c.Site.Mounts = DefaultMounts()
	}
	if c.Site.Redirects == nil {
		c.Site.Redirects = DefaultRedirects()
	}
	if c.Site.WorkerScriptURL == "" {
		c.Site.WorkerScriptURL = DefaultWorkerScriptURL
	}

	if c.Counter.Store == "" {
		c.Counter.Store = DefaultCounterStore
	}
	if c.Counter.File == "" {
		c.Counter.File = DefaultCounterFile
	}

	// Upstream defaults
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = DefaultUpstreamTimeout
	}
	if c.Upstream.MaxRetries == nil {
		retries := DefaultUpstreamRetries
		c.Upstream.MaxRetries = &retries
	}
	if c.Upstream.RetryBackoff == 0 {
		c.Upstream.RetryBackoff = DefaultRetryBackoff
	}

	// Backend defaults
	if c.Bare.Prefix == "" {
		c.Bare.Prefix = DefaultBarePrefix
	}
	if c.Bare.DialTimeout == 0 {
		c.Bare.DialTimeout = DefaultBareDialTimeout
	}
	if c.Wisp.Suffix == "" {
		c.Wisp.Suffix = DefaultWispSuffix
	}
	if c.Wisp.BufferSize == 0 {
		c.Wisp.BufferSize = DefaultWispBufferSize
	}
	if c.Wisp.MaxStreams == 0 {
		c.Wisp.MaxStreams = DefaultWispMaxStreams
	}
	if c.Wisp.DialTimeout == 0 {
		c.Wisp.DialTimeout = DefaultWispDialTimeout
	}

	// Database defaults
	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}
