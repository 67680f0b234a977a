package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	if err := c.Site.Validate(); err != nil {
		return err
	}

	switch c.Counter.Store {
	case StoreFile:
		if c.Counter.File == "" {
			return errors.New("counter.file is required when counter.store is file")
		}
	case StorePostgres:
		if err := c.Database.validate("database"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("counter.store must be %s or %s, got %q", StoreFile, StorePostgres, c.Counter.Store)
	}

	if c.Upstream.Timeout <= 0 {
		return errors.New("upstream.timeout must be > 0")
	}
	if n := c.Upstream.Retries(); n < 0 || n > MaxUpstreamRetries {
		return fmt.Errorf("upstream.max_retries must be between 0 and %d, got %d", MaxUpstreamRetries, n)
	}
	if c.Upstream.RetryBackoff < 0 || c.Upstream.RetryBackoff > MaxRetryBackoff {
		return fmt.Errorf("upstream.retry_backoff must be between 0 and %s, got %s", MaxRetryBackoff, c.Upstream.RetryBackoff)
	}

	if !c.Bare.Disabled {
		if err := validateDir("bare.prefix", c.Bare.Prefix); err != nil {
			return err
		}
	}

	if !c.Wisp.Disabled {
		if err := validateDir("wisp.suffix", c.Wisp.Suffix); err != nil {
			return err
		}
		if c.Wisp.BufferSize < 1 {
			return errors.New("wisp.buffer_size must be >= 1")
		}
		if c.Wisp.MaxStreams < 1 {
			return errors.New("wisp.max_streams must be >= 1")
		}
	}

	if !c.Metrics.Disabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
		}
		if c.Metrics.Port == c.Server.Port {
			return fmt.Errorf("metrics.port must differ from server.port (%d)", c.Server.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
		}
	}

	if c.Shutdown.GracePeriod < 0 {
		return errors.New("shutdown.grace_period must be >= 0")
	}

	return nil
}

// Validate checks the site section on its own. Route, redirect and mount
// paths must be unique since they share one ServeMux.
func (s *SiteConfig) Validate() error {
	if s.StaticDir == "" {
		return errors.New("site.static_dir is required")
	}
	if u, err := url.Parse(s.WorkerScriptURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("site.worker_script_url must be an absolute http(s) URL, got %q", s.WorkerScriptURL)
	}

	// Paths the site serves itself.
	seen := map[string]bool{"/": true, "/api/visits": true, "/worker.js": true}
	for i, r := range s.Routes {
		if !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("site.routes[%d].path must start with /, got %q", i, r.Path)
		}
		if err := validatePattern(fmt.Sprintf("site.routes[%d].path", i), r.Path); err != nil {
			return err
		}
		if r.File == "" {
			return fmt.Errorf("site.routes[%d].file is required", i)
		}
		if seen[r.Path] {
			return fmt.Errorf("site.routes[%d].path %q is registered twice", i, r.Path)
		}
		seen[r.Path] = true
	}
	for i, r := range s.Redirects {
		if !strings.HasPrefix(r.From, "/") || r.To == "" {
			return fmt.Errorf("site.redirects[%d] needs an absolute from and a target", i)
		}
		if err := validatePattern(fmt.Sprintf("site.redirects[%d].from", i), r.From); err != nil {
			return err
		}
		if seen[r.From] {
			return fmt.Errorf("site.redirects[%d].from %q is already a route", i, r.From)
		}
		seen[r.From] = true
	}
	for i, m := range s.Mounts {
		if err := validateDir(fmt.Sprintf("site.mounts[%d].prefix", i), m.Prefix); err != nil {
			return err
		}
		if err := validatePattern(fmt.Sprintf("site.mounts[%d].prefix", i), m.Prefix); err != nil {
			return err
		}
		if m.Dir == "" {
			return fmt.Errorf("site.mounts[%d].dir is required", i)
		}
		if seen[m.Prefix] {
			return fmt.Errorf("site.mounts[%d].prefix %q is already registered", i, m.Prefix)
		}
		seen[m.Prefix] = true
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

// validatePattern rejects paths that http.ServeMux would read as a pattern
// with wildcards or a host part.
func validatePattern(key, v string) error {
	if strings.ContainsAny(v, "{} \t") {
		return fmt.Errorf("%s %q must not contain spaces or braces", key, v)
	}
	return nil
}

// validateDir requires a URL path segment of the form /name/.
func validateDir(key, v string) error {
	if len(v) < 3 || !strings.HasPrefix(v, "/") || !strings.HasSuffix(v, "/") {
		return fmt.Errorf("%s must look like /name/, got %q", key, v)
	}
	return nil
}
