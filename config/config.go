// Package config parses the router's URL-form configuration string,
// grounded on go-hdb's driver/internal/dsn package: a "scheme://" URL
// with query parameters for the router-specific knobs (server-cached
// prepared-statement window, default fetch size, peer dial timeout,
// seed list).
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Query parameter names.
const (
	KeySchema              = "schema"
	KeyFetchSize           = "fetchSize"
	KeyServerCachedObjects = "serverCachedObjects"
	KeyDialTimeout         = "dialTimeout"
	KeySeeds               = "seeds"
	KeyDatacenter          = "datacenter"
)

const urlScheme = "router"

// defaults mirror go-hdb's DSN default-value convention: a zero parsed
// value falls back to a fixed constant rather than a Go zero value
// with accidental meaning (a fetch size of 0 would mean "fetch
// nothing").
const (
	DefaultFetchSize           = 1000
	DefaultServerCachedObjects = 64
	DefaultDialTimeout         = 5 * time.Second
)

// Config is a parsed router configuration.
type Config struct {
	Host                string
	Schema              string
	FetchSize           int64
	ServerCachedObjects int64
	DialTimeout         time.Duration
	Seeds               []string
	Datacenter          string
}

// ParseError is returned for a malformed configuration string.
type ParseError struct {
	s   string
	err error
}

func (e *ParseError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("config: %s: %v", e.s, e.err)
	}
	return "config: " + e.s
}

func (e *ParseError) Unwrap() error { return e.err }

// Parse parses s, a "router://host:port?param=value&..." string, into
// a Config populated with defaults for every omitted parameter.
func Parse(s string) (*Config, error) {
	if s == "" {
		return nil, &ParseError{s: "empty configuration string"}
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, &ParseError{s: "invalid URL", err: err}
	}
	if u.Scheme != "" && u.Scheme != urlScheme {
		return nil, &ParseError{s: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	cfg := &Config{
		Host:                u.Host,
		FetchSize:           DefaultFetchSize,
		ServerCachedObjects: DefaultServerCachedObjects,
		DialTimeout:         DefaultDialTimeout,
	}

	for k, v := range u.Query() {
		if len(v) != 1 {
			return nil, &ParseError{s: fmt.Sprintf("parameter %s requires exactly one value, got %d", k, len(v))}
		}
		val := v[0]
		switch k {
		case KeySchema:
			cfg.Schema = val
		case KeyDatacenter:
			cfg.Datacenter = val
		case KeySeeds:
			cfg.Seeds = splitNonEmpty(val, ",")
		case KeyFetchSize:
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, &ParseError{s: "invalid " + KeyFetchSize, err: err}
			}
			cfg.FetchSize = n
		case KeyServerCachedObjects:
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				return nil, &ParseError{s: "invalid " + KeyServerCachedObjects, err: err}
			}
			cfg.ServerCachedObjects = n
		case KeyDialTimeout:
			secs, err := strconv.Atoi(val)
			if err != nil {
				return nil, &ParseError{s: "invalid " + KeyDialTimeout, err: err}
			}
			cfg.DialTimeout = time.Duration(secs) * time.Second
		default:
			return nil, &ParseError{s: fmt.Sprintf("parameter %s is not supported", k)}
		}
	}

	if cfg.FetchSize == 0 {
		cfg.FetchSize = DefaultFetchSize
	}
	if cfg.ServerCachedObjects == 0 {
		cfg.ServerCachedObjects = DefaultServerCachedObjects
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}

	if len(cfg.Seeds) == 0 {
		return nil, &ParseError{s: fmt.Sprintf("at least one %s entry is required", KeySeeds)}
	}
	return cfg, nil
}

// String reassembles cfg into a valid configuration string.
func (cfg *Config) String() string {
	values := url.Values{}
	if cfg.Schema != "" {
		values.Set(KeySchema, cfg.Schema)
	}
	if cfg.Datacenter != "" {
		values.Set(KeyDatacenter, cfg.Datacenter)
	}
	if len(cfg.Seeds) > 0 {
		values.Set(KeySeeds, strings.Join(cfg.Seeds, ","))
	}
	if cfg.FetchSize != 0 {
		values.Set(KeyFetchSize, strconv.FormatInt(cfg.FetchSize, 10))
	}
	if cfg.ServerCachedObjects != 0 {
		values.Set(KeyServerCachedObjects, strconv.FormatInt(cfg.ServerCachedObjects, 10))
	}
	if cfg.DialTimeout != 0 {
		values.Set(KeyDialTimeout, strconv.FormatInt(int64(cfg.DialTimeout/time.Second), 10))
	}
	u := &url.URL{Scheme: urlScheme, Host: cfg.Host, RawQuery: values.Encode()}
	return u.String()
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
