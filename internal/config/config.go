package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// File is the full configuration of both the server and the CLI client.
// Values come from an optional YAML file and are overridden by environment
// variables. Zero values left by the file are replaced by the defaults, so
// every option whose zero value is meaningful defaults to it.
type File struct {
	Server   Server   `yaml:"server" json:"server"`
	Upstream Upstream `yaml:"upstream" json:"upstream"`
	Client   Client   `yaml:"client" json:"client"`
	Log      Log      `yaml:"log" json:"log"`
}

type Server struct {
	Addr             string        `yaml:"addr" json:"addr" env:"CONSULTA_SERVER_ADDR, overwrite, default=:8112"`
	StepDelay        time.Duration `yaml:"step_delay" json:"step_delay" env:"CONSULTA_STEP_DELAY, overwrite, default=1s"`
	SecureCookies    bool          `yaml:"secure_cookies" json:"secure_cookies" env:"CONSULTA_SECURE_COOKIES, overwrite, default=false"`
	HistoryLimit     int           `yaml:"history_limit" json:"history_limit" env:"CONSULTA_HISTORY_LIMIT, overwrite, default=30"`
	DetailsScanLimit int           `yaml:"details_scan_limit" json:"details_scan_limit" env:"CONSULTA_DETAILS_SCAN_LIMIT, overwrite, default=200"`
	Store            Store         `yaml:"store" json:"store"`
	MDNS             MDNS          `yaml:"mdns" json:"mdns"`
	Credits          Credits       `yaml:"credits" json:"credits"`
	Cache            Cache         `yaml:"cache" json:"cache"`
	TimeZone         string        `yaml:"time_zone" json:"time_zone" env:"CONSULTA_TIME_ZONE, overwrite"`
}

// Location is the zone history dates are shown in. Empty means time.Local.
func (s Server) Location() *time.Location {
	name := strings.TrimSpace(s.TimeZone)
	if name == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.Local
	}
	return loc
}

type Store struct {
	Driver string `yaml:"driver" json:"driver" env:"CONSULTA_DB_DRIVER, overwrite, default=sqlite"`
	DSN    string `yaml:"dsn" json:"dsn" env:"CONSULTA_DB_DSN, overwrite, default=consulta.db"`
}

type MDNS struct {
	Disabled bool   `yaml:"disabled" json:"disabled" env:"CONSULTA_MDNS_DISABLE, overwrite, default=false"`
	Instance string `yaml:"instance" json:"instance" env:"CONSULTA_MDNS_INSTANCE, overwrite"`
}

type Credits struct {
	Refresh string        `yaml:"refresh" json:"refresh" env:"CONSULTA_CREDITS_REFRESH, overwrite, default=@every 24h"`
	TTL     time.Duration `yaml:"ttl" json:"ttl" env:"CONSULTA_CREDITS_TTL, overwrite, default=24h"`
}

type Cache struct {
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr" env:"CONSULTA_REDIS_ADDR, overwrite"`
	RedisPassword string `yaml:"redis_password" json:"-" env:"CONSULTA_REDIS_PASSWORD, overwrite"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db" env:"CONSULTA_REDIS_DB, overwrite, default=0"`
}

type Upstream struct {
	BaseURL      string        `yaml:"base_url" json:"base_url" env:"CNPJA_BASE_URL, overwrite, default=https://api.cnpja.com"`
	APIKey       string        `yaml:"api_key" json:"-" env:"CNPJA_API_KEY, overwrite"`
	Strategy     string        `yaml:"strategy" json:"strategy" env:"CNPJA_STRATEGY, overwrite, default=CACHE_IF_FRESH"`
	MaxAgeDays   int           `yaml:"max_age_days" json:"max_age_days" env:"CNPJA_MAX_AGE_DAYS, overwrite, default=14"`
	MaxStaleDays int           `yaml:"max_stale_days" json:"max_stale_days" env:"CNPJA_MAX_STALE_DAYS, overwrite, default=30"`
	RetryCount   int           `yaml:"retry_count" json:"retry_count" env:"CNPJA_RETRY_COUNT, overwrite, default=3"`
	RetryWait    time.Duration `yaml:"retry_wait" json:"retry_wait" env:"CNPJA_RETRY_WAIT, overwrite, default=20s"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout" env:"CNPJA_TIMEOUT, overwrite, default=30s"`
}

type Client struct {
	ServerURL       string        `yaml:"server_url" json:"server_url" env:"CONSULTA_SERVER_URL, overwrite"`
	CSRFToken       string        `yaml:"csrf_token" json:"-" env:"CONSULTA_CSRF_TOKEN, overwrite"`
	PausePoll       time.Duration `yaml:"pause_poll" json:"pause_poll" env:"CONSULTA_PAUSE_POLL, overwrite, default=800ms"`
	DiscoverTimeout time.Duration `yaml:"discover_timeout" json:"discover_timeout" env:"CONSULTA_DISCOVER_TIMEOUT, overwrite, default=2s"`
}

type Log struct {
	Verbose bool `yaml:"verbose" json:"verbose" env:"CONSULTA_VERBOSE, overwrite, default=false"`
}

var strategies = []string{"CACHE", "CACHE_IF_FRESH", "CACHE_IF_ERROR", "ONLINE"}

// Load reads path (when not empty), merges .env files found in dotenvPaths
// and the process environment on top of it, and validates the result.
func Load(ctx context.Context, path string, dotenvPaths ...string) (File, error) {
	var data []byte
	source := "defaults"
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return File{}, fmt.Errorf("read config file %q: %w", path, err)
		}
		data = b
		source = path
	}

	dotenv, err := readDotEnv(dotenvPaths)
	if err != nil {
		return File{}, err
	}
	lookuper := envconfig.OsLookuper()
	if len(dotenv) > 0 {
		lookuper = envconfig.MultiLookuper(envconfig.OsLookuper(), envconfig.MapLookuper(dotenv))
	}
	return ParseWithLookuper(ctx, data, source, lookuper)
}

// Parse decodes YAML and fills defaults without consulting the environment.
func Parse(data []byte, source string) (File, error) {
	return ParseWithLookuper(context.Background(), data, source, envconfig.MapLookuper(nil))
}

func ParseWithLookuper(ctx context.Context, data []byte, source string, lookuper envconfig.Lookuper) (File, error) {
	var cfg File

	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse YAML in %q: %w", source, err)
		}
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	}); err != nil {
		return cfg, fmt.Errorf("apply environment to %q: %w", source, err)
	}
	cfg.normalize()

	if errs := cfg.Validate(); len(errs) > 0 {
		return cfg, fmt.Errorf("invalid config in %q: %s", source, strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (cfg *File) normalize() {
	cfg.Server.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Server.Store.Driver))
	cfg.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Upstream.BaseURL), "/")
	cfg.Upstream.Strategy = strings.ToUpper(strings.TrimSpace(cfg.Upstream.Strategy))
	cfg.Client.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.Client.ServerURL), "/")
}

func (cfg File) Validate() []string {
	var errs []string

	if strings.TrimSpace(cfg.Server.Addr) == "" {
		errs = append(errs, "server.addr is required")
	}
	if cfg.Server.StepDelay < 0 {
		errs = append(errs, "server.step_delay must be >= 0")
	}
	if cfg.Server.HistoryLimit <= 0 {
		errs = append(errs, "server.history_limit must be > 0")
	}
	if cfg.Server.DetailsScanLimit <= 0 {
		errs = append(errs, "server.details_scan_limit must be > 0")
	}
	if !slices.Contains([]string{"sqlite", "postgres"}, cfg.Server.Store.Driver) {
		errs = append(errs, fmt.Sprintf("server.store.driver must be one of sqlite,postgres, got %q", cfg.Server.Store.Driver))
	}
	if strings.TrimSpace(cfg.Server.Store.DSN) == "" {
		errs = append(errs, "server.store.dsn is required")
	}
	if spec := strings.TrimSpace(cfg.Server.Credits.Refresh); spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Sprintf("server.credits.refresh invalid schedule %q: %v", spec, err))
		}
	}
	if cfg.Server.Credits.TTL <= 0 {
		errs = append(errs, "server.credits.ttl must be > 0")
	}
	if tz := strings.TrimSpace(cfg.Server.TimeZone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Sprintf("server.time_zone unknown zone %q: %v", tz, err))
		}
	}
	if cfg.Server.Cache.RedisDB < 0 {
		errs = append(errs, "server.cache.redis_db must be >= 0")
	}

	if u, err := url.Parse(cfg.Upstream.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("upstream.base_url must be an absolute URL, got %q", cfg.Upstream.BaseURL))
	}
	if !slices.Contains(strategies, cfg.Upstream.Strategy) {
		errs = append(errs, fmt.Sprintf("upstream.strategy must be one of %s", strings.Join(strategies, ",")))
	}
	if cfg.Upstream.MaxAgeDays < 0 || cfg.Upstream.MaxStaleDays < 0 {
		errs = append(errs, "upstream.max_age_days and upstream.max_stale_days must be >= 0")
	}
	if cfg.Upstream.RetryCount < 1 {
		errs = append(errs, "upstream.retry_count must be >= 1")
	}
	if cfg.Upstream.RetryWait < 0 {
		errs = append(errs, "upstream.retry_wait must be >= 0")
	}

	if cfg.Client.ServerURL != "" {
		if u, err := url.Parse(cfg.Client.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("client.server_url must be an absolute URL, got %q", cfg.Client.ServerURL))
		}
	}
	if cfg.Client.PausePoll <= 0 {
		errs = append(errs, "client.pause_poll must be > 0")
	}

	return errs
}

func readDotEnv(paths []string) (map[string]string, error) {
	out := map[string]string{}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		vals, err := godotenv.Read(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read env file %q: %w", p, err)
		}
		for k, v := range vals {
			if _, exists := out[k]; !exists {
				out[k] = v
			}
		}
	}
	return out, nil
}
