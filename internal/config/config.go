// Package config loads server settings. Later sources override earlier
// ones: built-in defaults, the YAML file named by --config, the .env file,
// PORTGATE_* environment variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"` // empty disables the agent API

	Env string `yaml:"env"` // "dev" | "prod"

	// Store
	Store       string `yaml:"store"`   // "sqlite" | "memory"
	DBPath      string `yaml:"db_path"` // e.g. "./data/portgate.db"
	DBReadConns int    `yaml:"db_read_conns"`

	// Bearer tokens
	JWTSecret   string `yaml:"jwt_secret"`
	JWTIssuer   string `yaml:"jwt_issuer"`
	JWTAudience string `yaml:"jwt_audience"`

	OperationTimeout     time.Duration `yaml:"operation_timeout"`
	AuditVerifySchedule  string        `yaml:"audit_verify_schedule"` // cron spec, empty = off
	AuditVerifyFullEvery int           `yaml:"audit_verify_full_every"`

	// Change notifications; empty RedisAddr disables them.
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`

	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json

	KnownAgents   []string `yaml:"known_agents"`
	AdminUsername string   `yaml:"admin_username"` // bootstrapped on start, empty = skip
	TrustProxy    bool     `yaml:"trust_proxy"`
}

func Defaults() Config {
	return Config{
		HTTPAddr:             ":8080",
		GRPCAddr:             ":9090",
		Env:                  "dev",
		Store:                "sqlite",
		DBPath:               "./data/portgate.db",
		DBReadConns:          4,
		JWTIssuer:            "portgate",
		OperationTimeout:     5 * time.Second,
		AuditVerifySchedule:  "@every 10m",
		AuditVerifyFullEvery: 6,
		RedisChannel:         "portgate.events",
		LogLevel:             "info",
		LogFormat:            "text",
		AdminUsername:        "admin",
	}
}

const defaultEnvFile = ".env"

// Load builds the configuration from args (without the program name) and
// the process environment.
func Load(args []string) (Config, error) {
	fs := pflag.NewFlagSet("portgate-server", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)

	configPath := fs.String("config", "", "path to a YAML config file")
	envFile := fs.String("env-file", defaultEnvFile, "dotenv file loaded before reading PORTGATE_* variables")
	httpAddr := fs.String("http-addr", "", "HTTP listen address")
	grpcAddr := fs.String("grpc-addr", "", "gRPC listen address for enforcement agents")
	storeKind := fs.String("store", "", "storage backend: sqlite or memory")
	dbPath := fs.String("db-path", "", "SQLite database path")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	cfg := Defaults()

	if *configPath != "" {
		if err := cfg.loadYAML(*configPath); err != nil {
			return Config{}, err
		}
	}

	// godotenv never overrides variables already set in the environment.
	if err := godotenv.Load(*envFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) || fs.Changed("env-file") {
			return Config{}, fmt.Errorf("load env file %s: %w", *envFile, err)
		}
	}
	cfg.applyEnv()

	if fs.Changed("http-addr") {
		cfg.HTTPAddr = *httpAddr
	}
	if fs.Changed("grpc-addr") {
		cfg.GRPCAddr = *grpcAddr
	}
	if fs.Changed("store") {
		cfg.Store = *storeKind
	}
	if fs.Changed("db-path") {
		cfg.DBPath = *dbPath
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getenvDefault("PORTGATE_HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getenvDefault("PORTGATE_GRPC_ADDR", c.GRPCAddr)
	c.Env = getenvDefault("PORTGATE_ENV", c.Env)

	c.Store = getenvDefault("PORTGATE_STORE", c.Store)
	c.DBPath = getenvDefault("PORTGATE_DB_PATH", c.DBPath)
	c.DBReadConns = getenvInt("PORTGATE_DB_READ_CONNS", c.DBReadConns)

	c.JWTSecret = getenvDefault("PORTGATE_JWT_SECRET", c.JWTSecret)
	c.JWTIssuer = getenvDefault("PORTGATE_JWT_ISSUER", c.JWTIssuer)
	c.JWTAudience = getenvDefault("PORTGATE_JWT_AUDIENCE", c.JWTAudience)

	c.OperationTimeout = getenvDuration("PORTGATE_OPERATION_TIMEOUT", c.OperationTimeout)
	if v, ok := os.LookupEnv("PORTGATE_AUDIT_VERIFY_SCHEDULE"); ok {
		// Set but empty turns scheduled verification off.
		c.AuditVerifySchedule = strings.TrimSpace(v)
	}
	c.AuditVerifyFullEvery = getenvInt("PORTGATE_AUDIT_VERIFY_FULL_EVERY", c.AuditVerifyFullEvery)

	c.RedisAddr = getenvDefault("PORTGATE_REDIS_ADDR", c.RedisAddr)
	c.RedisChannel = getenvDefault("PORTGATE_REDIS_CHANNEL", c.RedisChannel)

	c.LogLevel = getenvDefault("PORTGATE_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getenvDefault("PORTGATE_LOG_FORMAT", c.LogFormat)

	if agents := splitCSV(os.Getenv("PORTGATE_KNOWN_AGENTS")); agents != nil {
		c.KnownAgents = agents
	}
	c.AdminUsername = getenvDefault("PORTGATE_ADMIN_USERNAME", c.AdminUsername)
	if v := os.Getenv("PORTGATE_TRUST_PROXY"); v != "" {
		c.TrustProxy = strings.EqualFold(v, "true") || v == "1"
	}
}

func (c *Config) normalize() {
	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	if c.Env != "dev" && c.Env != "prod" {
		// fail-soft: treat unknown as dev
		c.Env = "dev"
	}
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if c.DBReadConns <= 0 {
		c.DBReadConns = 4
	}
	if c.AuditVerifyFullEvery <= 0 {
		c.AuditVerifyFullEvery = 6
	}
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	switch c.Store {
	case "sqlite":
		if strings.TrimSpace(c.DBPath) == "" {
			errs = append(errs, errors.New("db_path is required for the sqlite store"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store must be sqlite or memory, got %q", c.Store))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secret is required"))
	}
	if c.OperationTimeout <= 0 {
		errs = append(errs, errors.New("operation_timeout must be positive"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Logger builds the process logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", s, err)
	}
	return l, nil
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
