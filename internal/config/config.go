package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lpernett/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds everything read at startup. It is built once and passed
// explicitly to the components that need it.
type Config struct {
	Addr              string        `yaml:"addr"`
	LogLevel          string        `yaml:"log_level"`
	HFToken           string        `yaml:"hf_token"`
	InferenceTimeout  time.Duration `yaml:"inference_timeout"`
	MaxImageDimension int           `yaml:"max_image_dimension"`
	RedisAddr         string        `yaml:"redis_addr"`
	RateLimit         int           `yaml:"rate_limit"`
	TrustedProxies    []string      `yaml:"trusted_proxies"`
	DatabaseDSN       string        `yaml:"database_dsn"`
	JWTSecret         string        `yaml:"jwt_secret"`
	JWTAudience       string        `yaml:"jwt_audience"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Defaults returns the configuration used when nothing is set. No proxy is
// trusted, so client addresses come from the socket.
func Defaults() Config {
	return Config{
		Addr:             ":8080",
		LogLevel:         "info",
		InferenceTimeout: 20 * time.Second,
		ShutdownTimeout:  15 * time.Second,
	}
}

// Load builds the configuration from, in increasing precedence: defaults,
// the YAML file named by LENS_CONFIG, an optional .env file in the working
// directory, and the process environment.
func Load() (Config, error) {
	dotenv, err := godotenv.Read()
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read .env: %w", err)
	}
	env := envSource{dotenv: dotenv}

	cfg := Defaults()
	if path := env.get("LENS_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.apply(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// envSource resolves a key from the process environment first and the .env
// file second. Empty values count as unset.
type envSource struct {
	dotenv map[string]string
}

func (e envSource) get(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return e.dotenv[key]
}

func (e envSource) apply(cfg *Config) error {
	if port := e.get("PORT"); port != "" {
		cfg.Addr = ":" + strings.TrimPrefix(port, ":")
	}
	cfg.Addr = e.getString("LENS_ADDR", cfg.Addr)
	cfg.LogLevel = e.getString("LENS_LOG_LEVEL", cfg.LogLevel)
	cfg.HFToken = strings.TrimSpace(e.getString("HF_TOKEN", cfg.HFToken))
	cfg.RedisAddr = e.getString("REDIS_ADDR", cfg.RedisAddr)
	cfg.DatabaseDSN = e.getString("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.JWTSecret = e.getString("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTAudience = e.getString("JWT_AUDIENCE", cfg.JWTAudience)
	cfg.TrustedProxies = e.getList("LENS_TRUSTED_PROXIES", cfg.TrustedProxies)

	var err error
	if cfg.InferenceTimeout, err = e.getDuration("LENS_INFERENCE_TIMEOUT", cfg.InferenceTimeout); err != nil {
		return err
	}
	if cfg.ShutdownTimeout, err = e.getDuration("LENS_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return err
	}
	if cfg.MaxImageDimension, err = e.getInt("LENS_MAX_IMAGE_DIMENSION", cfg.MaxImageDimension); err != nil {
		return err
	}
	if cfg.RateLimit, err = e.getInt("LENS_RATE_LIMIT", cfg.RateLimit); err != nil {
		return err
	}
	return nil
}

func (e envSource) getString(key, fallback string) string {
	if value := e.get(key); value != "" {
		return value
	}
	return fallback
}

// getList splits a comma-separated value, dropping blanks.
func (e envSource) getList(key string, fallback []string) []string {
	value := e.get(key)
	if value == "" {
		return fallback
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func (e envSource) getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := e.get(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: expected a positive duration", key, value)
	}
	return d, nil
}

func (e envSource) getInt(key string, fallback int) (int, error) {
	value := e.get(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q: expected a non-negative integer", key, value)
	}
	return n, nil
}
