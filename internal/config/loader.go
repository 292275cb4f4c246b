package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds the service configuration: defaults, then the YAML file at
// path (if any), then a .env file in the working directory (if present),
// then environment overrides. The result is normalized.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = fileCfg
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}
	ApplyEnv(&cfg)

	return cfg.Normalize(), nil
}

func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg.Normalize(), nil
}

func ApplyEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	if addr := os.Getenv("ANALYTICS_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		cfg.Redis.Addr = redisAddr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}

	a := &cfg.Analytics
	if model := os.Getenv("ANALYTICS_PREDICTION_MODEL"); model != "" {
		a.PredictionModel = strings.ToLower(model)
	}
	if v, ok := envFloat("ANALYTICS_ANOMALY_THRESHOLD"); ok {
		a.AnomalyThreshold = v
	}
	if v, ok := envInt("ANALYTICS_MAX_HISTORY_SIZE"); ok {
		a.MaxHistorySize = v
	}
	if v, ok := envDuration("ANALYTICS_SAMPLING_INTERVAL"); ok {
		a.SamplingInterval = v
	}
	if v, ok := envDuration("ANALYTICS_ALERT_COOLDOWN"); ok {
		a.AlertCooldown = v
	}
	if path := os.Getenv("ANALYTICS_DATA_PATH"); path != "" {
		a.DataStoragePath = path
	}
}

func envFloat(key string) (float64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	return v, err == nil
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	return v, err == nil
}

func envDuration(key string) (Duration, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	var d Duration
	if err := d.parse(raw); err != nil {
		return 0, false
	}
	return d, true
}
