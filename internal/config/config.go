package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full tunable surface, loaded from DREAD_* environment
// variables. Probabilities are rolled per event; windows are wall-clock
// seconds compared at consumption time.
type Config struct {
	Addr    string `env:"DREAD_ADDR" envDefault:":8080"`
	BaseURL string `env:"DREAD_BASE_URL" envDefault:"http://localhost:8080"`
	DBPath  string `env:"DREAD_DB_PATH" envDefault:"dread.db"`

	SoloWindowSeconds     int     `env:"DREAD_SOLO_WINDOW_SECONDS" envDefault:"40"`
	MirroredWindowSeconds int     `env:"DREAD_MIRRORED_WINDOW_SECONDS" envDefault:"30"`
	FireDelayMinMinutes   float64 `env:"DREAD_FIRE_DELAY_MIN" envDefault:"1"`
	FireDelayMaxMinutes   float64 `env:"DREAD_FIRE_DELAY_MAX" envDefault:"15"`
	MirrorChance          float64 `env:"DREAD_MIRROR_CHANCE" envDefault:"0.12"`
	RevealProb            float64 `env:"DREAD_REVEAL_PROB" envDefault:"0.72"`
	BlankProb             float64 `env:"DREAD_BLANK_PROB" envDefault:"0.0015"`

	Riddle    string `env:"DREAD_RIDDLE" envDefault:"What walks the wire between what you did and what you say you did?"`
	Keyphrase string `env:"DREAD_KEYPHRASE" envDefault:"the wire holds"`

	AdminSecret string `env:"DREAD_ADMIN_SECRET"`
	JWTSecret   string `env:"DREAD_JWT_SECRET"`

	// GatewayURL empty selects the log-only gateway.
	GatewayURL  string `env:"DREAD_GATEWAY_URL"`
	GatewayFrom string `env:"DREAD_GATEWAY_FROM"`
}

// Load parses the environment and validates required credentials. A
// missing admin secret halts startup; nothing else is fatal.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.AdminSecret == "" {
		return nil, errors.New("DREAD_ADMIN_SECRET is required")
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = cfg.AdminSecret
	}
	return &cfg, nil
}

func (c *Config) SoloWindow() time.Duration {
	return time.Duration(c.SoloWindowSeconds) * time.Second
}

func (c *Config) MirroredWindow() time.Duration {
	return time.Duration(c.MirroredWindowSeconds) * time.Second
}
