package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Env holds process-level settings that never live in the workspace file.
type Env struct {
	JWTSecret    string `env:"INJECTLINE_JWT_SECRET"`
	OTelEndpoint string `env:"INJECTLINE_OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"INJECTLINE_OTEL_ENABLED" envDefault:"true"`
	LogLevel     string `env:"INJECTLINE_LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"INJECTLINE_LOG_FORMAT" envDefault:"json"`
}

// ParseEnv loads Env from environment variables.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}
