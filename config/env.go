package config

import (
	"github.com/caarlos0/env/v11"

	"github.com/saiset-co/sai-offline/types"
)

const EnvPrefix = "SAI_OFFLINE_"

// EnvOverrides lists the settings a deployment may replace through the
// environment. Unset variables leave the file value alone.
type EnvOverrides struct {
	Host          *string `env:"HOST"`
	Port          *int    `env:"PORT"`
	UpstreamURL   *string `env:"UPSTREAM_URL"`
	LogLevel      *string `env:"LOG_LEVEL"`
	EngineVersion *string `env:"ENGINE_VERSION"`
	StorageType   *string `env:"STORAGE_TYPE"`
	ControlToken  *string `env:"CONTROL_TOKEN"`
}

func ParseEnv() (*EnvOverrides, error) {
	overrides := &EnvOverrides{}
	if err := env.ParseWithOptions(overrides, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, types.Errorf(types.ErrConfigParseFailed, "environment: %v", err)
	}
	return overrides, nil
}

func (o *EnvOverrides) Apply(config *types.ServiceConfig) {
	if o.Host != nil && config.Server != nil && config.Server.HTTP != nil {
		config.Server.HTTP.Host = *o.Host
	}
	if o.Port != nil && config.Server != nil && config.Server.HTTP != nil {
		config.Server.HTTP.Port = *o.Port
	}
	if o.UpstreamURL != nil && config.Upstream != nil {
		config.Upstream.BaseURL = *o.UpstreamURL
	}
	if o.LogLevel != nil && config.Logger != nil {
		config.Logger.Level = *o.LogLevel
	}
	if o.EngineVersion != nil && config.Engine != nil {
		config.Engine.Version = *o.EngineVersion
	}
	if o.StorageType != nil && config.Storage != nil {
		config.Storage.Type = *o.StorageType
	}

	// A control token turns on token auth.
	if o.ControlToken != nil && config.Control != nil {
		config.Control.Auth = &types.AuthConfig{
			Enabled: true,
			Type:    "token",
			Token:   *o.ControlToken,
		}
	}
}
