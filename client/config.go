package schwabrt

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// RuntimeConfig holds the process-level knobs that are not part of the
// OAuth credential pair: where the token cache lives, which vendor hosts
// to call, and the periodic-checker interval. Grounded on
// alexjbarnes-vault-sync/internal/config/config.go's caarlos0/env
// struct-tag pattern and adapter/config.go's env-var-driven shape.
type RuntimeConfig struct {
	BaseURL            string        `env:"SCHWAB_BASE_URL" envDefault:"https://api.schwabapi.com"`
	OAuthRedirectURL   string        `env:"SCHWAB_OAUTH_REDIRECT_URL" envDefault:"https://127.0.0.1"`
	TokenCachePath     string        `env:"SCHWAB_TOKEN_CACHE_PATH" envDefault:"./.tokens.json"`
	AppCredentialsPath string        `env:"SCHWAB_APP_CREDENTIALS_PATH" envDefault:"./.appCredentials.json"`
	TokenCheckInterval time.Duration `env:"SCHWAB_TOKEN_CHECK_INTERVAL" envDefault:"30s"`
	RESTCallTimeout    time.Duration `env:"SCHWAB_REST_TIMEOUT" envDefault:"5s"`
}

// LoadConfig reads configuration from environment variables, attempting
// to load a .env file first if present. Mirrors
// alexjbarnes-vault-sync/internal/config/config.go's Load() pairing of
// godotenv + env.Parse.
func LoadConfig() (*RuntimeConfig, error) {
	_ = godotenv.Load()

	cfg := &RuntimeConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing runtime config: %w", err)
	}

	return cfg, nil
}

// LoadCredentials reads app_key/app_secret from a JSON file. Grounded on
// original_source/src/client.h's Spec.appCredentialPath default
// ("./.appCredentials.json") and Client::loadCredentials. An unreadable
// or malformed credentials file is a Fatal condition per spec.md §7:
// the core refuses to run, and the error is returned rather than the
// process being terminated here.
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, &FatalError{Reason: "reading app credentials file " + path, Err: err}
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, &FatalError{Reason: "parsing app credentials file " + path, Err: err}
	}

	if creds.AppKey == "" || creds.AppSecret == "" {
		return Credentials{}, &FatalError{Reason: "app credentials file " + path + " missing app_key/app_secret"}
	}

	return creds, nil
}
