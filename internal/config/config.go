package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	// Inputs
	AppPath       string `env:"APP_PATH"`
	AppType       string `env:"APP_TYPE" envDefault:"ios"`
	Backend       string `env:"BACKEND" envDefault:"appstore-api"`
	IssuerID      string `env:"ISSUER_ID"`
	APIKeyID      string `env:"API_KEY_ID"`
	APIPrivateKey string `env:"API_PRIVATE_KEY"`
	ReleaseNotes  string `env:"RELEASE_NOTES"`

	// App Store Connect API
	APIBaseURL string        `env:"API_BASE_URL" envDefault:"https://api.appstoreconnect.apple.com/v1"`
	TokenTTL   time.Duration `env:"TOKEN_TTL" envDefault:"10m"`

	// HTTP client
	HTTPClientTimeout  time.Duration `env:"HTTP_CLIENT_TIMEOUT" envDefault:"60s"`
	HTTPRetries        int           `env:"HTTP_RETRIES" envDefault:"5"`
	HTTPRetryBaseDelay time.Duration `env:"HTTP_RETRY_BASE_DELAY" envDefault:"1s"`
	HTTPRetryFactor    float64       `env:"HTTP_RETRY_FACTOR" envDefault:"2"`

	// Polling
	VisibilityAttempts   int           `env:"VISIBILITY_ATTEMPTS" envDefault:"10"`
	VisibilityDelay      time.Duration `env:"VISIBILITY_DELAY" envDefault:"10s"`
	ProcessingAttempts   int           `env:"PROCESSING_ATTEMPTS" envDefault:"20"`
	ProcessingDelay      time.Duration `env:"PROCESSING_DELAY" envDefault:"30s"`
	ReleaseNotesAttempts int           `env:"RELEASE_NOTES_ATTEMPTS" envDefault:"20"`
	ReleaseNotesDelay    time.Duration `env:"RELEASE_NOTES_DELAY" envDefault:"30s"`
	SkipProcessingWait   bool          `env:"SKIP_PROCESSING_WAIT" envDefault:"false"`

	// Binary sources
	GCSCredentialsFile string   `env:"GCS_CREDENTIALS_FILE"`
	S3                 S3Config `envPrefix:"S3_"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

type S3Config struct {
	Endpoint        string `env:"ENDPOINT"`
	Region          string `env:"REGION" envDefault:"us-east-1"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
	SessionToken    string `env:"SESSION_TOKEN"`
}

// Environment variable names that must be set
const (
	EnvAppPath       = "APP_PATH"
	EnvIssuerID      = "ISSUER_ID"
	EnvAPIKeyID      = "API_KEY_ID"
	EnvAPIPrivateKey = "API_PRIVATE_KEY"
)

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return Parse(os.Environ())
}

// Parse reads the configuration from environ, a list of KEY=value pairs.
func Parse(environ []string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{
		Environment: env.ToMap(environ),
	}); err != nil {
		return Config{}, err
	}

	// Convert literal \n sequences back into real newlines for the private key.
	cfg.APIPrivateKey = strings.ReplaceAll(cfg.APIPrivateKey, `\n`, "\n")

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	required := map[string]string{
		EnvAppPath:       c.AppPath,
		EnvIssuerID:      c.IssuerID,
		EnvAPIKeyID:      c.APIKeyID,
		EnvAPIPrivateKey: c.APIPrivateKey,
	}
	missing := make([]string, 0)
	for _, k := range []string{EnvAppPath, EnvIssuerID, EnvAPIKeyID, EnvAPIPrivateKey} {
		if strings.TrimSpace(required[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required env vars: %s", strings.Join(missing, ", "))
	}

	var errs []error
	if c.HTTPRetries < 0 {
		errs = append(errs, errors.New("invalid HTTP_RETRIES: must not be negative"))
	}
	if c.HTTPRetryFactor < 1 {
		errs = append(errs, errors.New("invalid HTTP_RETRY_FACTOR: must be at least 1"))
	}
	for name, attempts := range map[string]int{
		"VISIBILITY_ATTEMPTS":    c.VisibilityAttempts,
		"PROCESSING_ATTEMPTS":    c.ProcessingAttempts,
		"RELEASE_NOTES_ATTEMPTS": c.ReleaseNotesAttempts,
	} {
		if attempts < 1 {
			errs = append(errs, fmt.Errorf("invalid %s: must be at least 1", name))
		}
	}
	return errors.Join(errs...)
}
