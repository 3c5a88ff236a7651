// Package config resolves AgentGate client settings from explicit values,
// AGENTGATE_* environment variables, and built-in defaults, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by FromEnv.
const (
	EnvURL        = "AGENTGATE_URL"
	EnvAPIKey     = "AGENTGATE_API_KEY"
	EnvTimeout    = "AGENTGATE_TIMEOUT"
	EnvFallback   = "AGENTGATE_FALLBACK"
	EnvMaxRetries = "AGENTGATE_MAX_RETRIES"
)

// Built-in defaults, used when neither an explicit value nor an environment
// variable is set.
const (
	DefaultBaseURL    = "http://localhost:3000"
	DefaultTimeout    = 10 * time.Second
	DefaultFallback   = "deny"
	DefaultMaxRetries = 3
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Settings holds the resolved client configuration. Values are immutable
// once the client is constructed.
type Settings struct {
	// BaseURL of the AgentGate service, without trailing slash
	BaseURL string `yaml:"url" validate:"required,url"`

	// APIKey sent as the bearer token; empty disables the auth header
	APIKey string `yaml:"api_key"`

	// Timeout applied to each HTTP attempt
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`

	// Fallback behavior when the service is unreachable: allow or deny
	Fallback string `yaml:"fallback" validate:"oneof=allow deny"`

	// MaxRetries bounds retries of retryable failures; 0 disables retries
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`
}

// FromEnv builds Settings from the environment, falling back to the
// built-in defaults. It never fails; unparseable values fall back too.
func FromEnv() Settings {
	return Settings{
		BaseURL:    strings.TrimRight(getEnv(EnvURL, DefaultBaseURL), "/"),
		APIKey:     getEnv(EnvAPIKey, ""),
		Timeout:    getEnvAsTimeout(EnvTimeout, DefaultTimeout),
		Fallback:   getEnv(EnvFallback, DefaultFallback),
		MaxRetries: getEnvAsInt(EnvMaxRetries, DefaultMaxRetries),
	}
}

// Validate checks the settings and returns a descriptive error listing
// every violated constraint.
func (s Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	problems := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		switch fieldErr.Field() {
		case "BaseURL":
			problems = append(problems, fmt.Sprintf("base URL %q is not a valid URL", s.BaseURL))
		case "Timeout":
			problems = append(problems, "timeout must be greater than zero")
		case "Fallback":
			problems = append(problems, fmt.Sprintf("fallback must be one of: %s", fieldErr.Param()))
		case "MaxRetries":
			problems = append(problems, "max retries must not be negative")
		default:
			problems = append(problems, fmt.Sprintf("%s failed on %q", fieldErr.Field(), fieldErr.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

// File is the YAML shape of an optional configuration file. Unset fields
// leave the corresponding setting untouched when applied, so a file can
// override just part of the environment-derived configuration.
type File struct {
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	Timeout    string `yaml:"timeout"` // seconds ("2.5") or Go duration ("2s")
	Fallback   string `yaml:"fallback"`
	MaxRetries *int   `yaml:"max_retries"`
}

// LoadFile reads a YAML configuration file, expanding ${VAR} references
// from the environment before parsing.
func LoadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	var file File
	if err := yaml.Unmarshal([]byte(expanded), &file); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &file, nil
}

// Apply overlays the file's set fields onto s.
func (f *File) Apply(s *Settings) error {
	if f.URL != "" {
		s.BaseURL = strings.TrimRight(f.URL, "/")
	}
	if f.APIKey != "" {
		s.APIKey = f.APIKey
	}
	if f.Timeout != "" {
		timeout, err := ParseTimeout(f.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", f.Timeout, err)
		}
		s.Timeout = timeout
	}
	if f.Fallback != "" {
		s.Fallback = f.Fallback
	}
	if f.MaxRetries != nil {
		s.MaxRetries = *f.MaxRetries
	}
	return nil
}

// LoadDotenv loads environment variables from the given .env files, or from
// ./.env when none are named. Missing files are ignored.
func LoadDotenv(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		_ = godotenv.Load(path)
	}
}

// ParseTimeout parses a timeout expressed either as seconds ("10", "2.5")
// or as a Go duration string ("500ms", "2s").
func ParseTimeout(value string) (time.Duration, error) {
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("expected seconds or duration: %w", err)
	}
	return duration, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsTimeout(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := ParseTimeout(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
