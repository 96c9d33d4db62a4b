package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// AppConfig holds the global application configuration
var AppConfig *Config

// Config holds the application configuration
type Config struct {
	DatabaseURL         string `env:"DATABASE_URL,required,notEmpty"`
	StripeSecretKey     string `env:"STRIPE_SECRET_KEY,required,notEmpty"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required,notEmpty"`
	// Supabase signs the access tokens the web app sends; HS256 with this secret.
	SupabaseJWTSecret string `env:"SUPABASE_JWT_SECRET,required,notEmpty"`

	// Provider price ids per paid plan. An empty value leaves the plan unconfigured.
	PremierePriceID  string `env:"STRIPE_PRICE_PREMIERE"`
	ExclusivePriceID string `env:"STRIPE_PRICE_EXCLUSIVE"`

	CheckoutSuccessURL string `env:"CHECKOUT_SUCCESS_URL" envDefault:"http://localhost:5173/subscription?checkout=success"`
	CheckoutCancelURL  string `env:"CHECKOUT_CANCEL_URL" envDefault:"http://localhost:5173/subscription?checkout=cancel"`

	// Optional: enables cross-instance webhook de-duplication.
	RedisURL string `env:"REDIS_URL"`

	// Optional: base URL for running remote HTTP integration tests (e.g., https://api.example.com)
	IntegrationBaseURL string `env:"INTEGRATION_BASE_URL"`
	// Server ports
	HTTPPort string `env:"PORT" envDefault:"8080"`
	GRPCPort string `env:"GRPC_PORT" envDefault:"50051"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv   string `env:"APP_ENV" envDefault:"production"`
}

// PriceIDs returns the configured provider price id per plan name.
func (c Config) PriceIDs() map[string]string {
	ids := map[string]string{}
	if c.PremierePriceID != "" {
		ids["Premiere"] = c.PremierePriceID
	}
	if c.ExclusivePriceID != "" {
		ids["Exclusive"] = c.ExclusivePriceID
	}
	return ids
}

// IsDevelopment reports whether the service runs outside production.
func (c Config) IsDevelopment() bool {
	switch strings.ToLower(c.AppEnv) {
	case "development", "dev", "local", "test":
		return true
	}
	return false
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("invalid environment configuration: %w", err)
	}
	return config, nil
}

// loadDotEnv loads the nearest .env file from the current directory or its parents.
// Variables already set in the environment win over the file.
func loadDotEnv() error {
	currentDir, _ := os.Getwd()
	for currentDir != "/" && currentDir != "." && currentDir != "" {
		envPath := filepath.Join(currentDir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			if err := godotenv.Load(envPath); err != nil {
				return fmt.Errorf("failed to load .env file: %v", err)
			}
			return nil
		}
		// Move up one directory
		currentDir = filepath.Dir(currentDir)
	}
	return nil
}
