// Package config defines the worker's environment-driven configuration.
package config

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// Settings is the top-level configuration object of the worker. Every field
// binds to an environment variable, so a bare `worker serve` picks up the
// deployment environment without flags.
type Settings struct {
	DatabaseURL string `long:"database-url" env:"DATABASE_URL" required:"true" description:"Postgres connection URL"`

	RedisURL   string `long:"redis-url" env:"UPSTASH_REDIS_REST_URL" required:"true" description:"Redis endpoint URL (Upstash)"`
	RedisToken string `long:"redis-token" env:"UPSTASH_REDIS_REST_TOKEN" description:"Redis auth token (Upstash)"`

	AWSAccessKeyID     string `long:"aws-access-key-id" env:"AWS_ACCESS_KEY_ID" description:"AWS access key for the artifact bucket"`
	AWSSecretAccessKey string `long:"aws-secret-access-key" env:"AWS_SECRET_ACCESS_KEY" description:"AWS secret key for the artifact bucket"`
	AWSRegion          string `long:"aws-region" env:"AWS_REGION" default:"us-west-1" description:"AWS region of the artifact bucket"`
	S3Bucket           string `long:"s3-bucket" env:"AWS_S3_BUCKET" required:"true" description:"S3 bucket holding artifacts and model bundles"`

	PollIntervalSeconds float64 `long:"poll-interval" env:"POLL_INTERVAL_SECONDS" default:"1.0" description:"Queue poll interval in seconds"`
	// MaxRetries is parsed and logged but deliberately unused: a failed job
	// is terminal, and any retry policy must be an explicit re-enqueue by the
	// producer rather than something this worker infers.
	MaxRetries int `long:"max-retries" env:"MAX_RETRIES" default:"3" description:"Reserved for an explicit retry policy"`

	Port int `long:"port" env:"PORT" default:"8000" description:"HTTP listen port"`

	Log LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

// Validate returns an error if the Settings are internally inconsistent.
func (s *Settings) Validate() error {
	if s.PollIntervalSeconds <= 0 {
		return fmt.Errorf("poll interval must be positive (got %v)", s.PollIntervalSeconds)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port %d", s.Port)
	}
	return nil
}

// PollInterval returns the queue poll interval as a time.Duration.
func (s *Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds * float64(time.Second))
}

// LogConfig configures logging of the worker.
type LogConfig struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" description:"Logging output format"`
}

// InitLog configures the logrus standard logger from a LogConfig.
func InitLog(cfg LogConfig) {
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if lvl, err := log.ParseLevel(cfg.Level); err != nil {
		log.WithField("level", cfg.Level).Warn("unrecognized log level; using info")
		log.SetLevel(log.InfoLevel)
	} else {
		log.SetLevel(lvl)
	}
}
