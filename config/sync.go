package config

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// SyncConfig tunes the background pipeline: coordinator poll loop, retry
// budget, token health check and schema cache.
type SyncConfig struct {
	PollInterval time.Duration `validate:"gt=0"`
	BatchSize    int           `validate:"gt=0"`
	Concurrency  int           `validate:"gt=0,lte=50"`
	MaxRetries   int           `validate:"gt=0"`
	BackoffBase  time.Duration `validate:"gt=0"`
	BackoffMax   time.Duration `validate:"gtfield=BackoffBase"`
	StaleAfter   time.Duration `validate:"gt=0"`

	RateLimitMaxWaits int           `validate:"gte=0"`
	RateLimitMaxWait  time.Duration `validate:"gt=0"`

	TokenSafetyMargin     time.Duration `validate:"gte=0"`
	TokenRefreshThreshold time.Duration `validate:"gtfield=TokenSafetyMargin"`
	TokenHealthInterval   time.Duration `validate:"gt=0"`

	SchemaTTL             time.Duration `validate:"gt=0"`
	SchemaRefreshInterval time.Duration `validate:"gt=0"`
	HeuristicFloor        float64       `validate:"gt=0,lte=1"`

	DefaultModule string `validate:"required"`
	FormsFile     string
	ArchiveBucket string
	PubSubTopic   string `validate:"required"`
}

// LoadSyncConfig reads CRM_SYNC_* env vars and applies defaults.
//
// Env:
// - CRM_SYNC_POLL_INTERVAL_SECONDS (default 10)
// - CRM_SYNC_BATCH_SIZE (default 25)
// - CRM_SYNC_CONCURRENCY (default 5)
// - CRM_SYNC_MAX_RETRIES (default 5)
// - CRM_SYNC_BACKOFF_BASE_SECONDS (default 5)
// - CRM_SYNC_BACKOFF_MAX_SECONDS (default 3600)
// - CRM_SYNC_STALE_AFTER_SECONDS (default 300)
// - CRM_SYNC_RATE_LIMIT_MAX_WAITS (default 3)
// - CRM_SYNC_RATE_LIMIT_MAX_WAIT_SECONDS (default 60)
// - CRM_TOKEN_SAFETY_MARGIN_SECONDS (default 60)
// - CRM_TOKEN_REFRESH_THRESHOLD_SECONDS (default 300)
// - CRM_TOKEN_HEALTH_INTERVAL_SECONDS (default 60)
// - CRM_SCHEMA_TTL_SECONDS (default 900)
// - CRM_SCHEMA_REFRESH_INTERVAL_SECONDS (default 900)
// - CRM_HEURISTIC_FLOOR (default 0.6)
// - CRM_DEFAULT_MODULE (default "Leads")
// - CRM_SYNC_FORMS_FILE
// - CRM_SYNC_ARCHIVE_BUCKET
// - CRM_SYNC_TOPIC (default "crm-sync-submissions")
func LoadSyncConfig() SyncConfig {
	return SyncConfig{
		PollInterval:          secondsFromEnv("CRM_SYNC_POLL_INTERVAL_SECONDS", 10*time.Second),
		BatchSize:             intFromEnv("CRM_SYNC_BATCH_SIZE", 25),
		Concurrency:           intFromEnv("CRM_SYNC_CONCURRENCY", 5),
		MaxRetries:            intFromEnv("CRM_SYNC_MAX_RETRIES", 5),
		BackoffBase:           secondsFromEnv("CRM_SYNC_BACKOFF_BASE_SECONDS", 5*time.Second),
		BackoffMax:            secondsFromEnv("CRM_SYNC_BACKOFF_MAX_SECONDS", time.Hour),
		StaleAfter:            secondsFromEnv("CRM_SYNC_STALE_AFTER_SECONDS", 5*time.Minute),
		RateLimitMaxWaits:     intFromEnv("CRM_SYNC_RATE_LIMIT_MAX_WAITS", 3),
		RateLimitMaxWait:      secondsFromEnv("CRM_SYNC_RATE_LIMIT_MAX_WAIT_SECONDS", time.Minute),
		TokenSafetyMargin:     secondsFromEnv("CRM_TOKEN_SAFETY_MARGIN_SECONDS", time.Minute),
		TokenRefreshThreshold: secondsFromEnv("CRM_TOKEN_REFRESH_THRESHOLD_SECONDS", 5*time.Minute),
		TokenHealthInterval:   secondsFromEnv("CRM_TOKEN_HEALTH_INTERVAL_SECONDS", time.Minute),
		SchemaTTL:             secondsFromEnv("CRM_SCHEMA_TTL_SECONDS", 15*time.Minute),
		SchemaRefreshInterval: secondsFromEnv("CRM_SCHEMA_REFRESH_INTERVAL_SECONDS", 15*time.Minute),
		HeuristicFloor:        floatFromEnv("CRM_HEURISTIC_FLOOR", 0.6),
		DefaultModule:         stringFromEnv("CRM_DEFAULT_MODULE", "Leads"),
		FormsFile:             stringFromEnv("CRM_SYNC_FORMS_FILE", ""),
		ArchiveBucket:         stringFromEnv("CRM_SYNC_ARCHIVE_BUCKET", ""),
		PubSubTopic:           stringFromEnv("CRM_SYNC_TOPIC", "crm-sync-submissions"),
	}
}

func (c SyncConfig) Validate() error {
	return validator.New().Struct(c)
}
