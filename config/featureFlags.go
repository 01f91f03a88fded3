package config

import (
	"os"
	"strings"
)

// StrictFieldMapping disables schema extension entirely: unmatched keys are
// always excluded, regardless of per-form settings.
//
// Set via env:
// - CRM_STRICT_FIELD_MAPPING=true
func StrictFieldMapping() bool {
	return envBool("CRM_STRICT_FIELD_MAPPING", false)
}

// AllowFieldCreation is the process-wide default for creating CRM fields for
// unmatched submission keys. Forms may opt out individually.
//
// Set via env:
// - CRM_ALLOW_FIELD_CREATION=true
func AllowFieldCreation() bool {
	return envBool("CRM_ALLOW_FIELD_CREATION", false) && !StrictFieldMapping()
}

// PubSubNudgeEnabled controls publishing a message per accepted submission so
// the push endpoint can sync it without waiting for the next poll.
//
// Set via env:
// - CRM_SYNC_PUBSUB_ENABLED=true
func PubSubNudgeEnabled() bool {
	return envBool("CRM_SYNC_PUBSUB_ENABLED", false) && PubSubConfigured()
}

func envBool(key string, def bool) bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch val {
	case "true", "1", "yes", "y", "on":
		return true
	case "false", "0", "no", "n", "off":
		return false
	default:
		return def
	}
}
