package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// CRMConfig holds everything needed to talk to the CRM: OAuth client
// registration, REST base URL and client-side throttling.
type CRMConfig struct {
	Provider     string   `validate:"required"`
	ClientID     string   `validate:"required"`
	ClientSecret string   `validate:"required"`
	AuthURL      string   `validate:"required,url"`
	TokenURL     string   `validate:"required,url"`
	RedirectURL  string   `validate:"required,url"`
	APIBaseURL   string   `validate:"required,url"`
	Scopes       []string `validate:"min=1"`

	RateLimitPerMin int           `validate:"gt=0"`
	RequestTimeout  time.Duration `validate:"gt=0"`

	// EncryptionKey is the base64 (std) encoding of a 32-byte key. Empty
	// means tokens are stored in plaintext.
	EncryptionKey string

	MultiValueDelimiter string `validate:"required"`
	DefaultPhoneRegion  string `validate:"required,len=2"`
}

// LoadCRMConfig reads CRM_* env vars and applies defaults.
//
// Env:
// - CRM_PROVIDER (default "zoho")
// - CRM_CLIENT_ID / CRM_CLIENT_SECRET
// - CRM_AUTH_URL / CRM_TOKEN_URL / CRM_REDIRECT_URI
// - CRM_API_BASE_URL
// - CRM_SCOPES (comma-separated)
// - CRM_RATE_LIMIT_PER_MIN (default 100)
// - CRM_REQUEST_TIMEOUT_SECONDS (default 30)
// - CREDENTIAL_ENCRYPTION_KEY
// - CRM_MULTI_VALUE_DELIMITER (default ";")
// - CRM_DEFAULT_PHONE_REGION (default "US")
func LoadCRMConfig() CRMConfig {
	cfg := CRMConfig{
		Provider:            stringFromEnv("CRM_PROVIDER", "zoho"),
		ClientID:            strings.TrimSpace(os.Getenv("CRM_CLIENT_ID")),
		ClientSecret:        strings.TrimSpace(os.Getenv("CRM_CLIENT_SECRET")),
		AuthURL:             stringFromEnv("CRM_AUTH_URL", "https://accounts.zoho.com/oauth/v2/auth"),
		TokenURL:            stringFromEnv("CRM_TOKEN_URL", "https://accounts.zoho.com/oauth/v2/token"),
		RedirectURL:         strings.TrimSpace(os.Getenv("CRM_REDIRECT_URI")),
		APIBaseURL:          strings.TrimRight(stringFromEnv("CRM_API_BASE_URL", "https://www.zohoapis.com/crm/v5"), "/"),
		Scopes:              splitAndTrim(stringFromEnv("CRM_SCOPES", "ZohoCRM.modules.ALL,ZohoCRM.settings.ALL")),
		RateLimitPerMin:     intFromEnv("CRM_RATE_LIMIT_PER_MIN", 100),
		RequestTimeout:      secondsFromEnv("CRM_REQUEST_TIMEOUT_SECONDS", 30*time.Second),
		EncryptionKey:       strings.TrimSpace(os.Getenv("CREDENTIAL_ENCRYPTION_KEY")),
		MultiValueDelimiter: stringFromEnv("CRM_MULTI_VALUE_DELIMITER", ";"),
		DefaultPhoneRegion:  strings.ToUpper(stringFromEnv("CRM_DEFAULT_PHONE_REGION", "US")),
	}
	return cfg
}

func (c CRMConfig) Validate() error {
	return validator.New().Struct(c)
}

func stringFromEnv(key string, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func secondsFromEnv(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func floatFromEnv(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SplitAndTrim is exported for the cmd packages (CORS allowlists).
func SplitAndTrim(csv string) []string {
	return splitAndTrim(csv)
}
