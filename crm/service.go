package crm

import "context"

// Service is the CRM record and metadata API. Every method takes the bearer
// token explicitly so callers control credential lifecycle.
type Service interface {
	CreateRecord(ctx context.Context, token, module string, data map[string]any) (RecordResult, error)
	UpdateRecord(ctx context.Context, token, module, id string, data map[string]any) error
	GetRecord(ctx context.Context, token, module, id string) (map[string]any, error)
	ListFields(ctx context.Context, token, module string) ([]Field, error)
	CreateField(ctx context.Context, token, module string, spec FieldSpec) (Field, error)
}

// OAuth covers the authorization-code and refresh-token grants.
type OAuth interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (TokenGrant, error)
	Refresh(ctx context.Context, refreshToken string) (TokenGrant, error)
}

// TokenSource hands out access tokens for CRM calls. ForceRefresh discards
// the cached token, used after the CRM rejects it.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}
