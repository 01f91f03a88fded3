// Package crm is the boundary to the third-party CRM: the Service and OAuth
// contracts, the error taxonomy every response is classified into, a generic
// JSON-over-HTTP implementation, and the Invoker that absorbs expired tokens
// and rate limits around any call.
package crm

import "time"

// CRM field data types understood by the mapping engine.
const (
	DataTypeText        = "text"
	DataTypeTextArea    = "textarea"
	DataTypeEmail       = "email"
	DataTypePhone       = "phone"
	DataTypeWebsite     = "website"
	DataTypeBoolean     = "boolean"
	DataTypePicklist    = "picklist"
	DataTypeMultiSelect = "multiselectpicklist"
	DataTypeInteger     = "integer"
	DataTypeDouble      = "double"
	DataTypeCurrency    = "currency"
	DataTypeDecimal     = "decimal"
	DataTypeDate        = "date"
	DataTypeDateTime    = "datetime"
)

// Field is one field definition as reported by the CRM.
type Field struct {
	ApiName        string   `json:"api_name"`
	Label          string   `json:"label"`
	DataType       string   `json:"data_type"`
	IsCustom       bool     `json:"is_custom"`
	IsRequired     bool     `json:"is_required"`
	MaxLength      int      `json:"max_length"`
	PicklistValues []string `json:"picklist_values,omitempty"`
}

// FieldSpec is the request to create a custom field.
type FieldSpec struct {
	Label          string
	DataType       string
	MaxLength      int
	PicklistValues []string
}

type RecordResult struct {
	ID string
}

// TokenGrant is the outcome of an authorization-code or refresh grant.
// RefreshToken is empty when the provider did not rotate it.
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ApiDomain    string
	ExpiresAt    time.Time
}
