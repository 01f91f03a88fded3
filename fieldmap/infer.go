package fieldmap

import (
	"strings"
	"unicode"

	"github.com/mmdatafocus/formsync_backend/crm"
	"github.com/mmdatafocus/formsync_backend/utils"
)

const (
	defaultTextLength     = 255
	defaultTextAreaLength = 32000
)

var picklistHints = []string{"type", "category", "choice", "option", "preference", "select", "plan", "tier"}

// InferFieldSpec proposes a custom field for an unmatched key from one
// sample value.
func InferFieldSpec(key string, value any, phoneRegion string) crm.FieldSpec {
	spec := crm.FieldSpec{Label: Humanize(key), DataType: crm.DataTypeText, MaxLength: defaultTextLength}
	if spec.Label == "" {
		spec.Label = key
	}

	switch v := value.(type) {
	case bool:
		return crm.FieldSpec{Label: spec.Label, DataType: crm.DataTypeBoolean}
	case []any:
		return crm.FieldSpec{Label: spec.Label, DataType: crm.DataTypeMultiSelect, PicklistValues: utils.UniqueSlice(toStrings(v))}
	case string:
		s := strings.TrimSpace(v)
		lower := strings.ToLower(s)
		switch {
		case lower == "true" || lower == "false":
			spec.DataType, spec.MaxLength = crm.DataTypeBoolean, 0
		case utils.IsValidEmail(s):
			spec.DataType = crm.DataTypeEmail
		case looksLikePhone(s) && utils.ValidatePhoneNumber(s, phoneRegion) == nil:
			spec.DataType, spec.MaxLength = crm.DataTypePhone, 30
		case strings.ContainsAny(s, "\r\n") || len([]rune(s)) > defaultTextLength:
			spec.DataType, spec.MaxLength = crm.DataTypeTextArea, defaultTextAreaLength
		case hasPicklistHint(key) && len([]rune(s)) <= 40:
			spec.DataType, spec.MaxLength = crm.DataTypePicklist, 0
			spec.PicklistValues = []string{s}
		}
	}
	return spec
}

func looksLikePhone(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 7 && digits <= 15
}

func hasPicklistHint(key string) bool {
	k := Normalize(key)
	for _, hint := range picklistHints {
		if strings.Contains(k, hint) {
			return true
		}
	}
	return false
}
