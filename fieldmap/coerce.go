package fieldmap

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mmdatafocus/formsync_backend/crm"
	"github.com/mmdatafocus/formsync_backend/utils"
	"github.com/shopspring/decimal"
)

type coercer struct {
	delimiter   string
	phoneRegion string
}

// coerce converts a submission value into the wire shape for field f.
// Invalid values come back as *crm.SchemaError so the caller can exclude
// the field instead of failing the record.
func (c coercer) coerce(f crm.Field, value any) (any, bool, error) {
	switch f.DataType {
	case crm.DataTypeBoolean:
		b, ok := toBool(value)
		if !ok {
			return nil, false, invalidValue(f, value)
		}
		return b, false, nil

	case crm.DataTypeMultiSelect:
		items := toStrings(value)
		if len(f.PicklistValues) > 0 {
			kept := items[:0]
			for _, item := range items {
				if canonical, ok := matchPicklist(f.PicklistValues, item); ok {
					kept = append(kept, canonical)
				}
			}
			items = kept
		}
		if len(items) == 0 {
			return nil, false, &crm.SchemaError{Code: crm.SchemaCodeInvalidPicklist, Field: f.ApiName, Message: "no allowed values"}
		}
		return strings.Join(utils.UniqueSlice(items), c.delimiter), false, nil

	case crm.DataTypePicklist:
		items := toStrings(value)
		if len(items) != 1 {
			return nil, false, &crm.SchemaError{Code: crm.SchemaCodeInvalidPicklist, Field: f.ApiName, Message: "picklist takes exactly one value"}
		}
		if len(f.PicklistValues) == 0 {
			return items[0], false, nil
		}
		canonical, ok := matchPicklist(f.PicklistValues, items[0])
		if !ok {
			return nil, false, &crm.SchemaError{Code: crm.SchemaCodeInvalidPicklist, Field: f.ApiName, Message: fmt.Sprintf("%q is not an allowed value", items[0])}
		}
		return canonical, false, nil

	case crm.DataTypeInteger:
		d, ok := toDecimal(value)
		if !ok || !d.IsInteger() {
			return nil, false, invalidValue(f, value)
		}
		return d.IntPart(), false, nil

	case crm.DataTypeDouble, crm.DataTypeCurrency, crm.DataTypeDecimal:
		d, ok := toDecimal(value)
		if !ok {
			return nil, false, invalidValue(f, value)
		}
		return json.Number(d.String()), false, nil

	case crm.DataTypePhone:
		s := strings.TrimSpace(toText(value))
		if formatted, err := utils.FormatPhoneE164(s, c.phoneRegion); err == nil {
			s = formatted
		}
		return c.fit(f, s)

	case crm.DataTypeEmail:
		return c.fit(f, strings.ToLower(strings.TrimSpace(toText(value))))

	case crm.DataTypeDate, crm.DataTypeDateTime:
		return strings.TrimSpace(toText(value)), false, nil
	}
	return c.fit(f, toText(value))
}

func (c coercer) fit(f crm.Field, s string) (any, bool, error) {
	out, truncated := utils.TruncateRunes(s, f.MaxLength)
	return out, truncated, nil
}

func invalidValue(f crm.Field, value any) error {
	return &crm.SchemaError{Code: crm.SchemaCodeInvalidValue, Field: f.ApiName, Message: fmt.Sprintf("cannot use %v as %s", value, f.DataType)}
}

func matchPicklist(allowed []string, v string) (string, bool) {
	v = strings.TrimSpace(v)
	for _, a := range allowed {
		if a == v {
			return a, true
		}
	}
	for _, a := range allowed {
		if strings.EqualFold(a, v) {
			return a, true
		}
	}
	return "", false
}

func toBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case json.Number:
		return toBool(v.String())
	case float64:
		if v == 0 || v == 1 {
			return v == 1, true
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "yes", "true", "y", "1", "on", "checked":
			return true, true
		case "no", "false", "n", "0", "off", "unchecked":
			return false, true
		}
	}
	return false, false
}

func toDecimal(value any) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case json.Number:
		d, err := utils.ParseDecimal(v.String())
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case string:
		d, err := utils.ParseDecimal(strings.ReplaceAll(v, ",", ""))
		return d, err == nil
	}
	return decimal.Zero, false
}

// toStrings flattens a scalar or array value into trimmed non-empty strings.
// Scalar strings are split on commas and semicolons.
func toStrings(value any) []string {
	var raw []string
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			raw = append(raw, toText(item))
		}
	case []string:
		raw = v
	case string:
		raw = strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ';' })
	default:
		raw = []string{toText(v)}
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func toText(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(toText(item)); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(v, ", ")
	}
	return string(utils.JSONBytes(value))
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(v) == ""
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}
	return false
}
