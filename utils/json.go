package utils

import (
	"encoding/json"
)

// JSONBytes marshals input for a json column. Marshal failures and nil
// slices/maps become a JSON null.
func JSONBytes(input any) []byte {
	if input == nil {
		return []byte("null")
	}
	b, err := json.Marshal(input)
	if err != nil {
		return []byte("null")
	}
	return b
}
