package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/go-sql-driver/mysql"
)

func TestSubmissionPayloadKeepsNumbers(t *testing.T) {
	sub := Submission{PayloadJSON: []byte(`{"Amount":12345678901234567890.25,"Email":"x@y.z"}`)}
	payload, err := sub.Payload()
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	n, ok := payload["Amount"].(json.Number)
	if !ok || n.String() != "12345678901234567890.25" {
		t.Fatalf("expected exact json.Number, got %#v", payload["Amount"])
	}
}

func TestSchemaFieldPicklist(t *testing.T) {
	var f SchemaField
	if f.PicklistValues() != nil {
		t.Fatalf("empty picklist should be nil")
	}
	f.SetPicklistValues([]string{"Web", "Referral"})
	got := f.PicklistValues()
	if len(got) != 2 || got[1] != "Referral" {
		t.Fatalf("unexpected picklist %v", got)
	}
}

func TestSyncEventMarshalExpandsKeys(t *testing.T) {
	ev := SubmissionSyncEvent{
		SubmissionId:     "abc",
		Outcome:          SyncOutcomeSynced,
		UnmappedKeysJSON: []byte(`["unknown_x"]`),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(b), `"unmapped_keys":["unknown_x"]`) {
		t.Fatalf("expected unmapped_keys array, got %s", b)
	}
}

func TestIsDuplicateKeyError(t *testing.T) {
	if !IsDuplicateKeyError(fmt.Errorf("wrap: %w", &mysql.MySQLError{Number: 1062})) {
		t.Fatalf("1062 should be duplicate")
	}
	if IsDuplicateKeyError(&mysql.MySQLError{Number: 1213}) {
		t.Fatalf("deadlock is not duplicate")
	}
	if IsDuplicateKeyError(nil) {
		t.Fatalf("nil is not duplicate")
	}
}
