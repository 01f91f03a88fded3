package fieldmap

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/mmdatafocus/formsync_backend/crm"
	"github.com/mmdatafocus/formsync_backend/schemacache"
	"github.com/sirupsen/logrus"
)

type fakeSchema struct {
	snap      *schemacache.Snapshot
	refreshed *schemacache.Snapshot
	refreshes int
	added     []crm.Field
}

func newFakeSchema(fields ...crm.Field) *fakeSchema {
	return &fakeSchema{snap: schemacache.NewSnapshot("Leads", fields, time.Unix(0, 0))}
}

func (f *fakeSchema) Get(ctx context.Context, module string) (*schemacache.Snapshot, error) {
	if f.snap == nil {
		return nil, errors.New("schema unavailable")
	}
	return f.snap, nil
}

func (f *fakeSchema) Refresh(ctx context.Context, module string) (*schemacache.Snapshot, error) {
	f.refreshes++
	if f.refreshed != nil {
		f.snap = f.refreshed
	}
	return f.snap, nil
}

func (f *fakeSchema) AddField(ctx context.Context, module string, field crm.Field) *schemacache.Snapshot {
	f.added = append(f.added, field)
	fields := append(append([]crm.Field{}, f.snap.Fields...), field)
	f.snap = schemacache.NewSnapshot(module, fields, f.snap.FetchedAt)
	return f.snap
}

type fakeCreator struct {
	calls  []crm.FieldSpec
	create func(spec crm.FieldSpec) (crm.Field, error)
}

func (f *fakeCreator) CreateField(ctx context.Context, module string, spec crm.FieldSpec) (crm.Field, error) {
	f.calls = append(f.calls, spec)
	return f.create(spec)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func leadFields() []crm.Field {
	return []crm.Field{
		{ApiName: "Email", Label: "Email", DataType: crm.DataTypeEmail, MaxLength: 100},
		{ApiName: "Last_Name", Label: "Last Name", DataType: crm.DataTypeText, MaxLength: 80, IsRequired: true},
		{ApiName: "First_Name", Label: "First Name", DataType: crm.DataTypeText, MaxLength: 40},
	}
}

func TestMapFieldsStandardAndUnmapped(t *testing.T) {
	engine := New(newFakeSchema(leadFields()...), nil, Options{Logger: quietLogger()})
	payload := map[string]any{"Email": "a@b.com", "fullName": "A B", "unknown_x": "z"}

	res, err := engine.MapFields(context.Background(), payload, "Leads", Policy{})
	if err != nil {
		t.Fatalf("MapFields: %v", err)
	}

	targets := map[string]string{}
	for _, m := range res.Mapped {
		targets[m.SourceKey] = m.TargetApiName
	}
	if targets["Email"] != "Email" || targets["fullName"] != "Last_Name" || len(targets) != 2 {
		t.Fatalf("unexpected mapping %v", targets)
	}
	for _, m := range res.Mapped {
		if m.SourceKey == "fullName" && m.MatchType != MatchStandard {
			t.Fatalf("fullName match type = %s, want standard", m.MatchType)
		}
	}
	if !reflect.DeepEqual(res.Unmapped, []string{"unknown_x"}) {
		t.Fatalf("unmapped = %v", res.Unmapped)
	}
	if res.Excluded["unknown_x"] != ReasonNoMatch {
		t.Fatalf("excluded reason = %q", res.Excluded["unknown_x"])
	}
	want := map[string]any{"Email": "a@b.com", "Last_Name": "A B"}
	if !reflect.DeepEqual(res.ResolvedPayload, want) {
		t.Fatalf("resolved = %v, want %v", res.ResolvedPayload, want)
	}
}

func TestMapFieldsDeterministic(t *testing.T) {
	fields := append(leadFields(),
		crm.Field{ApiName: "Company", Label: "Company", DataType: crm.DataTypeText, MaxLength: 100},
		crm.Field{ApiName: "Favorite_Colour", Label: "Favourite Colour", DataType: crm.DataTypeText, MaxLength: 50},
	)
	engine := New(newFakeSchema(fields...), nil, Options{Logger: quietLogger()})
	payload := map[string]any{
		"email": "x@y.io", "name": "N", "organisation": "Acme", "company": "Other",
		"favorite_color": "blue", "misc": "?", "first": "F",
	}

	first, err := engine.MapFields(context.Background(), payload, "Leads", Policy{})
	if err != nil {
		t.Fatalf("MapFields: %v", err)
	}
	for i := 0; i < 25; i++ {
		again, err := engine.MapFields(context.Background(), payload, "Leads", Policy{})
		if err != nil {
			t.Fatalf("MapFields: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs:\n%+v\n%+v", i, first, again)
		}
	}
}

func TestMapFieldsTargetConflicts(t *testing.T) {
	fields := []crm.Field{
		{ApiName: "Company", Label: "Company", DataType: crm.DataTypeText},
		{ApiName: "Stone", Label: "Stone", DataType: crm.DataTypeText},
	}
	engine := New(newFakeSchema(fields...), nil, Options{Logger: quietLogger()})
	payload := map[string]any{"Company_Name": "A", "company": "B", "notes": "n", "Stone": "s"}

	res, err := engine.MapFields(context.Background(), payload, "Leads", Policy{})
	if err != nil {
		t.Fatalf("MapFields: %v", err)
	}
	if res.ResolvedPayload["Company"] != "A" {
		t.Fatalf("equal confidence tie should go to the earlier key, got %v", res.ResolvedPayload["Company"])
	}
	if res.ResolvedPayload["Stone"] != "s" {
		t.Fatalf("exact match should beat heuristic, got %v", res.ResolvedPayload["Stone"])
	}
	if res.Excluded["company"] != ReasonTargetTaken || res.Excluded["notes"] != ReasonTargetTaken {
		t.Fatalf("excluded = %v", res.Excluded)
	}
}

func TestMatchOrderAndConfidence(t *testing.T) {
	fields := []crm.Field{
		{ApiName: "Annual_Revenue", Label: "Yearly Income", DataType: crm.DataTypeCurrency},
		{ApiName: "Ultimo_Nombre", Label: "Apellido", DataType: crm.DataTypeText},
		{ApiName: "Lead_Status", Label: "Lead Status", DataType: crm.DataTypeText},
	}
	engine := New(newFakeSchema(fields...), nil, Options{Logger: quietLogger()})
	snap, _ := engine.schema.Get(context.Background(), "Leads")

	cases := []struct {
		key        string
		target     string
		matchType  MatchType
		confidence float64
		ok         bool
	}{
		{key: "annual_revenue", target: "Annual_Revenue", matchType: MatchExact, confidence: 1, ok: true},
		{key: "Último Nombre", target: "Ultimo_Nombre", matchType: MatchExact, confidence: 1, ok: true},
		{key: "yearly-income", target: "Annual_Revenue", matchType: MatchNormalized, confidence: 0.95, ok: true},
		{key: "leadstatuss", target: "Lead_Status", matchType: MatchHeuristic, ok: true},
		{key: "zzz", ok: false},
	}
	for _, tc := range cases {
		m, ok := engine.Match(snap, tc.key)
		if ok != tc.ok {
			t.Fatalf("%q: matched = %v, want %v", tc.key, ok, tc.ok)
		}
		if !ok {
			continue
		}
		if m.TargetApiName != tc.target || m.MatchType != tc.matchType {
			t.Fatalf("%q: got %s/%s, want %s/%s", tc.key, m.TargetApiName, m.MatchType, tc.target, tc.matchType)
		}
		if tc.matchType == MatchHeuristic {
			if m.Confidence < DefaultHeuristicFloor || m.Confidence > DefaultHeuristicCeiling {
				t.Fatalf("%q: heuristic confidence %v out of range", tc.key, m.Confidence)
			}
		} else if m.Confidence != tc.confidence {
			t.Fatalf("%q: confidence = %v, want %v", tc.key, m.Confidence, tc.confidence)
		}
	}
}

func TestStandardAliasRequiresTargetInSchema(t *testing.T) {
	engine := New(newFakeSchema(crm.Field{ApiName: "Email", Label: "Email", DataType: crm.DataTypeEmail}), nil, Options{Logger: quietLogger()})
	res, err := engine.MapFields(context.Background(), map[string]any{"company": "Acme"}, "Leads", Policy{})
	if err != nil {
		t.Fatalf("MapFields: %v", err)
	}
	if len(res.Mapped) != 0 || res.Excluded["company"] != ReasonNoMatch {
		t.Fatalf("alias without target field should stay unmapped: %+v", res)
	}
}

func TestHeuristicScorerIsSwappable(t *testing.T) {
	fields := []crm.Field{{ApiName: "Stone", Label: "Stone", DataType: crm.DataTypeText}}

	overlap := New(newFakeSchema(fields...), nil, Options{Logger: quietLogger()})
	snap, _ := overlap.schema.Get(context.Background(), "Leads")
	if _, ok := overlap.Match(snap, "onset"); !ok {
		t.Fatalf("character overlap should treat anagrams as similar")
	}

	edit := New(newFakeSchema(fields...), nil, Options{Logger: quietLogger(), Scorer: LevenshteinScorer{}})
	if m, ok := edit.Match(snap, "onset"); ok {
		t.Fatalf("edit distance scorer matched anagram: %+v", m)
	}
}

func TestMapFieldsCoercion(t *testing.T) {
	fields := []crm.Field{
		{ApiName: "Email", Label: "Email", DataType: crm.DataTypeEmail, MaxLength: 100},
		{ApiName: "Phone", Label: "Phone", DataType: crm.DataTypePhone, MaxLength: 30},
		{ApiName: "Opt_In", Label: "Opt In", DataType: crm.DataTypeBoolean},
		{ApiName: "Interests", Label: "Interests", DataType: crm.DataTypeMultiSelect, PicklistValues: []string{"Sales", "Support", "Billing"}},
		{ApiName: "Rating", Label: "Rating", DataType: crm.DataTypePicklist, PicklistValues: []string{"Hot", "Warm", "Cold"}},
		{ApiName: "Employees", Label: "Employees", DataType: crm.DataTypeInteger},
		{ApiName: "Budget", Label: "Budget", DataType: crm.DataTypeCurrency},
		{ApiName: "Tags", Label: "Tags", DataType: crm.DataTypeText, MaxLength: 100},
		{ApiName: "Code", Label: "Code", DataType: crm.DataTypeText, MaxLength: 3},
	}
	engine := New(newFakeSchema(fields...), nil, Options{Logger: quietLogger()})
	payload := map[string]any{
		"email":     "  A@B.COM ",
		"phone":     "(201) 555-0123",
		"opt_in":    "Yes",
		"interests": []any{"sales", "Billing", "Unknown"},
		"rating":    "Lukewarm",
		"employees": json.Number("42"),
		"budget":    json.Number("1500.50"),
		"tags":      []any{"x", "y"},
		"code":      "abcdef",
	}

	res, err := engine.MapFields(context.Background(), payload, "Leads", Policy{})
	if err != nil {
		t.Fatalf("MapFields: %v", err)
	}
	want := map[string]any{
		"Email":     "a@b.com",
		"Phone":     "+12015550123",
		"Opt_In":    true,
		"Interests": "Sales;Billing",
		"Employees": int64(42),
		"Budget":    json.Number("1500.5"),
		"Tags":      "x, y",
		"Code":      "abc",
	}
	if !reflect.DeepEqual(res.ResolvedPayload, want) {
		t.Fatalf("resolved =\n%#v\nwant\n%#v", res.ResolvedPayload, want)
	}
	if res.Excluded["rating"] != ReasonInvalidPicklist {
		t.Fatalf("rating reason = %q", res.Excluded["rating"])
	}
	if !reflect.DeepEqual(res.Truncated, []string{"code"}) {
		t.Fatalf("truncated = %v", res.Truncated)
	}
	if !reflect.DeepEqual(res.Unmapped, []string{"rating"}) {
		t.Fatalf("unmapped = %v", res.Unmapped)
	}
}

func TestMapFieldsSkipsEmptyValues(t *testing.T) {
	engine := New(newFakeSchema(leadFields()...), nil, Options{Logger: quietLogger()})
	res, err := engine.MapFields(context.Background(), map[string]any{"email": "", "first_name": nil, "last_name": "L"}, "Leads", Policy{})
	if err != nil {
		t.Fatalf("MapFields: %v", err)
	}
	if !reflect.DeepEqual(res.Skipped, []string{"email", "first_name"}) {
		t.Fatalf("skipped = %v", res.Skipped)
	}
	if len(res.Mapped) != 1 || len(res.Unmapped) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestMapFieldsCreatesMissingField(t *testing.T) {
	schema := newFakeSchema(leadFields()...)
	creator := &fakeCreator{create: func(spec crm.FieldSpec) (crm.Field, error) {
		return crm.Field{ApiName: "Favorite_Color", Label: spec.Label, DataType: spec.DataType, IsCustom: true, MaxLength: spec.MaxLength}, nil
	}}
	engine := New(schema, creator, Options{Logger: quietLogger()})

	res, err := engine.MapFields(context.Background(), map[string]any{"favorite_color": "blue", "email": "a@b.com"}, "Leads", Policy{AllowFieldCreation: true})
	if err != nil {
		t.Fatalf("MapFields: %v", err)
	}
	if len(creator.calls) != 1 || creator.calls[0].Label != "Favorite Color" || creator.calls[0].DataType != crm.DataTypeText {
		t.Fatalf("create calls = %+v", creator.calls)
	}
	if !reflect.DeepEqual(res.CreatedFields, []string{"Favorite_Color"}) {
		t.Fatalf("created = %v", res.CreatedFields)
	}
	if res.ResolvedPayload["Favorite_Color"] != "blue" {
		t.Fatalf("created field not mapped: %v", res.ResolvedPayload)
	}
	if len(schema.added) != 1 {
		t.Fatalf("created field not added to cache")
	}
}

func TestMapFieldsDuplicateFieldRefreshesOnce(t *testing.T) {
	schema := newFakeSchema(leadFields()...)
	schema.refreshed = schemacache.NewSnapshot("Leads", append(leadFields(),
		crm.Field{ApiName: "Favorite_Color", Label: "Favorite Color", DataType: crm.DataTypeText},
		crm.Field{ApiName: "Shoe_Size", Label: "Shoe Size", DataType: crm.DataTypeText},
	), time.Unix(60, 0))
	creator := &fakeCreator{create: func(spec crm.FieldSpec) (crm.Field, error) {
		return crm.Field{}, &crm.SchemaError{Code: crm.SchemaCodeDuplicateField, Field: spec.Label}
	}}
	engine := New(schema, creator, Options{Logger: quietLogger()})

	res, err := engine.MapFields(context.Background(), map[string]any{"favorite_color": "blue", "shoe_size": "9"}, "Leads", Policy{AllowFieldCreation: true})
	if err != nil {
		t.Fatalf("MapFields: %v", err)
	}
	if schema.refreshes != 1 {
		t.Fatalf("refreshes = %d, want 1", schema.refreshes)
	}
	if res.ResolvedPayload["Favorite_Color"] != "blue" || res.ResolvedPayload["Shoe_Size"] != "9" {
		t.Fatalf("resolved = %v", res.ResolvedPayload)
	}
}

func TestMapFieldsCreationFailureExcludes(t *testing.T) {
	creator := &fakeCreator{create: func(spec crm.FieldSpec) (crm.Field, error) {
		return crm.Field{}, &crm.SchemaError{Code: crm.SchemaCodeFieldLimit, Message: "limit reached"}
	}}
	engine := New(newFakeSchema(leadFields()...), creator, Options{Logger: quietLogger()})

	res, err := engine.MapFields(context.Background(), map[string]any{"favorite_color": "blue", "last_name": "L"}, "Leads", Policy{AllowFieldCreation: true})
	if err != nil {
		t.Fatalf("MapFields: %v", err)
	}
	if res.Excluded["favorite_color"] != ReasonCreationFailed {
		t.Fatalf("excluded = %v", res.Excluded)
	}
	if res.ResolvedPayload["Last_Name"] != "L" {
		t.Fatalf("other fields should still map: %v", res.ResolvedPayload)
	}
}

func TestMapFieldsCreationDisabledByPolicy(t *testing.T) {
	creator := &fakeCreator{create: func(spec crm.FieldSpec) (crm.Field, error) {
		t.Fatalf("CreateField called with creation disabled")
		return crm.Field{}, nil
	}}
	engine := New(newFakeSchema(leadFields()...), creator, Options{Logger: quietLogger()})
	if _, err := engine.MapFields(context.Background(), map[string]any{"favorite_color": "blue"}, "Leads", Policy{}); err != nil {
		t.Fatalf("MapFields: %v", err)
	}
}

func TestMapFieldsSchemaUnavailable(t *testing.T) {
	engine := New(&fakeSchema{}, nil, Options{Logger: quietLogger()})
	if _, err := engine.MapFields(context.Background(), map[string]any{"a": "b"}, "Leads", Policy{}); err == nil {
		t.Fatalf("expected error when schema cannot load")
	}
}
