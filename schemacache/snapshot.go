package schemacache

import (
	"sort"
	"time"

	"github.com/mmdatafocus/formsync_backend/crm"
	"github.com/mmdatafocus/formsync_backend/models"
)

// Snapshot is an immutable view of one module's fields, sorted by api name.
// Readers never see a partially refreshed schema.
type Snapshot struct {
	Module    string      `json:"module"`
	Fields    []crm.Field `json:"fields"`
	FetchedAt time.Time   `json:"fetched_at"`

	byApiName map[string]int
}

// NewSnapshot builds a snapshot from fields in any order.
func NewSnapshot(module string, fields []crm.Field, fetchedAt time.Time) *Snapshot {
	sorted := make([]crm.Field, len(fields))
	copy(sorted, fields)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ApiName < sorted[j].ApiName })
	s := &Snapshot{Module: module, Fields: sorted, FetchedAt: fetchedAt}
	s.index()
	return s
}

func (s *Snapshot) index() {
	s.byApiName = make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		s.byApiName[f.ApiName] = i
	}
}

func (s *Snapshot) Field(apiName string) (crm.Field, bool) {
	if s == nil {
		return crm.Field{}, false
	}
	i, ok := s.byApiName[apiName]
	if !ok {
		return crm.Field{}, false
	}
	return s.Fields[i], true
}

func (s *Snapshot) Has(apiName string) bool {
	_, ok := s.Field(apiName)
	return ok
}

// with returns a copy of s that also contains f (replacing a field of the
// same api name).
func (s *Snapshot) with(f crm.Field, now time.Time) *Snapshot {
	fields := make([]crm.Field, 0, len(s.Fields)+1)
	for _, existing := range s.Fields {
		if existing.ApiName != f.ApiName {
			fields = append(fields, existing)
		}
	}
	fields = append(fields, f)
	next := NewSnapshot(s.Module, fields, s.FetchedAt)
	if next.FetchedAt.IsZero() {
		next.FetchedAt = now
	}
	return next
}

func (s *Snapshot) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.FetchedAt) >= ttl
}

func toModel(module string, f crm.Field, now time.Time) models.SchemaField {
	sf := models.SchemaField{
		Module:     module,
		ApiName:    f.ApiName,
		Label:      f.Label,
		DataType:   f.DataType,
		IsCustom:   f.IsCustom,
		IsRequired: f.IsRequired,
		MaxLength:  f.MaxLength,
		LastSynced: now,
	}
	sf.SetPicklistValues(f.PicklistValues)
	return sf
}

func fromModel(sf models.SchemaField) crm.Field {
	return crm.Field{
		ApiName:        sf.ApiName,
		Label:          sf.Label,
		DataType:       sf.DataType,
		IsCustom:       sf.IsCustom,
		IsRequired:     sf.IsRequired,
		MaxLength:      sf.MaxLength,
		PicklistValues: sf.PicklistValues(),
	}
}
