package models

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SchemaField caches one CRM field definition. (module, api_name) is unique.
type SchemaField struct {
	ID           uint      `gorm:"primary_key" json:"id"`
	Module       string    `gorm:"size:100;not null;uniqueIndex:uniq_schema_field,priority:1" json:"module"`
	ApiName      string    `gorm:"size:150;not null;uniqueIndex:uniq_schema_field,priority:2" json:"api_name"`
	Label        string    `gorm:"size:255" json:"label"`
	DataType     string    `gorm:"size:50;not null" json:"data_type"`
	IsCustom     bool      `gorm:"not null;default:false" json:"is_custom"`
	IsRequired   bool      `gorm:"not null;default:false" json:"is_required"`
	MaxLength    int       `gorm:"not null;default:0" json:"max_length"`
	PicklistJSON []byte    `gorm:"column:picklist_values;type:json" json:"-"`
	LastSynced   time.Time `gorm:"not null" json:"last_synced"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SchemaField) TableName() string {
	return "crm_schema_fields"
}

func (f *SchemaField) PicklistValues() []string {
	if len(f.PicklistJSON) == 0 {
		return nil
	}
	var values []string
	if err := json.Unmarshal(f.PicklistJSON, &values); err != nil {
		return nil
	}
	return values
}

func (f *SchemaField) SetPicklistValues(values []string) {
	if len(values) == 0 {
		f.PicklistJSON = nil
		return
	}
	f.PicklistJSON, _ = json.Marshal(values)
}

type SchemaFieldStore struct {
	db *gorm.DB
}

func NewSchemaFieldStore(db *gorm.DB) *SchemaFieldStore {
	return &SchemaFieldStore{db: db}
}

// ListByModule returns the persisted snapshot ordered by api name.
func (s *SchemaFieldStore) ListByModule(ctx context.Context, module string) ([]SchemaField, error) {
	var fields []SchemaField
	err := s.db.WithContext(ctx).
		Where("module = ?", module).
		Order("api_name").
		Find(&fields).Error
	return fields, err
}

// ReplaceModule upserts fields and prunes every stored field of module that
// is not in fields, in one transaction.
func (s *SchemaFieldStore) ReplaceModule(ctx context.Context, module string, fields []SchemaField) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		keep := make([]string, 0, len(fields))
		for i := range fields {
			fields[i].ID = 0
			fields[i].Module = module
			keep = append(keep, fields[i].ApiName)
		}
		if len(fields) > 0 {
			if err := tx.Clauses(upsertSchemaField()).CreateInBatches(&fields, 200).Error; err != nil {
				return fmt.Errorf("upsert schema fields: %w", err)
			}
		}
		prune := tx.Where("module = ?", module)
		if len(keep) > 0 {
			prune = prune.Where("api_name NOT IN ?", keep)
		}
		if err := prune.Delete(&SchemaField{}).Error; err != nil {
			return fmt.Errorf("prune schema fields: %w", err)
		}
		return nil
	})
}

// Upsert stores a single field, e.g. one just created in the CRM.
func (s *SchemaFieldStore) Upsert(ctx context.Context, field SchemaField) error {
	field.ID = 0
	return s.db.WithContext(ctx).Clauses(upsertSchemaField()).Create(&field).Error
}

func upsertSchemaField() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "module"}, {Name: "api_name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"label", "data_type", "is_custom", "is_required", "max_length", "picklist_values", "last_synced", "updated_at",
		}),
	}
}
