package config

import (
	"errors"

	"gorm.io/gorm"
)

// ErrHardDeleteForbidden is returned for DELETE statements against tables
// whose rows are kept for audit.
var ErrHardDeleteForbidden = errors.New("hard delete is not allowed on audit tables")

// AuditGuardPlugin rejects hard deletes on the credential and submission
// tables. Credentials are retired with is_active=false; submissions are only
// removed by an explicit cleanup job that opens its own session with
// SkipHooks.
//
// NOTE:
// - This does NOT apply to Raw SQL. Raw deletes bypass the guard.
type AuditGuardPlugin struct {
	tables map[string]bool
}

func NewAuditGuardPlugin(tables ...string) *AuditGuardPlugin {
	p := &AuditGuardPlugin{tables: map[string]bool{}}
	for _, t := range tables {
		p.tables[t] = true
	}
	return p
}

func (p *AuditGuardPlugin) Name() string { return "audit_guard" }

func (p *AuditGuardPlugin) Initialize(db *gorm.DB) error {
	return db.Callback().Delete().Before("gorm:delete").Register("audit_guard:delete", p.deleteCallback)
}

func (p *AuditGuardPlugin) deleteCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	if db.Statement.SkipHooks {
		return
	}
	table := db.Statement.Table
	if table == "" && db.Statement.Schema != nil {
		table = db.Statement.Schema.Table
	}
	if p.tables[table] {
		_ = db.AddError(ErrHardDeleteForbidden)
	}
}
