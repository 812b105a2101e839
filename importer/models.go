package importer

import (
	"time"

	"gorm.io/gorm"
)

type FileOutcome string

const (
	FileImported FileOutcome = "imported"
	FileRejected FileOutcome = "rejected"
)

// ImportedFile records one (path, content) pair handed to the report service.
// The same path with new content is a new row.
type ImportedFile struct {
	ID          uint   `gorm:"primaryKey"`
	Path        string `gorm:"uniqueIndex:uniq_import_path_sha;size:1024"`
	SHA256      string `gorm:"uniqueIndex:uniq_import_path_sha;size:64"`
	TenantID    uint   `gorm:"index"`
	SizeBytes   int64
	ModUnixNano int64
	ReportID    *uint       `gorm:"index"`
	Outcome     FileOutcome `gorm:"index;size:16"`
	// SubmitOutcome is the report-level result: created, updated or unchanged.
	SubmitOutcome string    `gorm:"size:16"`
	ImportedAt    time.Time `gorm:"index"`
	Deleted       bool      `gorm:"index"`
	DeletedAt     *time.Time
	LastError     string `gorm:"type:text"`
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&ImportedFile{})
}
