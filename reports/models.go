package reports

import (
	"time"

	"gorm.io/datatypes"
)

type ReportStatus string

const (
	StatusPending    ReportStatus = "pending"
	StatusProcessing ReportStatus = "processing"
	StatusProcessed  ReportStatus = "processed"
	StatusFailed     ReportStatus = "failed"
)

// Report is the stored canonical document for one tenant and one calendar day.
type Report struct {
	ID          uint   `gorm:"primaryKey"`
	TenantID    uint   `gorm:"uniqueIndex:uniq_tenant_date;not null"`
	ReportDate  string `gorm:"uniqueIndex:uniq_tenant_date;size:10;index"` // YYYY-MM-DD
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	GeneratedAt *time.Time
	DataVersion string         `gorm:"size:32"`
	Payload     datatypes.JSON `gorm:"type:json"`
	// Fingerprint is the content hash of the change-relevant subset of Payload.
	Fingerprint string       `gorm:"size:64;index"`
	Status      ReportStatus `gorm:"index;size:16"`
	Attempts    int
	LastError   string `gorm:"type:text"`
	ProcessedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type State struct {
	ID        uint   `gorm:"primaryKey"`
	Code      string `gorm:"uniqueIndex;size:8;not null"`
	Name      string `gorm:"size:128"`
	Timezone  string `gorm:"size:64"`
	Latitude  *float64
	Longitude *float64
	IsActive  bool `gorm:"index"`
	CreatedAt time.Time
}

type City struct {
	ID         uint   `gorm:"primaryKey"`
	Name       string `gorm:"uniqueIndex:uniq_city_state;size:128;not null"`
	StateID    uint   `gorm:"uniqueIndex:uniq_city_state;not null"`
	Latitude   *float64
	Longitude  *float64
	Population *int64
	IsActive   bool
	CreatedAt  time.Time
}

type ZipCode struct {
	ID         uint   `gorm:"primaryKey"`
	Code       string `gorm:"uniqueIndex;size:5;not null"`
	StateID    uint   `gorm:"index"`
	CityID     *uint  `gorm:"index"`
	Latitude   *float64
	Longitude  *float64
	Type       string `gorm:"size:16"`
	Population *int64
	IsActive   bool
	CreatedAt  time.Time
}

type Provider struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"size:255"`
	// NameKey is the collapsed natural key ("AT & T", "ATT" and "AT&T" share one).
	NameKey      string                      `gorm:"uniqueIndex;size:255;not null"`
	Slug         string                      `gorm:"uniqueIndex;size:255;not null"`
	Website      string                      `gorm:"size:512"`
	LogoURL      string                      `gorm:"size:512"`
	Description  string                      `gorm:"type:text"`
	Technologies datatypes.JSONSlice[string] `gorm:"type:json"`
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type ReportSummary struct {
	ID                 uint `gorm:"primaryKey"`
	ReportID           uint `gorm:"uniqueIndex;not null"`
	TotalRequests      int64
	FailedRequests     int64
	SuccessRate        float64
	AvgRequestsPerHour float64
	UniqueProviders    int
	UniqueStates       int
	UniqueCities       int
	UniqueZipCodes     int
	AvgSpeedMbps       float64
	MaxSpeedMbps       float64
	MinSpeedMbps       float64
}

type ReportProvider struct {
	ID           uint   `gorm:"primaryKey"`
	ReportID     uint   `gorm:"uniqueIndex:uniq_report_provider;not null"`
	ProviderID   uint   `gorm:"uniqueIndex:uniq_report_provider;index;not null"`
	OriginalName string `gorm:"size:255"`
	Technology   string `gorm:"size:32;index"`
	TotalCount   int64
	SuccessRate  float64
	AvgSpeed     float64
	RankPosition int
}

type ReportState struct {
	ID           uint `gorm:"primaryKey"`
	ReportID     uint `gorm:"uniqueIndex:uniq_report_state;not null"`
	StateID      uint `gorm:"uniqueIndex:uniq_report_state;index;not null"`
	RequestCount int64
	SuccessRate  float64
	AvgSpeed     float64
}

type ReportCity struct {
	ID           uint `gorm:"primaryKey"`
	ReportID     uint `gorm:"uniqueIndex:uniq_report_city;not null"`
	CityID       uint `gorm:"uniqueIndex:uniq_report_city;index;not null"`
	RequestCount int64
	ZipCodes     datatypes.JSONSlice[string] `gorm:"type:json"`
	AvgSpeed     float64
}

type ReportZipCode struct {
	ID           uint `gorm:"primaryKey"`
	ReportID     uint `gorm:"uniqueIndex:uniq_report_zip;not null"`
	ZipCodeID    uint `gorm:"uniqueIndex:uniq_report_zip;index;not null"`
	RequestCount int64
	Percentage   float64
	AvgSpeed     float64
}

func allModels() []any {
	return []any{
		&Report{},
		&State{}, &City{}, &ZipCode{}, &Provider{},
		&ReportSummary{}, &ReportProvider{}, &ReportState{}, &ReportCity{}, &ReportZipCode{},
	}
}

// factModels lists every table owned by a single report, in delete order.
func factModels() []any {
	return []any{&ReportSummary{}, &ReportProvider{}, &ReportState{}, &ReportCity{}, &ReportZipCode{}}
}
