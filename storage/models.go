package storage

import "time"

// JobState enumerates the lifecycle of a queued job.
type JobState string

// All job states. Jobs move pending -> active -> (succeeded | retrying -> active | failed).
const (
	JobPending   JobState = "pending"
	JobActive    JobState = "active"
	JobRetrying  JobState = "retrying"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// NonceRecord stores the next expected intent nonce for an address.
type NonceRecord struct {
	Address   string `gorm:"primaryKey;size:42"`
	Counter   uint64 `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func (NonceRecord) TableName() string { return "nonces" }

// Job is a durable queue entry shared by the relayer and indexer queues.
type Job struct {
	ID             string     `gorm:"primaryKey;size:36"`
	Queue          string     `gorm:"size:32;not null;index:idx_jobs_claim,priority:1"`
	Name           string     `gorm:"size:64"`
	State          JobState   `gorm:"size:16;not null;index:idx_jobs_claim,priority:2"`
	Payload        string     `gorm:"type:text;not null"`
	Attempts       int        `gorm:"not null;default:0"`
	MaxAttempts    int        `gorm:"not null"`
	NextEligibleAt time.Time  `gorm:"not null;index:idx_jobs_claim,priority:3"`
	LastError      string     `gorm:"type:text"`
	Result         string     `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FinishedAt     *time.Time
}

// CatalogItem mirrors a clip listed for sale. The relayer only reads it.
type CatalogItem struct {
	ID            uint64 `gorm:"primaryKey"`
	OnchainClipID string `gorm:"size:78;uniqueIndex"`
	Creator       string `gorm:"size:42;index"`
	AssetCID      string `gorm:"size:128"`
	Title         string `gorm:"size:256"`
	Description   string `gorm:"type:text"`
	Price         string `gorm:"size:78"`
	DurationDays  int
	Active        bool
	CreatedAt     time.Time
}

func (CatalogItem) TableName() string { return "clips" }

// Receipt is the durable proof of a license purchase. LicenseID is unique and
// is the idempotence key for event ingestion.
type Receipt struct {
	ID             uint64    `gorm:"primaryKey"`
	LicenseID      string    `gorm:"size:78;uniqueIndex;not null"`
	CatalogItemID  uint64    `gorm:"index"`
	Buyer          string    `gorm:"size:42;index;not null"`
	Seller         string    `gorm:"size:42"`
	TxHash         string    `gorm:"size:66;index"`
	ReceiptHash    string    `gorm:"size:66"`
	ContentAddress string    `gorm:"size:128;not null"`
	Price          string    `gorm:"size:78"`
	StartAt        time.Time
	ExpiryAt       time.Time `gorm:"index"`
	Signature      string    `gorm:"size:132"`
	SignerAddress  string    `gorm:"size:42"`
	CreatedAt      time.Time

	CatalogItem *CatalogItem `gorm:"foreignKey:CatalogItemID"`
}
