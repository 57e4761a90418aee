package domain

import (
	"encoding/json"
	"time"
)

// StorageType identifies a warehouse backend. The executor registry is keyed
// on this value.
type StorageType string

// Supported warehouse backends.
const (
	StorageTypeBigQuery   StorageType = "GOOGLE_BIGQUERY"
	StorageTypeAthena     StorageType = "AWS_ATHENA"
	StorageTypeSnowflake  StorageType = "SNOWFLAKE"
	StorageTypeRedshift   StorageType = "AWS_REDSHIFT"
	StorageTypeClickHouse StorageType = "CLICKHOUSE"
)

// DataMartStatus is the publication state of a data mart.
type DataMartStatus string

// Data mart publication states.
const (
	DataMartStatusDraft     DataMartStatus = "DRAFT"
	DataMartStatusPublished DataMartStatus = "PUBLISHED"
)

// Credentials is the decrypted, backend-specific credential document. Each
// warehouse adapter unmarshals it into its own schema.
type Credentials json.RawMessage

// Storage binds a data mart to a warehouse backend: the backend type, its
// non-secret configuration, and a reference to a stored secret holding the
// connection credentials.
type Storage struct {
	Type      StorageType     `json:"type"`
	Config    json.RawMessage `json:"config"`
	SecretRef string          `json:"secretRef"`
}

// DataMart is a logical, user-defined queryable entity backed by a warehouse
// table, view, pattern, connector output, or SQL query.
type DataMart struct {
	ID         string
	ProjectID  string
	Title      string
	Status     DataMartStatus
	Storage    Storage
	Definition Definition // nil when the mart is not yet defined
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Secret is an encrypted-at-rest credential document referenced by
// Storage.SecretRef.
type Secret struct {
	Name      string
	Payload   string // hex-encoded AES-256-GCM ciphertext
	CreatedAt time.Time
	UpdatedAt time.Time
}
