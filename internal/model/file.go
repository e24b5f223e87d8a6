package model

import "time"

type StorageKind string

const (
	StorageDB   StorageKind = "db"
	StorageDisk StorageKind = "disk"
	StorageS3   StorageKind = "s3"
)

// File is attachment metadata. Data is only loaded for StorageDB files when content is served.
type File struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"owner_id"`
	Name        string      `json:"name"`
	ContentType string      `json:"content_type"`
	Size        int64       `json:"size"`
	SHA256      string      `json:"sha256"`
	Storage     StorageKind `json:"storage"`
	StorageKey  string      `json:"-"`
	Data        []byte      `json:"-"`
	CreatedAt   time.Time   `json:"created_at"`
}
