package domain

import "time"

// HistoryTimeLayout is the format of HistoryEntry.Timestamp on the wire and in storage.
const HistoryTimeLayout = "2006-01-02 15:04:05"

type HistoryEntry struct {
	ID         int64   `json:"-" gorm:"primaryKey"`
	Username   string  `json:"-" gorm:"index"`
	Filename   string  `json:"filename"`
	Breed      string  `json:"breed"`
	Confidence float64 `json:"confidence"`
	Timestamp  string  `json:"timestamp"`
}

func (HistoryEntry) TableName() string {
	return "history"
}

type User struct {
	ID       int64  `gorm:"primaryKey"`
	Username string `gorm:"uniqueIndex;not null"`
	Password string `gorm:"not null"`
}

func (User) TableName() string {
	return "users"
}

// Upload is a stored image blob: an uploaded photo or a generated explanation.
type Upload struct {
	ID         int64     `gorm:"primaryKey"`
	Filename   string    `gorm:"uniqueIndex"`
	Image      []byte    `gorm:"type:bytea"`
	UploadedAt time.Time `json:"uploaded_at"`
}

func (Upload) TableName() string {
	return "uploads"
}
