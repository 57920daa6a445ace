package database

import "time"

type SessionRecord struct {
	ID           string    `gorm:"primaryKey;size:36"`
	Name         string    `gorm:"not null"`
	Kind         string    `gorm:"not null"`
	Command      string    `gorm:"type:text;default:'[]'"` // JSON array
	WorkDir      string    `gorm:"not null;default:''"`
	Env          string    `gorm:"type:text;default:''"` // JSON object, Fernet-encrypted when a key is set
	Rows         int       `gorm:"not null;default:24"`
	Cols         int       `gorm:"not null;default:80"`
	Status       string    `gorm:"not null;index"`
	CreatedAt    time.Time `gorm:"not null"`
	LastActivity time.Time
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

type CommandRecord struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	SessionID   string    `gorm:"not null;size:36;uniqueIndex:idx_session_command"`
	Sequence    uint64    `gorm:"not null;uniqueIndex:idx_session_command"`
	Text        string    `gorm:"type:text;not null"` // already redacted
	Redacted    bool      `gorm:"not null;default:false"`
	SubmittedAt time.Time `gorm:"not null"`
	Completed   bool      `gorm:"not null;default:false"`
	DurationMs  int64     `gorm:"not null;default:0"`
	ExitCode    *int
}

// OutputBatch holds the chunks FirstSeq..LastSeq of one session.
type OutputBatch struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	SessionID string    `gorm:"not null;size:36;index:idx_batch_range,priority:1"`
	FirstSeq  uint64    `gorm:"not null;index:idx_batch_range,priority:2"`
	LastSeq   uint64    `gorm:"not null"`
	Chunks    int       `gorm:"not null"`
	Data      []byte    `gorm:"not null"` // zstd-compressed JSON, then Fernet when Encrypted
	Encrypted bool      `gorm:"not null;default:false"`
	CreatedAt time.Time `gorm:"autoCreateTime;index"`
}
