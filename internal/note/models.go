package note

import (
	"encoding/json"
	"time"
)

const (
	// NoteTypeConversation marks notes spawned by a conversation's first turn.
	NoteTypeConversation = 3

	// RecordTypeChatSummary marks records holding conversation summaries.
	RecordTypeChatSummary = 5
)

// Note is the durable object a conversation anchors to.
type Note struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID       uint64    `gorm:"index;not null" json:"-"`
	NoteType     int       `gorm:"not null" json:"note_type"`
	Content      string    `gorm:"type:text;not null" json:"content"`
	ImageURLs    *string   `gorm:"type:text" json:"image_urls,omitempty"`
	GPSLongitude float64   `gorm:"index:idx_note_gps,priority:1;not null" json:"gps_longitude"`
	GPSLatitude  float64   `gorm:"index:idx_note_gps,priority:2;not null" json:"gps_latitude"`
	Status       int       `gorm:"not null;default:1" json:"status"`
	Emotion      string    `gorm:"type:varchar(32)" json:"emotion"`
	IsValid      int       `gorm:"not null;default:1" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Note) TableName() string { return "bubble_note" }

// Record is one append-only AI processing result attached to a note. Summary
// records are never updated; readers take the most recent one.
type Record struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	NoteID       uint64    `gorm:"index;not null" json:"note_id"`
	UserID       uint64    `gorm:"index;not null" json:"-"`
	ProcessType  int       `gorm:"index;not null" json:"process_type"`
	Result       string    `gorm:"type:text" json:"result"`
	ModelVersion string    `gorm:"type:varchar(64)" json:"model_version"`
	GPSLongitude float64   `gorm:"index:idx_record_gps,priority:1" json:"gps_longitude"`
	GPSLatitude  float64   `gorm:"index:idx_record_gps,priority:2" json:"gps_latitude"`
	IsEffective  int       `gorm:"not null;default:1" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

func (Record) TableName() string { return "genius_loci_record" }

// SummaryPayload is the JSON shape stored in a summary record's Result.
type SummaryPayload struct {
	Summary   string `json:"summary"`
	Turns     int    `json:"turns"`
	SessionID string `json:"session_id"`
}

// ParseSummary decodes a record's Result. It reports false when the payload
// is empty or carries no summary text.
func ParseSummary(result string) (SummaryPayload, bool) {
	var p SummaryPayload
	if err := json.Unmarshal([]byte(result), &p); err != nil {
		return SummaryPayload{}, false
	}
	return p, p.Summary != ""
}
