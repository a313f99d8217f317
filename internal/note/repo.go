package note

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// degreesPerKm approximates one kilometer in degrees of latitude; the nearby
// lookup is a bounding box, not a great-circle query.
const degreesPerKm = 1.0 / 111.0

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// CreateChatNote creates the anchor note for a conversation's first turn and
// returns its id.
func (r *Repo) CreateChatNote(ctx context.Context, userID uint64, content string, lon, lat float64) (uint64, error) {
	n := &Note{
		UserID:       userID,
		NoteType:     NoteTypeConversation,
		Content:      content,
		GPSLongitude: lon,
		GPSLatitude:  lat,
		Status:       1,
		IsValid:      1,
	}
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		return 0, err
	}
	return n.ID, nil
}

// CreateSummaryRecord appends one conversation-summary record and returns its
// id. Records are never updated in place.
func (r *Repo) CreateSummaryRecord(ctx context.Context, noteID, userID uint64, result, modelVersion string, lon, lat float64) (uint64, error) {
	rec := &Record{
		NoteID:       noteID,
		UserID:       userID,
		ProcessType:  RecordTypeChatSummary,
		Result:       result,
		ModelVersion: modelVersion,
		GPSLongitude: lon,
		GPSLatitude:  lat,
		IsEffective:  1,
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// NearbySummary returns the summary text of the most recent conversation
// summary within radiusKm of the location, or "" when there is none. The
// place spirit remembers every visitor, so no user filter applies.
func (r *Repo) NearbySummary(ctx context.Context, lon, lat, radiusKm float64) (string, error) {
	delta := radiusKm * degreesPerKm

	var rec Record
	err := r.db.WithContext(ctx).
		Where("gps_longitude BETWEEN ? AND ?", lon-delta, lon+delta).
		Where("gps_latitude BETWEEN ? AND ?", lat-delta, lat+delta).
		Where("process_type = ? AND is_effective = 1", RecordTypeChatSummary).
		Order("id DESC").
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}

	if p, ok := ParseSummary(rec.Result); ok {
		return p.Summary, nil
	}
	// Not yet (or never) a structured payload; serve it raw.
	return rec.Result, nil
}

// LatestSummaryRecord returns the newest conversation-summary record for the
// note, owner-checked. gorm.ErrRecordNotFound when there is none.
func (r *Repo) LatestSummaryRecord(ctx context.Context, noteID, userID uint64) (*Record, error) {
	var rec Record
	err := r.db.WithContext(ctx).
		Where("note_id = ? AND user_id = ?", noteID, userID).
		Where("process_type = ? AND is_effective = 1", RecordTypeChatSummary).
		Order("id DESC").
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetRecord loads one record by id.
func (r *Repo) GetRecord(ctx context.Context, id uint64) (*Record, error) {
	var rec Record
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// UpdateNoteEmotion sets the note's emotion tag (worker path).
func (r *Repo) UpdateNoteEmotion(ctx context.Context, noteID uint64, emotion string) error {
	return r.db.WithContext(ctx).Model(&Note{}).
		Where("id = ?", noteID).
		Update("emotion", emotion).Error
}
