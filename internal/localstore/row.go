package localstore

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/fieldinspect/internal/inspections"
	"gorm.io/datatypes"
)

const (
	indexNeedsSync = "idx_inspection_records_needs_sync"
	indexTimestamp = "idx_inspection_records_timestamp"
	indexServerID  = "idx_inspection_records_server_id"
)

// recordRow is the persisted form of an inspection record.
type recordRow struct {
	LocalID            string         `gorm:"column:local_id;primaryKey;size:190;not null"`
	ServerID           string         `gorm:"column:server_id;size:190;index:idx_inspection_records_server_id"`
	InspectorID        string         `gorm:"column:inspector_id;size:190"`
	InspectorName      string         `gorm:"column:inspector_name;size:320"`
	TruckIDNo          string         `gorm:"column:truck_id_no;size:190"`
	TruckRegNo         string         `gorm:"column:truck_reg_no;size:190"`
	WorkshopLocation   string         `gorm:"column:workshop_location;size:320"`
	Latitude           *float64       `gorm:"column:latitude"`
	Longitude          *float64       `gorm:"column:longitude"`
	Timestamp          string         `gorm:"column:timestamp;size:40;index:idx_inspection_records_timestamp"`
	PhotosJSON         datatypes.JSON `gorm:"column:photos_json"`
	ChecklistJSON      datatypes.JSON `gorm:"column:checklist_json"`
	Notes              string         `gorm:"column:notes"`
	DamageSummary      string         `gorm:"column:damage_summary"`
	IsReleased         bool           `gorm:"column:is_released;not null"`
	ReleasedAt         *string        `gorm:"column:released_at;size:40"`
	ReleasedByUserID   *string        `gorm:"column:released_by_user_id;size:190"`
	ReleasedByUserName *string        `gorm:"column:released_by_user_name;size:320"`
	NeedsSync          bool           `gorm:"column:needs_sync;not null;index:idx_inspection_records_needs_sync"`
	UpdatedAtMillis    int64          `gorm:"column:updated_at_ms;not null"`
}

func (recordRow) TableName() string {
	return "inspection_records"
}

func rowFromRecord(record inspections.Record, updatedAtMillis int64) (recordRow, error) {
	photos := record.Photos
	if photos == nil {
		photos = []inspections.Photo{}
	}
	photosJSON, err := json.Marshal(photos)
	if err != nil {
		return recordRow{}, fmt.Errorf("encode photos: %w", err)
	}
	checklist := record.ChecklistAnswers
	if checklist == nil {
		checklist = inspections.ChecklistAnswers{}
	}
	checklistJSON, err := json.Marshal(checklist)
	if err != nil {
		return recordRow{}, fmt.Errorf("encode checklist: %w", err)
	}
	return recordRow{
		LocalID:            record.LocalID,
		ServerID:           record.ServerID,
		InspectorID:        record.InspectorID,
		InspectorName:      record.InspectorName,
		TruckIDNo:          record.TruckIDNo,
		TruckRegNo:         record.TruckRegNo,
		WorkshopLocation:   record.WorkshopLocation,
		Latitude:           record.Latitude,
		Longitude:          record.Longitude,
		Timestamp:          record.Timestamp,
		PhotosJSON:         datatypes.JSON(photosJSON),
		ChecklistJSON:      datatypes.JSON(checklistJSON),
		Notes:              record.Notes,
		DamageSummary:      record.DamageSummary,
		IsReleased:         record.IsReleased,
		ReleasedAt:         record.ReleasedAt,
		ReleasedByUserID:   record.ReleasedByUserID,
		ReleasedByUserName: record.ReleasedByUserName,
		NeedsSync:          record.NeedsSync,
		UpdatedAtMillis:    updatedAtMillis,
	}, nil
}

func (row recordRow) toRecord() (inspections.Record, error) {
	photos := []inspections.Photo{}
	if len(row.PhotosJSON) > 0 {
		if err := json.Unmarshal(row.PhotosJSON, &photos); err != nil {
			return inspections.Record{}, fmt.Errorf("decode photos for %s: %w", row.LocalID, err)
		}
	}
	checklist := inspections.ChecklistAnswers{}
	if len(row.ChecklistJSON) > 0 {
		if err := json.Unmarshal(row.ChecklistJSON, &checklist); err != nil {
			return inspections.Record{}, fmt.Errorf("decode checklist for %s: %w", row.LocalID, err)
		}
	}
	return inspections.Record{
		ServerID:         row.ServerID,
		LocalID:          row.LocalID,
		InspectorID:      row.InspectorID,
		InspectorName:    row.InspectorName,
		TruckIDNo:        row.TruckIDNo,
		TruckRegNo:       row.TruckRegNo,
		WorkshopLocation: row.WorkshopLocation,
		Latitude:         row.Latitude,
		Longitude:        row.Longitude,
		Timestamp:        row.Timestamp,
		Photos:           photos,
		ChecklistAnswers: checklist,
		Notes:            row.Notes,
		DamageSummary:    row.DamageSummary,
		Release: inspections.Release{
			IsReleased:         row.IsReleased,
			ReleasedAt:         row.ReleasedAt,
			ReleasedByUserID:   row.ReleasedByUserID,
			ReleasedByUserName: row.ReleasedByUserName,
		},
		NeedsSync: row.NeedsSync,
	}, nil
}
