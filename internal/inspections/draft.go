package inspections

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidDraft indicates that a submitted draft is structurally incomplete.
var ErrInvalidDraft = errors.New("inspections: invalid draft")

// Inspector identifies the signed-in user a record is attributed to.
type Inspector struct {
	ID   string
	Name string
}

// Draft is a structurally complete record candidate produced by the input surface.
type Draft struct {
	TruckIDNo        string           `json:"truckIdNo"`
	TruckRegNo       string           `json:"truckRegNo"`
	WorkshopLocation string           `json:"workshopLocation"`
	Latitude         *float64         `json:"latitude,omitempty"`
	Longitude        *float64         `json:"longitude,omitempty"`
	Photos           []Photo          `json:"photos"`
	ChecklistAnswers ChecklistAnswers `json:"checklistAnswers"`
	Notes            string           `json:"notes"`
	DamageSummary    string           `json:"damageSummary"`
}

// Validate checks structural completeness only.
func (d Draft) Validate() error {
	if strings.TrimSpace(d.TruckIDNo) == "" {
		return fmt.Errorf("%w: truck id number required", ErrInvalidDraft)
	}
	if strings.TrimSpace(d.TruckRegNo) == "" {
		return fmt.Errorf("%w: truck registration number required", ErrInvalidDraft)
	}
	if err := validatePhotos(d.Photos, "photos"); err != nil {
		return err
	}
	for fieldID, value := range d.ChecklistAnswers {
		if strings.TrimSpace(fieldID) == "" {
			return fmt.Errorf("%w: checklist field id required", ErrInvalidDraft)
		}
		if value.Kind == ChecklistPhotoList {
			if err := validatePhotos(value.Photos, "checklist "+fieldID); err != nil {
				return err
			}
		}
	}
	return nil
}

func validatePhotos(photos []Photo, scope string) error {
	seen := make(map[string]struct{}, len(photos))
	for index, photo := range photos {
		name := strings.TrimSpace(photo.Name)
		if name == "" {
			return fmt.Errorf("%w: %s[%d] name required", ErrInvalidDraft, scope, index)
		}
		if strings.Contains(name, "/") {
			return fmt.Errorf("%w: %s[%d] name must not contain '/'", ErrInvalidDraft, scope, index)
		}
		if photo.DataURI == "" && photo.URL == "" {
			return fmt.Errorf("%w: %s[%d] has no payload", ErrInvalidDraft, scope, index)
		}
		if _, duplicate := seen[name]; duplicate {
			return fmt.Errorf("%w: %s contains duplicate photo %q", ErrInvalidDraft, scope, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// ToRecord materialises the draft as a pending record created at createdAt.
func (d Draft) ToRecord(localID string, inspector Inspector, createdAt time.Time) Record {
	record := Record{
		LocalID:          localID,
		InspectorID:      inspector.ID,
		InspectorName:    inspector.Name,
		TruckIDNo:        strings.TrimSpace(d.TruckIDNo),
		TruckRegNo:       strings.TrimSpace(d.TruckRegNo),
		WorkshopLocation: strings.TrimSpace(d.WorkshopLocation),
		Latitude:         cloneFloat(d.Latitude),
		Longitude:        cloneFloat(d.Longitude),
		Timestamp:        FormatTimestamp(createdAt),
		Photos:           clonePhotos(d.Photos),
		ChecklistAnswers: d.ChecklistAnswers.Clone(),
		Notes:            d.Notes,
		DamageSummary:    d.DamageSummary,
		NeedsSync:        true,
	}
	if record.Photos == nil {
		record.Photos = []Photo{}
	}
	if record.ChecklistAnswers == nil {
		record.ChecklistAnswers = ChecklistAnswers{}
	}
	return record
}
