package remote

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/fieldinspect/internal/inspections"
)

const (
	fieldLocalID            = "localId"
	fieldInspectorID        = "inspectorId"
	fieldInspectorName      = "inspectorName"
	fieldTruckIDNo          = "truckIdNo"
	fieldTruckRegNo         = "truckRegNo"
	fieldWorkshopLocation   = "workshopLocation"
	fieldLatitude           = "latitude"
	fieldLongitude          = "longitude"
	fieldTimestamp          = "timestamp"
	fieldPhotos             = "photos"
	fieldChecklistAnswers   = "checklistAnswers"
	fieldNotes              = "notes"
	fieldDamageSummary      = "damageSummary"
	fieldIsReleased         = "isReleased"
	fieldReleasedAt         = "releasedAt"
	fieldReleasedByUserID   = "releasedByUserId"
	fieldReleasedByUserName = "releasedByUserName"
	fieldPhotoName          = "name"
	fieldPhotoURL           = "url"
)

var errUnuploadedPhoto = errors.New("photo has no remote url")

// Document is a remote document with its server-assigned identifier.
type Document struct {
	ID   string
	Data map[string]any
}

// toDocument converts a record into the remote wire form. Embedded payloads
// never leave the device and the sync flag is not transmitted.
func toDocument(record inspections.Record) (map[string]any, error) {
	timestamp, err := inspections.ParseTimestamp(record.Timestamp)
	if err != nil {
		return nil, err
	}
	photos, err := photosValue(record.Photos)
	if err != nil {
		return nil, err
	}
	checklist, err := checklistValue(record.ChecklistAnswers)
	if err != nil {
		return nil, err
	}
	document := map[string]any{
		fieldInspectorID:      record.InspectorID,
		fieldInspectorName:    record.InspectorName,
		fieldTruckIDNo:        record.TruckIDNo,
		fieldTruckRegNo:       record.TruckRegNo,
		fieldWorkshopLocation: record.WorkshopLocation,
		fieldTimestamp:        timestamp,
		fieldPhotos:           photos,
		fieldChecklistAnswers: checklist,
		fieldNotes:            record.Notes,
		fieldDamageSummary:    record.DamageSummary,
	}
	if record.LocalID != "" {
		document[fieldLocalID] = record.LocalID
	}
	if record.Latitude != nil {
		document[fieldLatitude] = *record.Latitude
	}
	if record.Longitude != nil {
		document[fieldLongitude] = *record.Longitude
	}
	if err := putRelease(document, record.Release); err != nil {
		return nil, err
	}
	return document, nil
}

// patchDocument converts the remotely meaningful parts of a patch.
func patchDocument(patch inspections.Patch) (map[string]any, error) {
	document := map[string]any{}
	if patch.Photos != nil {
		photos, err := photosValue(patch.Photos)
		if err != nil {
			return nil, err
		}
		document[fieldPhotos] = photos
	}
	if patch.ChecklistAnswers != nil {
		checklist, err := checklistValue(patch.ChecklistAnswers)
		if err != nil {
			return nil, err
		}
		document[fieldChecklistAnswers] = checklist
	}
	if patch.Notes != nil {
		document[fieldNotes] = *patch.Notes
	}
	if patch.DamageSummary != nil {
		document[fieldDamageSummary] = *patch.DamageSummary
	}
	if patch.Release != nil {
		if err := putRelease(document, *patch.Release); err != nil {
			return nil, err
		}
	}
	return document, nil
}

func putRelease(document map[string]any, release inspections.Release) error {
	document[fieldIsReleased] = release.IsReleased
	document[fieldReleasedAt] = nil
	if release.ReleasedAt != nil {
		releasedAt, err := inspections.ParseTimestamp(*release.ReleasedAt)
		if err != nil {
			return err
		}
		document[fieldReleasedAt] = releasedAt
	}
	document[fieldReleasedByUserID] = optionalString(release.ReleasedByUserID)
	document[fieldReleasedByUserName] = optionalString(release.ReleasedByUserName)
	return nil
}

func photosValue(photos []inspections.Photo) ([]any, error) {
	values := make([]any, 0, len(photos))
	for _, photo := range photos {
		if photo.URL == "" {
			return nil, fmt.Errorf("%w: %s", errUnuploadedPhoto, photo.Name)
		}
		values = append(values, map[string]any{fieldPhotoName: photo.Name, fieldPhotoURL: photo.URL})
	}
	return values, nil
}

func checklistValue(answers inspections.ChecklistAnswers) (map[string]any, error) {
	values := make(map[string]any, len(answers))
	for fieldID, answer := range answers {
		switch answer.Kind {
		case inspections.ChecklistBoolean:
			values[fieldID] = answer.Bool
		case inspections.ChecklistStringList:
			list := make([]any, 0, len(answer.Strings))
			for _, value := range answer.Strings {
				list = append(list, value)
			}
			values[fieldID] = list
		case inspections.ChecklistPhotoList:
			photos, err := photosValue(answer.Photos)
			if err != nil {
				return nil, fmt.Errorf("checklist %s: %w", fieldID, err)
			}
			values[fieldID] = photos
		default:
			values[fieldID] = answer.Text
		}
	}
	return values, nil
}

func optionalString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

// fromDocument converts a remote document into a synced record.
func fromDocument(document Document) inspections.Record {
	data := document.Data
	record := inspections.Record{
		ServerID:         document.ID,
		LocalID:          stringField(data, fieldLocalID),
		InspectorID:      stringField(data, fieldInspectorID),
		InspectorName:    stringField(data, fieldInspectorName),
		TruckIDNo:        stringField(data, fieldTruckIDNo),
		TruckRegNo:       stringField(data, fieldTruckRegNo),
		WorkshopLocation: stringField(data, fieldWorkshopLocation),
		Latitude:         floatField(data, fieldLatitude),
		Longitude:        floatField(data, fieldLongitude),
		Timestamp:        stringOrEmpty(timeField(data, fieldTimestamp)),
		Photos:           photosField(data[fieldPhotos]),
		ChecklistAnswers: checklistField(data[fieldChecklistAnswers]),
		Notes:            stringField(data, fieldNotes),
		DamageSummary:    stringField(data, fieldDamageSummary),
		Release: inspections.Release{
			ReleasedAt:         timeField(data, fieldReleasedAt),
			ReleasedByUserID:   optionalStringField(data, fieldReleasedByUserID),
			ReleasedByUserName: optionalStringField(data, fieldReleasedByUserName),
		},
	}
	if released, ok := data[fieldIsReleased].(bool); ok {
		record.IsReleased = released
	}
	return record
}

func stringField(data map[string]any, field string) string {
	if value, ok := data[field].(string); ok {
		return value
	}
	return ""
}

func optionalStringField(data map[string]any, field string) *string {
	if value, ok := data[field].(string); ok {
		return &value
	}
	return nil
}

func floatField(data map[string]any, field string) *float64 {
	switch value := data[field].(type) {
	case float64:
		return &value
	case int64:
		converted := float64(value)
		return &converted
	case int:
		converted := float64(value)
		return &converted
	}
	return nil
}

// timeField accepts native timestamps as well as ISO strings written by older clients.
func timeField(data map[string]any, field string) *string {
	switch value := data[field].(type) {
	case time.Time:
		formatted := inspections.FormatTimestamp(value)
		return &formatted
	case string:
		return &value
	}
	return nil
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func photosField(raw any) []inspections.Photo {
	photos := []inspections.Photo{}
	list, ok := raw.([]any)
	if !ok {
		return photos
	}
	for _, element := range list {
		entry, ok := element.(map[string]any)
		if !ok {
			continue
		}
		photos = append(photos, inspections.Photo{
			Name: stringField(entry, fieldPhotoName),
			URL:  stringField(entry, fieldPhotoURL),
		})
	}
	return photos
}

func checklistField(raw any) inspections.ChecklistAnswers {
	answers := inspections.ChecklistAnswers{}
	values, ok := raw.(map[string]any)
	if !ok {
		return answers
	}
	for fieldID, value := range values {
		switch typed := value.(type) {
		case bool:
			answers[fieldID] = inspections.BoolAnswer(typed)
		case string:
			answers[fieldID] = inspections.TextAnswer(typed)
		case []any:
			if len(typed) > 0 {
				if _, isPhoto := typed[0].(map[string]any); isPhoto {
					answers[fieldID] = inspections.PhotoListAnswer(photosField(typed)...)
					continue
				}
			}
			list := make([]string, 0, len(typed))
			for _, element := range typed {
				list = append(list, fmt.Sprint(element))
			}
			answers[fieldID] = inspections.StringListAnswer(list...)
		case nil:
			answers[fieldID] = inspections.TextAnswer("")
		default:
			answers[fieldID] = inspections.TextAnswer(fmt.Sprint(typed))
		}
	}
	return answers
}

func sortedKeys[V any](values map[string]V) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
