package inspections

// Photo is a single captured image. DataURI holds the embedded payload until
// the image has been uploaded and URL points at the remote copy.
type Photo struct {
	Name    string `json:"name"`
	URL     string `json:"url,omitempty"`
	DataURI string `json:"dataUri,omitempty"`
}

// NeedsUpload reports whether the photo still only exists as an embedded payload.
func (p Photo) NeedsUpload() bool {
	return p.DataURI != "" && p.URL == ""
}

// Release is the post-inspection release sub-state. Unset pointers are
// written to the remote store as explicit nulls.
type Release struct {
	IsReleased         bool    `json:"isReleased"`
	ReleasedAt         *string `json:"releasedAt"`
	ReleasedByUserID   *string `json:"releasedByUserId"`
	ReleasedByUserName *string `json:"releasedByUserName"`
}

// Record is an inspection as held on the device. A record with NeedsSync=false
// and no embedded photo payloads is the canonical server-side form.
type Record struct {
	ServerID         string           `json:"id,omitempty"`
	LocalID          string           `json:"localId,omitempty"`
	InspectorID      string           `json:"inspectorId"`
	InspectorName    string           `json:"inspectorName"`
	TruckIDNo        string           `json:"truckIdNo"`
	TruckRegNo       string           `json:"truckRegNo"`
	WorkshopLocation string           `json:"workshopLocation"`
	Latitude         *float64         `json:"latitude,omitempty"`
	Longitude        *float64         `json:"longitude,omitempty"`
	Timestamp        string           `json:"timestamp"`
	Photos           []Photo          `json:"photos"`
	ChecklistAnswers ChecklistAnswers `json:"checklistAnswers"`
	Notes            string           `json:"notes"`
	DamageSummary    string           `json:"damageSummary"`
	Release
	NeedsSync bool `json:"needsSync"`
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	clone := r
	clone.Latitude = cloneFloat(r.Latitude)
	clone.Longitude = cloneFloat(r.Longitude)
	clone.Photos = clonePhotos(r.Photos)
	clone.ChecklistAnswers = r.ChecklistAnswers.Clone()
	clone.Release = r.Release.clone()
	return clone
}

// HasUnuploadedPhotos reports whether any photo, including checklist photo
// lists, still carries only an embedded payload.
func (r Record) HasUnuploadedPhotos() bool {
	for _, photo := range r.Photos {
		if photo.NeedsUpload() {
			return true
		}
	}
	for _, value := range r.ChecklistAnswers {
		for _, photo := range value.Photos {
			if photo.NeedsUpload() {
				return true
			}
		}
	}
	return false
}

// WithoutPayloads returns a copy with embedded payloads dropped from every
// photo that already has a remote URL.
func (r Record) WithoutPayloads() Record {
	clone := r.Clone()
	clone.Photos = stripPayloads(clone.Photos)
	for fieldID, value := range clone.ChecklistAnswers {
		if value.Kind == ChecklistPhotoList {
			value.Photos = stripPayloads(value.Photos)
			clone.ChecklistAnswers[fieldID] = value
		}
	}
	return clone
}

// WithUploadedURLs returns a copy of r carrying the remote URLs found in
// uploaded. A URL is attached only to a photo with the same name and the same
// embedded payload, so a photo replaced in the meantime is uploaded again.
func (r Record) WithUploadedURLs(uploaded Record) Record {
	clone := r.Clone()
	clone.Photos = attachURLs(clone.Photos, uploaded.Photos)
	for fieldID, value := range clone.ChecklistAnswers {
		source, ok := uploaded.ChecklistAnswers[fieldID]
		if !ok || value.Kind != ChecklistPhotoList || source.Kind != ChecklistPhotoList {
			continue
		}
		value.Photos = attachURLs(value.Photos, source.Photos)
		clone.ChecklistAnswers[fieldID] = value
	}
	return clone
}

func attachURLs(photos, uploaded []Photo) []Photo {
	for index, photo := range photos {
		if !photo.NeedsUpload() {
			continue
		}
		for _, source := range uploaded {
			if source.Name == photo.Name && source.URL != "" && source.DataURI == photo.DataURI {
				photos[index].URL = source.URL
				photos[index].DataURI = ""
				break
			}
		}
	}
	return photos
}

func (r Release) clone() Release {
	return Release{
		IsReleased:         r.IsReleased,
		ReleasedAt:         cloneString(r.ReleasedAt),
		ReleasedByUserID:   cloneString(r.ReleasedByUserID),
		ReleasedByUserName: cloneString(r.ReleasedByUserName),
	}
}

func stripPayloads(photos []Photo) []Photo {
	for index := range photos {
		if photos[index].URL != "" {
			photos[index].DataURI = ""
		}
	}
	return photos
}

func clonePhotos(photos []Photo) []Photo {
	if photos == nil {
		return nil
	}
	return append([]Photo(nil), photos...)
}

func cloneFloat(value *float64) *float64 {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
