package inspections

import "time"

// Patch is a merge-patch over a Record. Nil fields are left unchanged.
type Patch struct {
	ServerID         *string
	NeedsSync        *bool
	Photos           []Photo
	ChecklistAnswers ChecklistAnswers
	Notes            *string
	DamageSummary    *string
	Release          *Release
}

// ReleasePatch marks a record released by inspector at the given time.
func ReleasePatch(inspector Inspector, releasedAt time.Time) Patch {
	at := FormatTimestamp(releasedAt)
	userID := inspector.ID
	userName := inspector.Name
	return Patch{Release: &Release{
		IsReleased:         true,
		ReleasedAt:         &at,
		ReleasedByUserID:   &userID,
		ReleasedByUserName: &userName,
	}}
}

// IsEmpty reports whether applying the patch would change nothing.
func (p Patch) IsEmpty() bool {
	return p.ServerID == nil && p.NeedsSync == nil && p.Photos == nil &&
		p.ChecklistAnswers == nil && p.Notes == nil && p.DamageSummary == nil && p.Release == nil
}

// WithNeedsSync returns a copy of the patch that also sets the sync flag.
func (p Patch) WithNeedsSync(pending bool) Patch {
	p.NeedsSync = &pending
	return p
}

// Apply returns a copy of record with the patch merged in.
func (p Patch) Apply(record Record) Record {
	updated := record.Clone()
	if p.ServerID != nil {
		updated.ServerID = *p.ServerID
	}
	if p.NeedsSync != nil {
		updated.NeedsSync = *p.NeedsSync
	}
	if p.Photos != nil {
		updated.Photos = clonePhotos(p.Photos)
	}
	if p.ChecklistAnswers != nil {
		updated.ChecklistAnswers = p.ChecklistAnswers.Clone()
	}
	if p.Notes != nil {
		updated.Notes = *p.Notes
	}
	if p.DamageSummary != nil {
		updated.DamageSummary = *p.DamageSummary
	}
	if p.Release != nil {
		updated.Release = p.Release.clone()
	}
	return updated
}
