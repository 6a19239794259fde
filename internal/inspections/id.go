package inspections

import (
	"strings"

	"github.com/google/uuid"
)

// LocalIDPrefix marks identifiers minted on the device.
const LocalIDPrefix = "local-"

// LocalIDProvider issues client-side record identifiers.
type LocalIDProvider interface {
	NewLocalID() (string, error)
}

type uuidLocalIDProvider struct{}

// NewLocalIDProvider constructs a LocalIDProvider whose tokens embed a UUIDv7,
// i.e. a millisecond timestamp followed by random bits.
func NewLocalIDProvider() LocalIDProvider {
	return &uuidLocalIDProvider{}
}

func (p *uuidLocalIDProvider) NewLocalID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return LocalIDPrefix + value.String(), nil
}

// MergeKey derives the identity a record is joined on across the local and remote stores.
func MergeKey(record Record) string {
	if record.LocalID != "" {
		return record.LocalID
	}
	return record.ServerID
}

// LooksServerAssigned reports whether id could name a remote document.
func LooksServerAssigned(id string) bool {
	trimmed := strings.TrimSpace(id)
	return trimmed != "" && !strings.HasPrefix(trimmed, LocalIDPrefix)
}
