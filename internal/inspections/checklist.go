package inspections

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ChecklistKind discriminates the shapes a checklist answer may take.
type ChecklistKind string

const (
	ChecklistText       ChecklistKind = "text"
	ChecklistBoolean    ChecklistKind = "boolean"
	ChecklistStringList ChecklistKind = "string-list"
	ChecklistPhotoList  ChecklistKind = "photo-list"
)

// ErrInvalidChecklistValue indicates an answer whose JSON shape is not supported.
var ErrInvalidChecklistValue = errors.New("inspections: invalid checklist value")

// ChecklistValue is one answer in an inspection checklist. Only the field
// matching Kind is meaningful.
type ChecklistValue struct {
	Kind    ChecklistKind
	Text    string
	Bool    bool
	Strings []string
	Photos  []Photo
}

// ChecklistAnswers maps checklist field identifiers to answers.
type ChecklistAnswers map[string]ChecklistValue

func TextAnswer(value string) ChecklistValue {
	return ChecklistValue{Kind: ChecklistText, Text: value}
}

func BoolAnswer(value bool) ChecklistValue {
	return ChecklistValue{Kind: ChecklistBoolean, Bool: value}
}

func StringListAnswer(values ...string) ChecklistValue {
	return ChecklistValue{Kind: ChecklistStringList, Strings: append([]string{}, values...)}
}

func PhotoListAnswer(photos ...Photo) ChecklistValue {
	return ChecklistValue{Kind: ChecklistPhotoList, Photos: append([]Photo{}, photos...)}
}

// Clone returns a deep copy of the answers.
func (a ChecklistAnswers) Clone() ChecklistAnswers {
	if a == nil {
		return nil
	}
	clone := make(ChecklistAnswers, len(a))
	for fieldID, value := range a {
		value.Strings = append([]string(nil), value.Strings...)
		value.Photos = clonePhotos(value.Photos)
		clone[fieldID] = value
	}
	return clone
}

// MarshalJSON encodes the answer as its bare value.
func (v ChecklistValue) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ChecklistText, "":
		return json.Marshal(v.Text)
	case ChecklistBoolean:
		return json.Marshal(v.Bool)
	case ChecklistStringList:
		if v.Strings == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Strings)
	case ChecklistPhotoList:
		if v.Photos == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Photos)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidChecklistValue, v.Kind)
	}
}

// UnmarshalJSON infers the kind from the shape of the value.
func (v *ChecklistValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*v = TextAnswer("")
		return nil
	}
	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidChecklistValue, err)
		}
		*v = TextAnswer(text)
	case 't', 'f':
		var flag bool
		if err := json.Unmarshal(trimmed, &flag); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidChecklistValue, err)
		}
		*v = BoolAnswer(flag)
	case '[':
		var elements []json.RawMessage
		if err := json.Unmarshal(trimmed, &elements); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidChecklistValue, err)
		}
		if len(elements) > 0 && bytes.HasPrefix(bytes.TrimSpace(elements[0]), []byte("{")) {
			var photos []Photo
			if err := json.Unmarshal(trimmed, &photos); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidChecklistValue, err)
			}
			*v = PhotoListAnswer(photos...)
			return nil
		}
		var values []string
		if err := json.Unmarshal(trimmed, &values); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidChecklistValue, err)
		}
		*v = StringListAnswer(values...)
	default:
		return fmt.Errorf("%w: unsupported json %s", ErrInvalidChecklistValue, string(trimmed))
	}
	return nil
}
