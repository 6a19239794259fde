package inspections

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMergeKey(t *testing.T) {
	testCases := []struct {
		name     string
		record   Record
		expected string
	}{
		{name: "local id wins", record: Record{LocalID: "local-1", ServerID: "srv-1"}, expected: "local-1"},
		{name: "server id fallback", record: Record{ServerID: "srv-1"}, expected: "srv-1"},
		{name: "local only", record: Record{LocalID: "local-2"}, expected: "local-2"},
		{name: "no identity", record: Record{}, expected: ""},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := MergeKey(testCase.record); got != testCase.expected {
				t.Fatalf("expected key %q, got %q", testCase.expected, got)
			}
		})
	}
}

func TestLooksServerAssigned(t *testing.T) {
	if LooksServerAssigned("local-0192") {
		t.Fatalf("expected local identifier to be rejected")
	}
	if LooksServerAssigned("   ") {
		t.Fatalf("expected blank identifier to be rejected")
	}
	if !LooksServerAssigned("Xk2p9QwErTy12") {
		t.Fatalf("expected opaque identifier to be treated as server-assigned")
	}
}

func TestLocalIDProviderIssuesPrefixedUniqueIDs(t *testing.T) {
	provider := NewLocalIDProvider()
	first, err := provider.NewLocalID()
	if err != nil {
		t.Fatalf("unexpected id error: %v", err)
	}
	second, err := provider.NewLocalID()
	if err != nil {
		t.Fatalf("unexpected id error: %v", err)
	}
	if !strings.HasPrefix(first, LocalIDPrefix) {
		t.Fatalf("expected prefix %q, got %q", LocalIDPrefix, first)
	}
	if first == second {
		t.Fatalf("expected distinct ids, got %q twice", first)
	}
}

func TestFormatAndParseTimestamp(t *testing.T) {
	moment := time.Date(2024, 9, 1, 14, 30, 5, 123_000_000, time.FixedZone("EAT", 3*3600))
	formatted := FormatTimestamp(moment)
	if formatted != "2024-09-01T11:30:05.123Z" {
		t.Fatalf("unexpected timestamp %q", formatted)
	}
	parsed, err := ParseTimestamp(formatted)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if !parsed.Equal(moment) {
		t.Fatalf("expected %v, got %v", moment, parsed)
	}
	if _, err := ParseTimestamp("yesterday"); !errors.Is(err, ErrInvalidTimestamp) {
		t.Fatalf("expected ErrInvalidTimestamp, got %v", err)
	}
}

func TestChecklistValueDecodesByShape(t *testing.T) {
	payload := `{"tyres":"worn","lights":true,"defects":["mirror","wiper"],"cab":[{"name":"cab.jpg","url":"https://cdn/cab.jpg"}],"empty":[]}`
	var answers ChecklistAnswers
	if err := json.Unmarshal([]byte(payload), &answers); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	expectations := map[string]ChecklistKind{
		"tyres":   ChecklistText,
		"lights":  ChecklistBoolean,
		"defects": ChecklistStringList,
		"cab":     ChecklistPhotoList,
		"empty":   ChecklistStringList,
	}
	for fieldID, kind := range expectations {
		if answers[fieldID].Kind != kind {
			t.Fatalf("field %s: expected kind %s, got %s", fieldID, kind, answers[fieldID].Kind)
		}
	}
	if answers["cab"].Photos[0].URL != "https://cdn/cab.jpg" {
		t.Fatalf("unexpected photo list %+v", answers["cab"].Photos)
	}

	encoded, err := json.Marshal(answers)
	if err != nil {
		t.Fatalf("unexpected encode error: %v", err)
	}
	var roundTrip map[string]any
	if err := json.Unmarshal(encoded, &roundTrip); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if roundTrip["lights"] != true || roundTrip["tyres"] != "worn" {
		t.Fatalf("expected bare values, got %s", string(encoded))
	}

	var invalid ChecklistValue
	if err := json.Unmarshal([]byte(`{"a":1}`), &invalid); !errors.Is(err, ErrInvalidChecklistValue) {
		t.Fatalf("expected ErrInvalidChecklistValue, got %v", err)
	}
}

func TestDraftValidate(t *testing.T) {
	valid := Draft{
		TruckIDNo:  "T-100",
		TruckRegNo: "KAA 123B",
		Photos:     []Photo{{Name: "front.jpg", DataURI: "data:image/jpeg;base64,AAAA"}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	testCases := []struct {
		name  string
		draft Draft
	}{
		{name: "missing truck id", draft: Draft{TruckRegNo: "KAA"}},
		{name: "missing registration", draft: Draft{TruckIDNo: "T-1", TruckRegNo: "  "}},
		{name: "photo without payload", draft: Draft{TruckIDNo: "T-1", TruckRegNo: "KAA", Photos: []Photo{{Name: "a.jpg"}}}},
		{name: "duplicate photo names", draft: Draft{TruckIDNo: "T-1", TruckRegNo: "KAA", Photos: []Photo{
			{Name: "a.jpg", DataURI: "data:,x"}, {Name: "a.jpg", DataURI: "data:,y"},
		}}},
		{name: "checklist photo with slash", draft: Draft{TruckIDNo: "T-1", TruckRegNo: "KAA", ChecklistAnswers: ChecklistAnswers{
			"cab": PhotoListAnswer(Photo{Name: "x/y.jpg", DataURI: "data:,x"}),
		}}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if err := testCase.draft.Validate(); !errors.Is(err, ErrInvalidDraft) {
				t.Fatalf("expected ErrInvalidDraft, got %v", err)
			}
		})
	}
}

func TestDraftToRecordIsPending(t *testing.T) {
	createdAt := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	record := Draft{TruckIDNo: " T-100 ", TruckRegNo: "KAA 123B"}.ToRecord("local-1", Inspector{ID: "u-1", Name: "Amina"}, createdAt)
	if !record.NeedsSync {
		t.Fatalf("expected new record to be pending")
	}
	if record.TruckIDNo != "T-100" || record.InspectorName != "Amina" {
		t.Fatalf("unexpected record %+v", record)
	}
	if record.Timestamp != "2024-09-01T12:00:00.000Z" {
		t.Fatalf("unexpected timestamp %q", record.Timestamp)
	}
	if record.ReleasedAt != nil || record.IsReleased {
		t.Fatalf("expected unreleased record, got %+v", record.Release)
	}
}

func TestPatchApplyLeavesOriginalUntouched(t *testing.T) {
	original := Record{LocalID: "local-1", NeedsSync: true, Photos: []Photo{{Name: "a.jpg", DataURI: "data:,a"}}}
	serverID := "srv-1"
	patch := Patch{ServerID: &serverID, Photos: []Photo{{Name: "a.jpg", URL: "https://cdn/a.jpg"}}}.WithNeedsSync(false)

	updated := patch.Apply(original)
	if updated.ServerID != serverID || updated.NeedsSync {
		t.Fatalf("unexpected patched record %+v", updated)
	}
	if original.ServerID != "" || !original.NeedsSync || original.Photos[0].URL != "" {
		t.Fatalf("expected original to be unchanged, got %+v", original)
	}

	released := ReleasePatch(Inspector{ID: "u-2", Name: "Baraka"}, time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)).Apply(updated)
	if !released.IsReleased || *released.ReleasedByUserName != "Baraka" || *released.ReleasedAt != "2024-09-02T08:00:00.000Z" {
		t.Fatalf("unexpected release state %+v", released.Release)
	}
	if (Patch{}).IsEmpty() != true || patch.IsEmpty() {
		t.Fatalf("unexpected IsEmpty result")
	}
}

func TestWithoutPayloadsKeepsUnuploadedPhotos(t *testing.T) {
	record := Record{
		Photos: []Photo{
			{Name: "a.jpg", URL: "https://cdn/a.jpg", DataURI: "data:,a"},
			{Name: "b.jpg", DataURI: "data:,b"},
		},
		ChecklistAnswers: ChecklistAnswers{"cab": PhotoListAnswer(Photo{Name: "c.jpg", URL: "https://cdn/c.jpg", DataURI: "data:,c"})},
	}
	stripped := record.WithoutPayloads()
	if stripped.Photos[0].DataURI != "" || stripped.ChecklistAnswers["cab"].Photos[0].DataURI != "" {
		t.Fatalf("expected uploaded payloads to be dropped, got %+v", stripped)
	}
	if stripped.Photos[1].DataURI == "" {
		t.Fatalf("expected unuploaded payload to be kept")
	}
	if !stripped.HasUnuploadedPhotos() {
		t.Fatalf("expected record to still report unuploaded photos")
	}
	if record.Photos[0].DataURI == "" {
		t.Fatalf("expected source record to be unchanged")
	}
}

func TestWithUploadedURLsMatchesNameAndPayload(t *testing.T) {
	current := Record{
		Photos: []Photo{
			{Name: "front.jpg", DataURI: "data:,front"},
			{Name: "rear.jpg", DataURI: "data:,rear-retaken"},
			{Name: "side.jpg", DataURI: "data:,side"},
		},
		ChecklistAnswers: ChecklistAnswers{
			"cab":   PhotoListAnswer(Photo{Name: "seat.jpg", DataURI: "data:,seat"}),
			"tyres": TextAnswer("worn"),
		},
	}
	uploaded := Record{
		Photos: []Photo{
			{Name: "front.jpg", URL: "https://cdn/front.jpg", DataURI: "data:,front"},
			{Name: "rear.jpg", URL: "https://cdn/rear.jpg", DataURI: "data:,rear"},
		},
		ChecklistAnswers: ChecklistAnswers{
			"cab":   PhotoListAnswer(Photo{Name: "seat.jpg", URL: "https://cdn/seat.jpg", DataURI: "data:,seat"}),
			"tyres": PhotoListAnswer(Photo{Name: "worn.jpg", URL: "https://cdn/worn.jpg"}),
		},
	}

	merged := current.WithUploadedURLs(uploaded)
	if merged.Photos[0].URL != "https://cdn/front.jpg" || merged.Photos[0].DataURI != "" {
		t.Fatalf("expected front photo to take its url, got %+v", merged.Photos[0])
	}
	if merged.Photos[1].URL != "" || merged.Photos[1].DataURI != "data:,rear-retaken" {
		t.Fatalf("expected retaken photo to stay unuploaded, got %+v", merged.Photos[1])
	}
	if !merged.Photos[2].NeedsUpload() {
		t.Fatalf("expected photo added later to stay unuploaded, got %+v", merged.Photos[2])
	}
	if merged.ChecklistAnswers["cab"].Photos[0].URL != "https://cdn/seat.jpg" {
		t.Fatalf("expected checklist photo url, got %+v", merged.ChecklistAnswers["cab"])
	}
	if merged.ChecklistAnswers["tyres"].Kind != ChecklistText {
		t.Fatalf("expected text answer untouched, got %+v", merged.ChecklistAnswers["tyres"])
	}
	if current.Photos[0].URL != "" {
		t.Fatalf("expected source record to be unchanged")
	}
}

func TestDecodeDataURI(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	testCases := []struct {
		name        string
		raw         string
		contentType string
		data        string
	}{
		{name: "declared media type", raw: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpegbytes")), contentType: "image/jpeg", data: "jpegbytes"},
		{name: "sniffed media type", raw: "data:;base64," + base64.StdEncoding.EncodeToString(png), contentType: "image/png", data: string(png)},
		{name: "percent encoded", raw: "data:text/plain,hello%20world", contentType: "text/plain", data: "hello world"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			payload, err := DecodeDataURI(testCase.raw)
			if err != nil {
				t.Fatalf("unexpected decode error: %v", err)
			}
			if payload.ContentType != testCase.contentType {
				t.Fatalf("expected content type %q, got %q", testCase.contentType, payload.ContentType)
			}
			if string(payload.Data) != testCase.data {
				t.Fatalf("unexpected payload %q", string(payload.Data))
			}
		})
	}

	for _, raw := range []string{"https://cdn/a.jpg", "data:image/png;base64", "data:image/png;base64,"} {
		if _, err := DecodeDataURI(raw); !errors.Is(err, ErrInvalidDataURI) {
			t.Fatalf("expected ErrInvalidDataURI for %q, got %v", raw, err)
		}
	}
}

func TestErrorCode(t *testing.T) {
	err := NewServiceError("submission.submit", "local_put_failed", errors.New("disk full"))
	if ErrorCode(err) != "submission.submit.local_put_failed" {
		t.Fatalf("unexpected code %q", ErrorCode(err))
	}
	if ErrorCode(errors.New("plain")) != "" {
		t.Fatalf("expected empty code for plain error")
	}
}
