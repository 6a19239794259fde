package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldinspect/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/connectivity"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/localstore"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/mergeview"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/reconcile"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/remote"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/submission"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var testSigningSecret = []byte("test-signing-secret")

const testIssuer = "fieldinspect-identity"

type apiHarness struct {
	handler   http.Handler
	signal    *connectivity.Signal
	documents *remote.MemoryDocuments
	events    *EventDispatcher
	sessions  *users.Service
	token     string
}

func mintToken(t *testing.T, expiresAt time.Time) string {
	t.Helper()
	claims := auth.SessionClaims{
		UserID:          "inspector-1",
		UserEmail:       "amina@example.com",
		UserDisplayName: "Amina",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "inspector-1",
			IssuedAt:  jwt.NewNumericDate(expiresAt.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSigningSecret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func newAPIHarness(t *testing.T, online bool, configure func(*Dependencies)) *apiHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := localstore.OpenSQLite(filepath.Join(t.TempDir(), "agent.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open local store: %v", err)
	}
	store := localstore.NewStore(localstore.Config{Database: db})
	t.Cleanup(func() {
		_ = store.Close()
	})
	sessions, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct session service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: testSigningSecret, Issuer: testIssuer})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	documents := remote.NewMemoryDocuments()
	gateway, err := remote.NewGateway(remote.Config{Documents: documents, Blobs: remote.NewMemoryBlobs()})
	if err != nil {
		t.Fatalf("failed to construct gateway: %v", err)
	}
	signal := connectivity.NewSignal(online)
	coordinator, err := submission.NewCoordinator(submission.Config{
		Store:        store,
		Gateway:      gateway,
		Connectivity: signal,
		Users:        sessions,
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	engine, err := reconcile.NewEngine(reconcile.Config{Store: store, Gateway: gateway, Connectivity: signal})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	builder, err := mergeview.NewBuilder(mergeview.Config{Local: store, Remote: gateway, Connectivity: signal})
	if err != nil {
		t.Fatalf("failed to construct builder: %v", err)
	}

	events := NewEventDispatcher()
	deps := Dependencies{
		Sessions:          validator,
		Users:             sessions,
		Submissions:       coordinator,
		Reconciler:        engine,
		Views:             builder,
		Connectivity:      signal,
		Events:            events,
		HeartbeatInterval: time.Hour,
	}
	if configure != nil {
		configure(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return &apiHarness{
		handler:   handler,
		signal:    signal,
		documents: documents,
		events:    events,
		sessions:  sessions,
		token:     mintToken(t, time.Now().Add(time.Hour)),
	}
}

func (h *apiHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	request.Header.Set("Authorization", "Bearer "+h.token)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody[T any](t *testing.T, recorder *httptest.ResponseRecorder) T {
	t.Helper()
	var payload T
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func draftJSON() string {
	payload := base64.StdEncoding.EncodeToString([]byte("photo-bytes"))
	return `{"truckIdNo":"T1","truckRegNo":"R1","workshopLocation":"Mombasa","photos":[{"name":"p1.jpg","dataUri":"data:image/jpeg;base64,` + payload + `"}],"checklistAnswers":{"lights":true,"defects":["mirror"]}}`
}

type submitResponse struct {
	Status           string `json:"status"`
	LocalID          string `json:"localId"`
	ID               string `json:"id"`
	RemoteError      string `json:"remoteError"`
	PermissionDenied bool   `json:"permissionDenied"`
}

type listedRecord struct {
	ID        string `json:"id"`
	LocalID   string `json:"localId"`
	NeedsSync bool   `json:"needsSync"`
	Photos    []struct {
		URL     string `json:"url"`
		DataURI string `json:"dataUri"`
	} `json:"photos"`
}

func TestAPIRequiresBearerToken(t *testing.T) {
	h := newAPIHarness(t, true, nil)

	request := httptest.NewRequest(http.MethodGet, "/api/inspections", http.NoBody)
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}

	basic := httptest.NewRequest(http.MethodGet, "/api/inspections", http.NoBody)
	basic.Header.Set("Authorization", "Basic "+h.token)
	recorder = httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, basic)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a non-bearer scheme, got %d", recorder.Code)
	}

	h.token = mintToken(t, time.Now().Add(-time.Minute))
	if recorder := h.do(t, http.MethodGet, "/api/inspections", ""); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with expired token, got %d", recorder.Code)
	}
}

func TestAPISignOutClearsCurrentInspector(t *testing.T) {
	h := newAPIHarness(t, true, nil)

	if recorder := h.do(t, http.MethodGet, "/api/inspections", ""); recorder.Code != http.StatusOK {
		t.Fatalf("expected list to succeed, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if user, ok := h.sessions.CurrentUser(); !ok || user.UserID != "inspector-1" {
		t.Fatalf("expected inspector-1 to be signed in, got %+v (present=%v)", user, ok)
	}

	if recorder := h.do(t, http.MethodDelete, "/api/session", ""); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on sign out, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if _, ok := h.sessions.CurrentUser(); ok {
		t.Fatalf("expected no current inspector after sign out")
	}
	restored, ok, err := h.sessions.Restore(context.Background())
	if err != nil || ok {
		t.Fatalf("expected no persisted session after sign out, got %+v present=%v err=%v", restored, ok, err)
	}
}

func TestAPIOfflineCaptureIsReconciledAfterReconnect(t *testing.T) {
	h := newAPIHarness(t, false, nil)

	created := h.do(t, http.MethodPost, "/api/inspections", draftJSON())
	if created.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for offline submission, got %d: %s", created.Code, created.Body.String())
	}
	submitted := decodeBody[submitResponse](t, created)
	if submitted.Status != "pending" || submitted.LocalID == "" || submitted.ID != "" {
		t.Fatalf("unexpected submit response %+v", submitted)
	}

	listed := decodeBody[struct {
		Inspections []listedRecord `json:"inspections"`
	}](t, h.do(t, http.MethodGet, "/api/inspections", ""))
	if len(listed.Inspections) != 1 || !listed.Inspections[0].NeedsSync {
		t.Fatalf("expected one pending inspection, got %+v", listed.Inspections)
	}

	toggled := h.do(t, http.MethodPut, "/api/connectivity", `{"online":true}`)
	if toggled.Code != http.StatusOK || !decodeBody[connectivityResponsePayload](t, toggled).Changed {
		t.Fatalf("expected connectivity change, got %d: %s", toggled.Code, toggled.Body.String())
	}

	synced := h.do(t, http.MethodPost, "/api/sync", "")
	if synced.Code != http.StatusOK {
		t.Fatalf("expected 200 from sync, got %d: %s", synced.Code, synced.Body.String())
	}
	result := decodeBody[syncResultPayload](t, synced)
	if result.Attempted != 1 || result.Succeeded != 1 || result.Remaining != 0 {
		t.Fatalf("unexpected sync result %+v", result)
	}

	listed = decodeBody[struct {
		Inspections []listedRecord `json:"inspections"`
	}](t, h.do(t, http.MethodGet, "/api/inspections", ""))
	if len(listed.Inspections) != 1 {
		t.Fatalf("expected one inspection after sync, got %+v", listed.Inspections)
	}
	record := listed.Inspections[0]
	if record.NeedsSync || record.ID == "" || record.LocalID != submitted.LocalID {
		t.Fatalf("expected synced inspection, got %+v", record)
	}
	if len(record.Photos) != 1 || record.Photos[0].URL == "" || record.Photos[0].DataURI != "" {
		t.Fatalf("expected uploaded photo, got %+v", record.Photos)
	}

	single := h.do(t, http.MethodGet, "/api/inspections/"+record.ID, "")
	if single.Code != http.StatusOK || decodeBody[listedRecord](t, single).LocalID != submitted.LocalID {
		t.Fatalf("expected single read by server id, got %d: %s", single.Code, single.Body.String())
	}
}

func TestAPISubmitOnlineCreatesRemoteDocument(t *testing.T) {
	h := newAPIHarness(t, true, nil)
	created := h.do(t, http.MethodPost, "/api/inspections", draftJSON())
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}
	submitted := decodeBody[submitResponse](t, created)
	if submitted.Status != "synced" || submitted.ID == "" {
		t.Fatalf("unexpected submit response %+v", submitted)
	}
	if h.documents.Count(remote.Collection) != 1 {
		t.Fatalf("expected one remote document")
	}
}

func TestAPIRejectsInvalidDraft(t *testing.T) {
	h := newAPIHarness(t, true, nil)
	recorder := h.do(t, http.MethodPost, "/api/inspections", `{"truckIdNo":"T1"}`)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	body := decodeBody[map[string]any](t, recorder)
	if body["error"] != "invalid_draft" || body["code"] != "submission.submit.invalid_draft" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestAPIRemoteErrorsSurfaceOnlyInDevelopment(t *testing.T) {
	testCases := []struct {
		name        string
		development bool
		expectError bool
	}{
		{name: "development", development: true, expectError: true},
		{name: "production", development: false, expectError: false},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			h := newAPIHarness(t, true, func(deps *Dependencies) {
				deps.Development = testCase.development
			})
			h.documents.SetWriteHook(func(remote.WriteCall) error {
				return status.Error(codes.PermissionDenied, "missing or insufficient permissions")
			})

			recorder := h.do(t, http.MethodPost, "/api/inspections", draftJSON())
			if recorder.Code != http.StatusAccepted {
				t.Fatalf("expected local fallback, got %d: %s", recorder.Code, recorder.Body.String())
			}
			response := decodeBody[submitResponse](t, recorder)
			if (response.RemoteError != "") != testCase.expectError || response.PermissionDenied != testCase.expectError {
				t.Fatalf("unexpected remote error surface %+v", response)
			}
		})
	}
}

func TestAPIReleaseUnknownRecord(t *testing.T) {
	h := newAPIHarness(t, false, nil)
	recorder := h.do(t, http.MethodPost, "/api/inspections/local-missing/release", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestAPIGetUnknownRecord(t *testing.T) {
	h := newAPIHarness(t, true, nil)
	recorder := h.do(t, http.MethodGet, "/api/inspections/S404", "")
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

type stubReconciler struct {
	result reconcile.BatchResult
	err    error
}

func (s stubReconciler) Run(context.Context) (reconcile.BatchResult, error) {
	return s.result, s.err
}

func TestAPISyncReportsConflictWhileRunning(t *testing.T) {
	h := newAPIHarness(t, true, func(deps *Dependencies) {
		deps.Reconciler = stubReconciler{result: reconcile.BatchResult{AlreadyRunning: true}}
	})
	recorder := h.do(t, http.MethodPost, "/api/sync", "")
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", recorder.Code)
	}
}

func TestAPISyncMapsStoreUnavailable(t *testing.T) {
	h := newAPIHarness(t, true, func(deps *Dependencies) {
		deps.Reconciler = stubReconciler{err: localstore.ErrUnavailable}
	})
	recorder := h.do(t, http.MethodPost, "/api/sync", "")
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
}

func TestAPIConnectivityValidation(t *testing.T) {
	h := newAPIHarness(t, true, nil)
	if recorder := h.do(t, http.MethodPut, "/api/connectivity", `{}`); recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without online flag, got %d", recorder.Code)
	}
	recorder := h.do(t, http.MethodGet, "/api/connectivity", "")
	if recorder.Code != http.StatusOK || !decodeBody[connectivityResponsePayload](t, recorder).Online {
		t.Fatalf("unexpected connectivity response %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestHealthIsPublic(t *testing.T) {
	h := newAPIHarness(t, true, nil)
	recorder := httptest.NewRecorder()
	h.handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected health response %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingSessionValidator) {
		t.Fatalf("expected missing validator error, got %v", err)
	}
}
