package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldinspect/internal/auth"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/inspections"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/localstore"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/reconcile"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/remote"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/submission"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey         = "fieldinspect_user_id"
	accessTokenQueryParam    = "access_token"
	defaultHeartbeatInterval = 15 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingSessionStore     = errors.New("session store dependency required")
	errMissingSubmissions      = errors.New("submission coordinator dependency required")
	errMissingReconciler       = errors.New("reconciler dependency required")
	errMissingViews            = errors.New("merged view dependency required")
	errMissingConnectivity     = errors.New("connectivity dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

type SessionValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type SessionStore interface {
	SignIn(ctx context.Context, claims auth.SessionClaims) (auth.User, error)
	SignOut(ctx context.Context) error
}

type Submitter interface {
	Submit(ctx context.Context, draft inspections.Draft) (submission.Outcome, error)
	Release(ctx context.Context, id string) (submission.UpdateOutcome, error)
}

type Reconciler interface {
	Run(ctx context.Context) (reconcile.BatchResult, error)
}

type ViewBuilder interface {
	List(ctx context.Context) ([]inspections.Record, error)
	Get(ctx context.Context, id string) (inspections.Record, bool, error)
}

type ConnectivityBridge interface {
	Online() bool
	Set(online bool) bool
}

// Dependencies wires the agent API. Development adds remote write errors
// to API responses.
type Dependencies struct {
	Sessions          SessionValidator
	Users             SessionStore
	Submissions       Submitter
	Reconciler        Reconciler
	Views             ViewBuilder
	Connectivity      ConnectivityBridge
	Events            *EventDispatcher
	MetricsHandler    http.Handler
	Development       bool
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Users == nil {
		return nil, errMissingSessionStore
	}
	if deps.Submissions == nil {
		return nil, errMissingSubmissions
	}
	if deps.Reconciler == nil {
		return nil, errMissingReconciler
	}
	if deps.Views == nil {
		return nil, errMissingViews
	}
	if deps.Connectivity == nil {
		return nil, errMissingConnectivity
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = NewEventDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:     deps.Sessions,
		users:        deps.Users,
		submissions:  deps.Submissions,
		reconciler:   deps.Reconciler,
		views:        deps.Views,
		connectivity: deps.Connectivity,
		events:       events,
		development:  deps.Development,
		heartbeat:    heartbeat,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)
	api.POST("/inspections", handler.handleSubmit)
	api.GET("/inspections", handler.handleList)
	api.GET("/inspections/:id", handler.handleGet)
	api.POST("/inspections/:id/release", handler.handleRelease)
	api.POST("/sync", handler.handleSync)
	api.GET("/connectivity", handler.handleGetConnectivity)
	api.PUT("/connectivity", handler.handleSetConnectivity)
	api.GET("/events", handler.handleEvents)
	api.DELETE("/session", handler.handleSignOut)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	sessions     SessionValidator
	users        SessionStore
	submissions  Submitter
	reconciler   Reconciler
	views        ViewBuilder
	connectivity ConnectivityBridge
	events       *EventDispatcher
	development  bool
	heartbeat    time.Duration
	logger       *zap.Logger
}

type submitResponsePayload struct {
	Status           string `json:"status"`
	LocalID          string `json:"localId"`
	ServerID         string `json:"id,omitempty"`
	RemoteError      string `json:"remoteError,omitempty"`
	PermissionDenied bool   `json:"permissionDenied,omitempty"`
}

type listResponsePayload struct {
	Inspections []inspections.Record `json:"inspections"`
}

type connectivityRequestPayload struct {
	Online *bool `json:"online"`
}

type connectivityResponsePayload struct {
	Online  bool `json:"online"`
	Changed bool `json:"changed"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "online": h.connectivity.Online()})
}

// handleSignOut ends the inspector session. Background reconciliation stays
// idle until someone signs in again.
func (h *httpHandler) handleSignOut(c *gin.Context) {
	if err := h.users.SignOut(c.Request.Context()); err != nil {
		h.logger.Error("failed to end inspector session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sign_out_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSubmit(c *gin.Context) {
	var draft inspections.Draft
	if err := c.ShouldBindJSON(&draft); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.submissions.Submit(c.Request.Context(), draft)
	if err != nil {
		h.respondError(c, "submit_failed", err)
		return
	}

	response := submitResponsePayload{
		Status:   string(outcome.Status),
		LocalID:  outcome.LocalID,
		ServerID: outcome.ServerID,
	}
	h.attachRemoteError(&response.RemoteError, &response.PermissionDenied, outcome.RemoteErr, outcome.RemoteDenied)
	status := http.StatusCreated
	if outcome.Status == submission.StatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, response)
}

func (h *httpHandler) handleList(c *gin.Context) {
	records, err := h.views.List(c.Request.Context())
	if err != nil {
		h.respondError(c, "list_failed", err)
		return
	}
	c.JSON(http.StatusOK, listResponsePayload{Inspections: records})
}

func (h *httpHandler) handleGet(c *gin.Context) {
	record, found, err := h.views.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "read_failed", err)
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleRelease(c *gin.Context) {
	outcome, err := h.submissions.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "release_failed", err)
		return
	}
	if outcome.Status == submission.StatusSkipped {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	response := submitResponsePayload{
		Status:   string(outcome.Status),
		LocalID:  outcome.LocalID,
		ServerID: outcome.ServerID,
	}
	h.attachRemoteError(&response.RemoteError, &response.PermissionDenied, outcome.RemoteErr, outcome.RemoteDenied)
	status := http.StatusOK
	if outcome.Status == submission.StatusPending {
		status = http.StatusAccepted
	}
	c.JSON(status, response)
}

func (h *httpHandler) handleSync(c *gin.Context) {
	result, err := h.reconciler.Run(c.Request.Context())
	if err != nil {
		h.respondError(c, "sync_failed", err)
		return
	}
	if result.AlreadyRunning {
		c.JSON(http.StatusConflict, gin.H{"error": "sync_in_progress"})
		return
	}
	h.events.PublishSync(result)
	c.JSON(http.StatusOK, newSyncResultPayload(result))
}

func (h *httpHandler) handleGetConnectivity(c *gin.Context) {
	c.JSON(http.StatusOK, connectivityResponsePayload{Online: h.connectivity.Online()})
}

func (h *httpHandler) handleSetConnectivity(c *gin.Context) {
	var request connectivityRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Online == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	changed := h.connectivity.Set(*request.Online)
	if changed {
		h.logger.Info("connectivity changed", zap.Bool("online", *request.Online))
	}
	c.JSON(http.StatusOK, connectivityResponsePayload{Online: *request.Online, Changed: changed})
}

func (h *httpHandler) attachRemoteError(message *string, denied *bool, remoteErr error, permissionDenied bool) {
	if !h.development || remoteErr == nil {
		return
	}
	*message = remoteErr.Error()
	*denied = permissionDenied
}

// respondError maps core failures onto HTTP statuses. The body always
// carries a stable reason and, when available, the service error code.
func (h *httpHandler) respondError(c *gin.Context, fallbackReason string, err error) {
	status := http.StatusInternalServerError
	reason := fallbackReason
	switch {
	case errors.Is(err, inspections.ErrInvalidDraft):
		status, reason = http.StatusBadRequest, "invalid_draft"
	case errors.Is(err, submission.ErrEmptyPatch):
		status, reason = http.StatusBadRequest, "empty_patch"
	case errors.Is(err, submission.ErrNoCurrentUser):
		status, reason = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, localstore.ErrUnavailable):
		status, reason = http.StatusServiceUnavailable, "local_store_unavailable"
	}
	body := gin.H{"error": reason}
	if code := inspections.ErrorCode(err); code != "" {
		body["code"] = code
	}
	if h.development && remote.IsPermissionDenied(err) {
		body["permissionDenied"] = true
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.String("reason", reason), zap.Error(err))
	}
	c.JSON(status, body)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	var (
		claims auth.SessionClaims
		err    error
	)
	if c.GetHeader("Authorization") != "" {
		claims, err = h.sessions.ValidateRequest(c.Request)
	} else if token := strings.TrimSpace(c.Query(accessTokenQueryParam)); token != "" {
		// EventSource clients cannot set headers.
		claims, err = h.sessions.ValidateToken(token)
	} else {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	user, err := h.users.SignIn(c.Request.Context(), claims)
	if err != nil {
		h.logger.Error("failed to record inspector session", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return
	}
	c.Set(userIDContextKey, user.UserID)
	c.Next()
}
