package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/conflict"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/failure"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/metrics"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/notes"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/syncengine"
	"github.com/MarcoPoloResearchLab/gravity/syncclient/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const userIDContextKey = "gravity_user_id"

var (
	errMissingNotesService  = errors.New("notes service dependency required")
	errMissingResolver      = errors.New("conflict resolver dependency required")
	errMissingEngine        = errors.New("sync engine dependency required")
	errMissingValidator     = errors.New("session validator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Dependencies wires the local control API.
type Dependencies struct {
	Notes          *notes.Service
	Resolver       *conflict.Resolver
	Engine         *syncengine.Engine
	Validator      *auth.SessionValidator
	Users          *users.Service
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving the local control API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Notes == nil {
		return nil, errMissingNotesService
	}
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(deps.Metrics.Middleware())
	router.Use(cors.New(corsConfig(deps.AllowedOrigins)))

	handler := &httpHandler{
		notes:     deps.Notes,
		resolver:  deps.Resolver,
		engine:    deps.Engine,
		validator: deps.Validator,
		users:     deps.Users,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)

	protected.GET("/profile", handler.handleProfile)
	protected.GET("/status", handler.handleStatus)
	protected.GET("/status/stream", handler.handleStatusStream)
	protected.POST("/sync", handler.handleSync)
	protected.POST("/refresh", handler.handleRefresh)

	protected.GET("/selection", handler.handleGetSelection)
	protected.PUT("/selection", handler.handlePutSelection)

	protected.GET("/notes", handler.handleListNotes)
	protected.POST("/notes", handler.handleCreateNote)
	protected.GET("/notes/:id", handler.handleGetNote)
	protected.PATCH("/notes/:id", handler.handleUpdateNote)
	protected.DELETE("/notes/:id", handler.handleDeleteNote)
	protected.POST("/notes/:id/duplicate", handler.handleDuplicateNote)
	protected.POST("/notes/:id/resolve", handler.handleResolveConflict)
	protected.GET("/notes/:id/attachments", handler.handleListAttachments)
	protected.POST("/notes/:id/attachments", handler.handleAddAttachment)
	protected.GET("/attachments/:id", handler.handleGetAttachment)
	protected.DELETE("/attachments/:id", handler.handleDeleteAttachment)

	protected.GET("/recordings", handler.handleListRecordings)
	protected.POST("/recordings", handler.handleAddRecording)
	protected.GET("/recordings/:id", handler.handleGetRecording)
	protected.GET("/recordings/:id/audio", handler.handleGetRecordingAudio)
	protected.DELETE("/recordings/:id", handler.handleDeleteRecording)

	protected.GET("/conflicts", handler.handleListConflicts)

	protected.GET("/workspaces", handler.handleListWorkspaces)
	protected.POST("/workspaces", handler.handleCreateWorkspace)
	protected.PATCH("/workspaces/:id", handler.handleUpdateWorkspace)
	protected.DELETE("/workspaces/:id", handler.handleDeleteWorkspace)

	protected.GET("/export", handler.handleExport)
	protected.POST("/import", handler.handleImport)

	return router, nil
}

func corsConfig(origins []string) cors.Config {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowAllOrigins = true
		return config
	}
	config.AllowOrigins = origins
	config.AllowCredentials = true
	return config
}

type httpHandler struct {
	notes     *notes.Service
	resolver  *conflict.Resolver
	engine    *syncengine.Engine
	validator *auth.SessionValidator
	users     *users.Service
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingSessionToken) {
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
	ownerID := users.OwnerIDFromClaims(claims)
	if ownerID != h.notes.OwnerID() {
		h.logger.Warn("token owner mismatch", zap.String("owner_id", ownerID))
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Set(userIDContextKey, ownerID)
	c.Next()
}

// respondError maps classified failures onto HTTP statuses and their stable codes.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	code := failure.CodeOf(err)
	kind, _ := failure.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case failure.KindValidation:
		status = http.StatusBadRequest
		if strings.HasSuffix(code, "_not_found") {
			status = http.StatusNotFound
		}
	case failure.KindConflict:
		status = http.StatusConflict
	case failure.KindTransport:
		status = http.StatusServiceUnavailable
	}
	if code == "" {
		code = "internal_error"
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func (h *httpHandler) handleProfile(c *gin.Context) {
	if h.users == nil {
		c.JSON(http.StatusOK, gin.H{"ownerId": c.GetString(userIDContextKey)})
		return
	}
	profile, err := h.users.Profile(c.Request.Context(), c.GetString(userIDContextKey))
	if errors.Is(err, users.ErrNoKnownOwner) {
		c.JSON(http.StatusOK, gin.H{"ownerId": c.GetString(userIDContextKey)})
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, profile)
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	status, err := h.engine.Status(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleSync(c *gin.Context) {
	result, err := h.engine.Drain(c.Request.Context())
	h.notes.Invalidate()
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	result, err := h.notes.Refresh(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleGetSelection(c *gin.Context) {
	c.JSON(http.StatusOK, h.notes.Selection())
}

func (h *httpHandler) handlePutSelection(c *gin.Context) {
	var request notes.Selection
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	selection := h.notes.SelectWorkspace(request.WorkspaceID)
	if request.NoteID != "" {
		selection = h.notes.SelectNote(request.NoteID)
	}
	c.JSON(http.StatusOK, selection)
}
