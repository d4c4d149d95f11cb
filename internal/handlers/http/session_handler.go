package http

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sessioncast/internal/core/domain"
	"sessioncast/internal/core/ports"
	"sessioncast/internal/infrastructure/signal"
	"sessioncast/internal/infrastructure/storage"
)

// Container and codec assumed when synthesizing a manifest for a session
// that never finalized.
const (
	recoveredContainer = "webm"
	recoveredCodec     = "vp8,opus"
)

const maxObjectSize = 32 << 20

type SessionHandler struct {
	sessions    ports.SessionRepository
	signer      *storage.URLSigner
	store       *storage.FSStore
	relay       *signal.WebSocketRelay
	openChannel signal.ChannelFactory
	logger      *zap.SugaredLogger

	writeTTL       time.Duration
	defaultReadTTL time.Duration
}

func NewSessionHandler(
	sessions ports.SessionRepository,
	signer *storage.URLSigner,
	store *storage.FSStore,
	relay *signal.WebSocketRelay,
	openChannel signal.ChannelFactory,
	writeTTL time.Duration,
	defaultReadTTL time.Duration,
	logger *zap.SugaredLogger,
) *SessionHandler {
	return &SessionHandler{
		sessions:       sessions,
		signer:         signer,
		store:          store,
		relay:          relay,
		openChannel:    openChannel,
		writeTTL:       writeTTL,
		defaultReadTTL: defaultReadTTL,
		logger:         logger,
	}
}

func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/sessions", h.CreateSession)
		api.GET("/sessions/:id", h.GetSession)
		api.POST("/sessions/:id/end", h.EndSession)
		api.POST("/sessions/:id/upload-credentials", h.IssueUploadCredential)
		api.POST("/sessions/:id/read-credentials", h.IssueReadCredential)
		api.POST("/sessions/:id/manifest", h.WriteManifest)
		api.GET("/sessions/:id/manifest", h.GetManifest)
	}

	router.PUT("/storage/*path", h.PutObject)
	router.GET("/storage/*path", h.GetObject)

	router.GET("/ws", gin.WrapF(h.relay.HandleWebSocket))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", h.Health)
}

func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req struct {
		TestLinkID string `json:"test_link_id" binding:"required"`
		OwnerID    string `json:"owner_id"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session := &domain.Session{
		ID:         domain.SessionID(uuid.NewString()),
		TestLinkID: req.TestLinkID,
		OwnerID:    domain.UserID(req.OwnerID),
		Status:     domain.SessionLive,
		CreatedAt:  time.Now().UTC(),
	}

	if err := h.sessions.Create(c.Request.Context(), session); err != nil {
		h.logger.Errorw("failed to create session", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}

	c.JSON(http.StatusCreated, session)
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	session, err := h.sessions.GetByID(c.Request.Context(), domain.SessionID(c.Param("id")))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

// EndSession records the end of the live phase and notifies participants on
// the session channel. The session stays live until its manifest arrives.
func (h *SessionHandler) EndSession(c *gin.Context) {
	var req struct {
		ParticipantID string `json:"participant_id" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := domain.SessionID(c.Param("id"))
	session, err := h.sessions.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if session.EndedAt == nil {
		now := time.Now().UTC()
		session.EndedAt = &now
		if err := h.sessions.Update(c.Request.Context(), session); err != nil {
			h.respondError(c, err)
			return
		}

		channel := h.openChannel(sessionID)
		if err := channel.Publish(c.Request.Context(), domain.ChannelEvent{Kind: domain.EventSessionEnded}); err != nil {
			h.logger.Warnw("failed to announce session end",
				"session_id", sessionID,
				"error", err,
			)
		}
		channel.Close()
	}

	c.JSON(http.StatusOK, gin.H{"status": "ended"})
}

func (h *SessionHandler) IssueUploadCredential(c *gin.Context) {
	var req struct {
		PartIndex   int    `json:"part_index" binding:"min=0"`
		ContentType string `json:"content_type" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := domain.SessionID(c.Param("id"))
	session, err := h.sessions.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if session.Status == domain.SessionCompleted {
		c.JSON(http.StatusConflict, gin.H{"error": "session already completed"})
		return
	}

	path := domain.SegmentPath(sessionID, req.PartIndex)
	writeURL, _, err := h.signer.SignedURL(sessionID, path, "put", h.writeTTL)
	if err != nil {
		h.logger.Errorw("failed to sign upload url",
			"session_id", sessionID,
			"part_index", req.PartIndex,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue credential"})
		return
	}

	c.JSON(http.StatusOK, ports.WriteCredential{WriteURL: writeURL})
}

// IssueReadCredential signs a read URL. Sessions without an owning principal
// are anonymous and are still readable.
func (h *SessionHandler) IssueReadCredential(c *gin.Context) {
	var req struct {
		Path      string `json:"path" binding:"required"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := domain.SessionID(c.Param("id"))
	if _, err := h.sessions.GetByID(c.Request.Context(), sessionID); err != nil {
		h.respondError(c, err)
		return
	}

	ttl := h.defaultReadTTL
	if req.ExpiresIn > 0 {
		ttl = time.Duration(req.ExpiresIn) * time.Second
	}

	readURL, expiresAt, err := h.signer.SignedURL(sessionID, req.Path, "get", ttl)
	if err != nil {
		h.logger.Errorw("failed to sign read url",
			"session_id", sessionID,
			"path", req.Path,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue credential"})
		return
	}

	c.JSON(http.StatusOK, ports.ReadCredential{ReadURL: readURL, ExpiresAt: expiresAt})
}

// WriteManifest stores the authoritative manifest, materializes its segment
// rows and marks the session completed.
func (h *SessionHandler) WriteManifest(c *gin.Context) {
	var manifest domain.Manifest
	if err := c.BindJSON(&manifest); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sessionID := domain.SessionID(c.Param("id"))
	manifest.SessionID = sessionID
	manifest.Recovered = false
	if manifest.TotalParts <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "total_parts must be > 0"})
		return
	}

	session, err := h.sessions.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if err := h.sessions.WriteManifest(c.Request.Context(), &manifest); err != nil {
		if errors.Is(err, domain.ErrManifestExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "manifest already written"})
			return
		}
		h.respondError(c, err)
		return
	}

	session.Status = domain.SessionCompleted
	if err := h.sessions.Update(c.Request.Context(), session); err != nil {
		h.logger.Errorw("failed to mark session completed",
			"session_id", sessionID,
			"error", err,
		)
	}

	h.logger.Infow("manifest accepted",
		"session_id", sessionID,
		"total_parts", manifest.TotalParts,
		"total_bytes", manifest.TotalBytes,
	)

	c.JSON(http.StatusOK, ports.ManifestReceipt{
		Accepted:            true,
		DerivedSegmentCount: manifest.TotalParts,
	})
}

// GetManifest returns the stored manifest, synthesizing a recovered one from
// the segment objects on disk when the authoritative manifest never arrived.
func (h *SessionHandler) GetManifest(c *gin.Context) {
	sessionID := domain.SessionID(c.Param("id"))

	manifest, err := h.sessions.GetManifest(c.Request.Context(), sessionID)
	if err == nil {
		c.JSON(http.StatusOK, manifest)
		return
	}
	if !errors.Is(err, domain.ErrManifestNotFound) {
		h.respondError(c, err)
		return
	}

	count, bytes, err := h.store.CountObjects(domain.SessionPrefix(sessionID))
	if err != nil || count == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "manifest not found"})
		return
	}

	recovered := domain.RecoverManifest(sessionID, recoveredContainer, recoveredCodec, count, bytes)
	if err := h.sessions.WriteManifest(c.Request.Context(), recovered); err != nil && !errors.Is(err, domain.ErrManifestExists) {
		h.logger.Warnw("failed to store recovered manifest",
			"session_id", sessionID,
			"error", err,
		)
	}

	h.logger.Warnw("serving recovered manifest",
		"session_id", sessionID,
		"total_parts", count,
	)
	c.JSON(http.StatusOK, recovered)
}

func (h *SessionHandler) PutObject(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	if _, err := h.signer.Verify(c.Query("token"), path, "put"); err != nil {
		h.respondError(c, err)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxObjectSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	if len(payload) > maxObjectSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "object too large"})
		return
	}

	if err := h.store.Put(path, payload); err != nil {
		h.logger.Errorw("failed to store object", "path", path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store object"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stored": len(payload)})
}

func (h *SessionHandler) GetObject(c *gin.Context) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	if _, err := h.signer.Verify(c.Query("token"), path, "get"); err != nil {
		h.respondError(c, err)
		return
	}

	payload, err := h.store.Get(path)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.Data(http.StatusOK, "application/octet-stream", payload)
}

func (h *SessionHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (h *SessionHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrManifestNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, domain.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
	case errors.Is(err, domain.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "token does not grant this access"})
	default:
		h.logger.Errorw("request failed",
			"path", c.Request.URL.Path,
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
