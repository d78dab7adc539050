package handlers

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"privacycam-go/config"
	"privacycam-go/internal/api/middleware"
	"privacycam-go/internal/core/pipeline"
	"privacycam-go/internal/core/policy"
	"privacycam-go/internal/core/store"
	"privacycam-go/internal/integrations/facedetect"
	"privacycam-go/internal/server/sse"
	"privacycam-go/internal/services/captures"
	"privacycam-go/internal/settings"
	"privacycam-go/internal/utils"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// APIHandler bundles the HTTP surface of the privacy camera.
type APIHandler struct {
	cfg       *config.Config
	store     *store.Store
	session   *pipeline.Session
	settings  *settings.Service
	captures  *captures.Service
	providers *facedetect.Manager
	hub       *sse.Hub
	startedAt time.Time
}

// NewAPIHandler creates the handler with its collaborators.
func NewAPIHandler(cfg *config.Config, st *store.Store, session *pipeline.Session, set *settings.Service, caps *captures.Service, providers *facedetect.Manager, hub *sse.Hub) *APIHandler {
	return &APIHandler{
		cfg:       cfg,
		store:     st,
		session:   session,
		settings:  set,
		captures:  caps,
		providers: providers,
		hub:       hub,
		startedAt: time.Now(),
	}
}

// RegisterRoutes mounts all API routes.
func (h *APIHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/events", h.handleEvents)

	api := router.Group("/api")
	{
		api.POST("/session", h.handleLogin)
		api.DELETE("/session", h.handleLogout)

		api.GET("/status", h.handleStatus)
		api.GET("/settings", h.handleGetSettings)

		// Camera, capture and enrollment operations are owner-scoped: an
		// authenticated wallet is a precondition, not a courtesy.
		protected := api.Group("")
		protected.Use(middleware.RequirePrincipal())
		{
			protected.POST("/camera/open", h.handleCameraOpen)
			protected.POST("/camera/close", h.handleCameraClose)
			protected.POST("/frames/process", h.handleProcessFrame)

			protected.POST("/captures", h.handleCreateCapture)
			protected.POST("/captures/:id/paid", h.handleCapturePaid)

			protected.PUT("/settings", h.handleUpdateSettings)
			protected.POST("/enroll", h.handleEnroll)
			protected.GET("/identities", h.handleListIdentities)
			protected.DELETE("/identities/:id", h.handleDeleteIdentity)
			protected.POST("/identities/:id/descriptors", h.handleAppendDescriptor)
		}
	}
}

// --- Session / auth ---

type loginRequest struct {
	WalletAddress string `json:"walletAddress" binding:"required"`
}

// handleLogin binds a wallet address to the browser session. Signature
// verification happens in the wallet layer upstream; the camera only scopes
// data to the address.
func (h *APIHandler) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "walletAddress is required"})
		return
	}

	addr := strings.TrimSpace(req.WalletAddress)
	if addr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "walletAddress is required"})
		return
	}

	session := sessions.Default(c)
	session.Set("wallet_address", addr)
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist session"})
		return
	}

	log.WithField("wallet", addr).Info("Wallet session established")
	c.JSON(http.StatusOK, gin.H{"walletAddress": addr})
}

func (h *APIHandler) handleLogout(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear session"})
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Camera session ---

func (h *APIHandler) handleCameraOpen(c *gin.Context) {
	t := middleware.Tr(c)

	if err := h.session.Open(c.Request.Context()); err != nil {
		if errors.Is(err, pipeline.ErrModelUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": t("camera.model_unavailable"),
				"state": h.session.State(),
			})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": h.session.State()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": h.session.ID(),
		"state":      h.session.State(),
	})
}

func (h *APIHandler) handleCameraClose(c *gin.Context) {
	h.session.Close()
	c.JSON(http.StatusOK, gin.H{"state": h.session.State()})
}

// --- Frames ---

// handleProcessFrame runs one synchronous detection cycle over an uploaded
// frame and returns the per-face decisions.
func (h *APIHandler) handleProcessFrame(c *gin.Context) {
	t := middleware.Tr(c)

	img, err := h.readFrame(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	frame := pipeline.Frame{
		Image:     img,
		CaptureID: c.Query("capture_id"),
		Received:  time.Now(),
	}

	faces, err := h.session.ProcessFrame(c.Request.Context(), frame)
	if err != nil {
		if errors.Is(err, pipeline.ErrSessionNotReady) || errors.Is(err, pipeline.ErrSessionClosed) {
			c.JSON(http.StatusConflict, gin.H{"error": t("camera.not_ready"), "state": h.session.State()})
			return
		}
		log.WithError(err).Warn("Frame processing failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": t("camera.detection_failed")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"faces": faces})
}

// --- Enrollment / identities ---

// handleEnroll enrolls the single face in the uploaded frame under the
// authenticated wallet.
func (h *APIHandler) handleEnroll(c *gin.Context) {
	t := middleware.Tr(c)

	name := strings.TrimSpace(c.PostForm("name"))
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": t("enroll.name_required")})
		return
	}

	img, err := h.readFrame(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	owner := middleware.Principal(c)
	identityID, err := h.session.EnrollFromFrame(c.Request.Context(), owner, name, img)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrNoFaceDetected):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": t("enroll.no_face")})
		case errors.Is(err, pipeline.ErrMultipleFacesDetected):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": t("enroll.multiple_faces")})
		case errors.Is(err, pipeline.ErrSessionNotReady):
			c.JSON(http.StatusConflict, gin.H{"error": t("camera.not_ready")})
		case errors.Is(err, store.ErrInvalidDescriptor):
			c.JSON(http.StatusBadGateway, gin.H{"error": t("enroll.bad_descriptor")})
		default:
			log.WithError(err).Error("Enrollment failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": t("enroll.failed")})
		}
		return
	}

	log.WithFields(log.Fields{"identity_id": identityID, "name": name, "owner": owner}).Info("Enrolled new identity")
	c.JSON(http.StatusCreated, gin.H{"id": identityID, "name": name})
}

type identityResponse struct {
	ID          uint      `json:"id"`
	Name        string    `json:"name"`
	Owner       string    `json:"owner"`
	Descriptors int       `json:"descriptors"`
	EnrolledAt  time.Time `json:"enrolled_at"`
}

func (h *APIHandler) handleListIdentities(c *gin.Context) {
	identities, err := h.store.Identities()
	if err != nil {
		log.WithError(err).Error("Failed to list identities")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list identities"})
		return
	}

	owner := middleware.Principal(c)
	out := make([]identityResponse, 0, len(identities))
	for _, identity := range identities {
		if identity.Owner != owner {
			continue
		}
		out = append(out, identityResponse{
			ID:          identity.ID,
			Name:        identity.Name,
			Owner:       identity.Owner,
			Descriptors: len(identity.Descriptors),
			EnrolledAt:  identity.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"identities": out})
}

func (h *APIHandler) handleDeleteIdentity(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid identity id"})
		return
	}

	if !h.ownsIdentity(c, uint(id)) {
		return
	}

	if err := h.store.Remove(uint(id)); err != nil {
		if errors.Is(err, store.ErrIdentityNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
			return
		}
		log.WithError(err).Error("Failed to delete identity")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete identity"})
		return
	}

	c.Status(http.StatusNoContent)
}

// ownsIdentity checks that the identity exists and belongs to the caller.
// Foreign identities read as not found, matching the list behavior: one
// wallet must not learn about, delete, or extend another wallet's
// enrollments.
func (h *APIHandler) ownsIdentity(c *gin.Context, identityID uint) bool {
	identity, err := h.store.Get(identityID)
	if err != nil {
		if errors.Is(err, store.ErrIdentityNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
			return false
		}
		log.WithError(err).Error("Failed to load identity")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load identity"})
		return false
	}
	if identity.Owner != middleware.Principal(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
		return false
	}
	return true
}

// handleAppendDescriptor adds another capture of an enrolled person.
func (h *APIHandler) handleAppendDescriptor(c *gin.Context) {
	t := middleware.Tr(c)

	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid identity id"})
		return
	}

	if !h.ownsIdentity(c, uint(id)) {
		return
	}

	img, err := h.readFrame(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.session.AppendFromFrame(c.Request.Context(), uint(id), img); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrNoFaceDetected):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": t("enroll.no_face")})
		case errors.Is(err, pipeline.ErrMultipleFacesDetected):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": t("enroll.multiple_faces")})
		case errors.Is(err, store.ErrIdentityNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
		case errors.Is(err, pipeline.ErrSessionNotReady):
			c.JSON(http.StatusConflict, gin.H{"error": t("camera.not_ready")})
		default:
			log.WithError(err).Error("Failed to append descriptor")
			c.JSON(http.StatusInternalServerError, gin.H{"error": t("enroll.failed")})
		}
		return
	}

	c.Status(http.StatusNoContent)
}

// --- Settings ---

func (h *APIHandler) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"settings": h.settings.Current(),
		"loaded":   h.settings.Loaded(),
	})
}

type updateSettingsRequest struct {
	AutoBlur          *bool  `json:"autoBlur"`
	RequirePayment    *bool  `json:"requirePayment"`
	Price             string `json:"price"`
	PrivacyLevel      string `json:"privacyLevel"`
	AllowDataSharing  *bool  `json:"allowDataSharing"`
	DataRetentionDays *int   `json:"dataRetentionDays"`
}

// handleUpdateSettings pushes a coerced configuration to the collaborator.
// The local cache updates immediately, flagged pending until the next
// refresh confirms it.
func (h *APIHandler) handleUpdateSettings(c *gin.Context) {
	t := middleware.Tr(c)

	var req updateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings payload"})
		return
	}

	cfg := h.settings.Current()
	if req.AutoBlur != nil {
		cfg.AutoBlur = *req.AutoBlur
	}
	if req.RequirePayment != nil {
		cfg.RequirePayment = *req.RequirePayment
	}
	if req.Price != "" {
		cfg.Price = policy.CoercePrice(req.Price)
	}
	if req.PrivacyLevel != "" {
		cfg.PrivacyLevel = policy.CoercePrivacyLevel(req.PrivacyLevel)
	}
	if req.AllowDataSharing != nil {
		cfg.AllowDataSharing = *req.AllowDataSharing
	}
	if req.DataRetentionDays != nil {
		cfg.DataRetentionDays = policy.CoerceRetentionDays(strconv.Itoa(*req.DataRetentionDays))
	}

	if err := h.settings.Push(c.Request.Context(), cfg); err != nil {
		log.WithError(err).Warn("Settings update rejected by collaborator")
		c.JSON(http.StatusBadGateway, gin.H{"error": t("settings.update_failed")})
		return
	}

	c.JSON(http.StatusOK, gin.H{"settings": h.settings.Current()})
}

// --- Captures ---

// handleCreateCapture registers a capture event and spools the optional frame.
func (h *APIHandler) handleCreateCapture(c *gin.Context) {
	kind := c.DefaultPostForm("kind", "photo")
	owner := middleware.Principal(c)

	var filePath string
	if file, err := c.FormFile("image"); err == nil {
		filePath = filepath.Join(h.cfg.Server.CaptureDir, uuid.NewString()+filepath.Ext(file.Filename))
		if err := c.SaveUploadedFile(file, filePath); err != nil {
			log.WithError(err).Error("Failed to spool capture file")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store capture"})
			return
		}
	}

	capture, err := h.captures.Create(owner, kind, filePath)
	if err != nil {
		if filePath != "" {
			os.Remove(filePath)
		}
		log.WithError(err).Error("Failed to create capture")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create capture"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"capture_id": capture.CaptureID,
		"paid":       capture.Paid,
	})
}

// handleCapturePaid records a confirmed payment for a capture event. The
// next frame carrying this capture id is no longer payment-gated.
func (h *APIHandler) handleCapturePaid(c *gin.Context) {
	captureID := c.Param("id")

	if err := h.captures.MarkPaid(captureID); err != nil {
		if errors.Is(err, captures.ErrCaptureNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "capture not found"})
			return
		}
		log.WithError(err).Error("Failed to mark capture paid")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update capture"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"capture_id": captureID, "paid": true})
}

// --- Status ---

func (h *APIHandler) handleStatus(c *gin.Context) {
	gallery := h.store.Snapshot()

	status := gin.H{
		"state":           h.session.State(),
		"session_id":      h.session.ID(),
		"uptime_seconds":  int(time.Since(h.startedAt).Seconds()),
		"gallery_size":    len(gallery.Entries),
		"model_version":   gallery.ModelVersion,
		"settings_loaded": h.settings.Loaded(),
		"providers":       h.providers.Available(c.Request.Context()),
		"system":          utils.CollectSystemStats(),
	}
	if err := h.session.LastError(); err != nil {
		status["last_error"] = err.Error()
	}

	c.JSON(http.StatusOK, status)
}

// --- SSE ---

// handleEvents streams frame decisions to the render layer.
func (h *APIHandler) handleEvents(c *gin.Context) {
	client := make(sse.Client, 16)
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			c.Writer.Flush()
		case msg, ok := <-client:
			if !ok {
				return
			}
			fmt.Fprintf(c.Writer, "event: frame_decisions\ndata: %s\n\n", msg)
			c.Writer.Flush()
		}
	}
}

// --- Helpers ---

// readFrame extracts a frame image from a multipart upload ("image" field) or
// a base64 "image" form value.
func (h *APIHandler) readFrame(c *gin.Context) (image.Image, error) {
	if file, err := c.FormFile("image"); err == nil {
		f, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open uploaded frame: %w", err)
		}
		defer f.Close()

		img, _, err := image.Decode(f)
		if err != nil {
			return nil, fmt.Errorf("failed to decode uploaded frame: %w", err)
		}
		return img, nil
	}

	if encoded := c.PostForm("image"); encoded != "" {
		// Data URLs arrive with a media type prefix; strip it before decoding.
		if idx := strings.Index(encoded, ","); idx != -1 && strings.HasPrefix(encoded, "data:") {
			encoded = encoded[idx+1:]
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 frame: %w", err)
		}
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode frame: %w", err)
		}
		return img, nil
	}

	return nil, fmt.Errorf("no frame provided")
}
