package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/auth"
	"github.com/PeeBee66/chittychattychat/internal/models"
	"github.com/PeeBee66/chittychattychat/internal/names"
	"github.com/PeeBee66/chittychattychat/internal/room"
	"github.com/PeeBee66/chittychattychat/internal/service/attachment"
	"github.com/PeeBee66/chittychattychat/internal/storage"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
	healthTimeout       = 2 * time.Second
)

// Pinger is a dependency checked by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services the HTTP surface is built on. Relay, Objects and
// Redis are optional.
type Deps struct {
	Rooms       *room.Manager
	Store       *storage.Store
	Auth        *auth.Service
	Attachments *attachment.Service
	Relay       http.Handler
	Objects     http.Handler
	Redis       Pinger
}

// Handler wires HTTP routes to the room engine.
type Handler struct {
	rooms       *room.Manager
	store       *storage.Store
	auth        *auth.Service
	attachments *attachment.Service
	relay       http.Handler
	objects     http.Handler
	redis       Pinger
}

// NewHandler constructs a Handler instance.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		rooms:       deps.Rooms,
		store:       deps.Store,
		auth:        deps.Auth,
		attachments: deps.Attachments,
		relay:       deps.Relay,
		objects:     deps.Objects,
		redis:       deps.Redis,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	api.GET("/health", h.health)

	device := api.Group("")
	device.Use(h.auth.DeviceMiddleware(), h.auth.CSRFMiddleware())
	device.POST("/rooms", h.createRoom)
	device.POST("/rooms/:id/join", h.joinRoom)
	device.POST("/rooms/:id/resume", h.resumeRoom)

	authed := api.Group("")
	authed.Use(h.auth.Middleware())
	authed.POST("/rooms/:id/accept", h.acceptRoom)
	authed.POST("/rooms/:id/destroy", h.destroyRoom)
	authed.GET("/rooms/:id", h.roomInfo)
	authed.GET("/rooms/:id/messages", h.roomMessages)
	authed.GET("/rooms/:id/names", h.nameSuggestions)
	authed.POST("/uploads/init", h.initUpload)
	authed.POST("/uploads/complete", h.completeUpload)
	authed.GET("/uploads/:id/url", h.uploadURL)

	if h.relay != nil {
		api.GET("/ws", gin.WrapH(h.relay))
	}
	if h.objects != nil {
		router.Any("/objects/*path", gin.WrapH(h.objects))
	}
}

// writeError maps domain errors to {"error", "code"} with the status of the
// error kind. Anything untyped is logged and hidden behind a 500.
func writeError(c *gin.Context, err error) {
	code := apperr.CodeOf(err)
	if code == apperr.CodeUnknown {
		slog.Error("api: request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
	}
	c.JSON(code.HTTPStatus(), gin.H{"error": apperr.Message(err), "code": code})
}

func badRequest(c *gin.Context, message string) {
	writeError(c, apperr.New(apperr.CodeInvalidArgument, message))
}

// credentialFor returns the request credential after checking it is scoped to
// the :id room.
func (h *Handler) credentialFor(c *gin.Context) (*auth.Credential, bool) {
	cred, ok := auth.CredentialFromContext(c)
	if !ok {
		writeError(c, apperr.New(apperr.CodeCredentialInvalid, "credential required"))
		return nil, false
	}
	if id := c.Param("id"); id != "" && id != cred.RoomID {
		writeError(c, apperr.New(apperr.CodeCredentialScope, "credential is not scoped to this room"))
		return nil, false
	}
	return cred, true
}

func deviceFor(c *gin.Context) (string, bool) {
	deviceID, ok := auth.DeviceIDFromContext(c)
	if !ok {
		badRequest(c, "device id required")
		return "", false
	}
	return deviceID, true
}

type grantResponse struct {
	Room            *models.Room        `json:"room"`
	Participant     *models.Participant `json:"participant"`
	Credential      string              `json:"credential"`
	RoomKey         []byte              `json:"room_key"`
	NameSuggestions []string            `json:"name_suggestions"`
}

func newGrantResponse(g *room.Grant) grantResponse {
	return grantResponse{
		Room:            g.Room,
		Participant:     g.Participant,
		Credential:      g.Credential,
		RoomKey:         g.RoomKey,
		NameSuggestions: names.Suggest(g.Room.ID, g.Participant.ID),
	}
}

type createRoomRequest struct {
	RoomID string `json:"room_id"`
}

func (h *Handler) createRoom(c *gin.Context) {
	deviceID, ok := deviceFor(c)
	if !ok {
		return
	}
	var req createRoomRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	created, err := h.rooms.Create(c.Request.Context(), room.CreateRequest{
		RoomID:   strings.TrimSpace(req.RoomID),
		DeviceID: deviceID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"room":            created.Room,
		"host_credential": created.HostCredential,
	})
}

func (h *Handler) acceptRoom(c *gin.Context) {
	cred, ok := h.credentialFor(c)
	if !ok {
		return
	}
	grant, err := h.rooms.Accept(c.Request.Context(), c.Param("id"), cred, c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newGrantResponse(grant))
}

func (h *Handler) joinRoom(c *gin.Context) {
	deviceID, ok := deviceFor(c)
	if !ok {
		return
	}
	grant, err := h.rooms.Join(c.Request.Context(), c.Param("id"), deviceID, c.ClientIP())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newGrantResponse(grant))
}

type resumeRequest struct {
	Role models.Role `json:"role"`
}

func (h *Handler) resumeRoom(c *gin.Context) {
	deviceID, ok := deviceFor(c)
	if !ok {
		return
	}
	var req resumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	grant, err := h.rooms.Resume(c.Request.Context(), c.Param("id"), req.Role, deviceID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newGrantResponse(grant))
}

func (h *Handler) destroyRoom(c *gin.Context) {
	cred, ok := h.credentialFor(c)
	if !ok {
		return
	}
	closed, err := h.rooms.Destroy(c.Request.Context(), c.Param("id"), cred)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": closed})
}

func (h *Handler) roomInfo(c *gin.Context) {
	cred, ok := h.credentialFor(c)
	if !ok {
		return
	}
	if _, _, err := h.rooms.Authorize(c.Request.Context(), cred); err != nil {
		writeError(c, err)
		return
	}
	info, participants, err := h.rooms.Info(c.Request.Context(), cred.RoomID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room":         info,
		"participants": participants,
		"seconds_left": int64(info.TimeLeft(h.rooms.Now()) / time.Second),
	})
}

func (h *Handler) roomMessages(c *gin.Context) {
	cred, ok := h.credentialFor(c)
	if !ok {
		return
	}
	afterID, err := queryInt(c, "after", 0)
	if err != nil || afterID < 0 {
		badRequest(c, "invalid after")
		return
	}
	limit, err := queryInt(c, "limit", defaultHistoryLimit)
	if err != nil || limit <= 0 {
		badRequest(c, "invalid limit")
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if _, _, err := h.rooms.Authorize(c.Request.Context(), cred); err != nil {
		writeError(c, err)
		return
	}
	messages, err := h.store.ListMessages(c.Request.Context(), cred.RoomID, afterID, int(limit))
	if err != nil {
		writeError(c, err)
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func queryInt(c *gin.Context, name string, fallback int64) (int64, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (h *Handler) nameSuggestions(c *gin.Context) {
	cred, ok := h.credentialFor(c)
	if !ok {
		return
	}
	_, p, err := h.rooms.Authorize(c.Request.Context(), cred)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"names": names.Suggest(p.RoomID, p.ID)})
}

type initUploadRequest struct {
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

func (h *Handler) initUpload(c *gin.Context) {
	cred, ok := h.credentialFor(c)
	if !ok {
		return
	}
	var req initUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	upload, err := h.attachments.Init(c.Request.Context(), cred, req.MimeType, req.Size)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"attachment_id": upload.Attachment.ID,
		"upload_url":    upload.UploadURL,
		"expires_at":    upload.ExpiresAt,
		"mime_type":     upload.Attachment.MimeType,
		"size":          upload.Attachment.SizeBytes,
	})
}

type completeUploadRequest struct {
	AttachmentID string `json:"attachment_id"`
}

func (h *Handler) completeUpload(c *gin.Context) {
	cred, ok := h.credentialFor(c)
	if !ok {
		return
	}
	var req completeUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.AttachmentID) == "" {
		badRequest(c, "attachment_id is required")
		return
	}
	a, err := h.attachments.Complete(c.Request.Context(), cred, strings.TrimSpace(req.AttachmentID))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attachment": a})
}

func (h *Handler) uploadURL(c *gin.Context) {
	cred, ok := auth.CredentialFromContext(c)
	if !ok {
		writeError(c, apperr.New(apperr.CodeCredentialInvalid, "credential required"))
		return
	}
	url, expiresAt, err := h.attachments.DownloadURL(c.Request.Context(), cred, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "expires_at": expiresAt})
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()
	status := gin.H{"database": "ok"}
	healthy := true
	if err := h.store.Ping(ctx); err != nil {
		slog.Warn("api: database health check failed", "err", err)
		status["database"] = "unavailable"
		healthy = false
	}
	if h.redis != nil {
		status["redis"] = "ok"
		if err := h.redis.Ping(ctx); err != nil {
			slog.Warn("api: redis health check failed", "err", err)
			status["redis"] = "unavailable"
			healthy = false
		}
	}
	if !healthy {
		status["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	status["status"] = "ok"
	c.JSON(http.StatusOK, status)
}
