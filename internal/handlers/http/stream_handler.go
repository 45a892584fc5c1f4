package http

import (
	"errors"
	"io"
	"net/http"

	"rillcast/internal/core/domain"
	"rillcast/internal/core/ports"
	"rillcast/internal/infrastructure/streaming"
	apperrors "rillcast/pkg/errors"
	"rillcast/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PlaylistStatusSource reports the live playlist of a room.
type PlaylistStatusSource interface {
	Status(roomID domain.RoomID) (streaming.PlaylistStatus, bool)
}

type StreamHandler struct {
	controller ports.StreamController
	publishers ports.PublisherService
	routers    ports.RouterProvider
	sessions   ports.SessionRepository
	playlists  PlaylistStatusSource
	logger     *zap.SugaredLogger
}

var _ ports.HTTPHandler = (*StreamHandler)(nil)

func NewStreamHandler(
	controller ports.StreamController,
	publishers ports.PublisherService,
	routers ports.RouterProvider,
	logger *zap.SugaredLogger,
) *StreamHandler {
	return &StreamHandler{
		controller: controller,
		publishers: publishers,
		routers:    routers,
		logger:     logger,
	}
}

// SetSessionRepository lets GetStream report sessions that already ended.
func (h *StreamHandler) SetSessionRepository(repo ports.SessionRepository) { h.sessions = repo }

func (h *StreamHandler) SetPlaylistStatus(src PlaylistStatusSource) { h.playlists = src }

// SetupRoutes registers the control routes. operator and publisher guard the
// routes that change a room; either may be nil.
func (h *StreamHandler) SetupRoutes(router gin.IRouter, operator, publisher gin.HandlerFunc) {
	api := router.Group("/api/v1")
	{
		api.GET("/streams", h.ListStreams)
		api.GET("/rooms/:id/stream", h.GetStream)
		api.GET("/rooms/:id/playback", h.GetPlayback)
		api.GET("/rooms/:id/tracks", h.ListTracks)

		api.POST("/rooms/:id/stream", guarded(operator, h.StartStream)...)
		api.DELETE("/rooms/:id/stream", guarded(operator, h.StopStream)...)

		api.POST("/rooms/:id/publish", guarded(publisher, h.Publish)...)
		api.DELETE("/rooms/:id/participants/:participant", guarded(publisher, h.RemoveParticipant)...)
	}
}

func guarded(guard, handler gin.HandlerFunc) []gin.HandlerFunc {
	if guard == nil {
		return []gin.HandlerFunc{handler}
	}
	return []gin.HandlerFunc{guard, handler}
}

func roomParam(c *gin.Context) (domain.RoomID, bool) {
	id := c.Param("id")
	if err := validation.ValidateRoomID(id); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.RoomID(id), true
}

// StartStream starts or replaces the room's composition. The body may list
// track ids; without one every track of the room is composed.
func (h *StreamHandler) StartStream(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}

	var req struct {
		TrackIDs []string `json:"track_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		_ = c.Error(apperrors.NewInvalidInputError("malformed request body"))
		return
	}

	refs := make([]domain.TrackRef, 0, len(req.TrackIDs))
	for _, id := range req.TrackIDs {
		if err := validation.ValidateTrackID(id); err != nil {
			_ = c.Error(apperrors.NewInvalidInputError(err.Error()).WithContext("track_id", id))
			return
		}
		refs = append(refs, domain.TrackRefByID(domain.TrackID(id)))
	}

	playbackURL, err := h.controller.StartOrReplace(c.Request.Context(), roomID, refs)
	if err != nil {
		_ = c.Error(err)
		return
	}

	body := gin.H{
		"room_id":      roomID,
		"playback_url": playbackURL,
	}
	if record, ok := h.activeSession(roomID); ok {
		body["session"] = record
	}
	c.JSON(http.StatusCreated, body)
}

func (h *StreamHandler) StopStream(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	if err := h.controller.Stop(c.Request.Context(), roomID); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetStream reports whether the room is streaming, its session and the
// state of its playlist. Ended sessions are served from the repository.
func (h *StreamHandler) GetStream(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}

	body := gin.H{
		"room_id":      roomID,
		"streaming":    h.controller.Status(roomID),
		"playback_url": h.controller.PlaybackURL(roomID),
	}

	if record, ok := h.activeSession(roomID); ok {
		body["session"] = record
	} else if h.sessions != nil {
		record, err := h.sessions.Get(c.Request.Context(), roomID)
		switch {
		case err == nil:
			body["session"] = record
		case !errors.Is(err, domain.ErrSessionNotFound):
			h.logger.Warnw("failed to load session record",
				"room_id", roomID,
				"error", err,
			)
		}
	}

	if h.playlists != nil {
		if status, ok := h.playlists.Status(roomID); ok {
			body["playlist"] = status
		}
	}

	c.JSON(http.StatusOK, body)
}

// GetPlayback returns the room's playback URL. The URL is stable whether or
// not the room is streaming.
func (h *StreamHandler) GetPlayback(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}

	ready := false
	if h.playlists != nil {
		if status, ok := h.playlists.Status(roomID); ok {
			ready = status.Ready
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id":      roomID,
		"playback_url": h.controller.PlaybackURL(roomID),
		"streaming":    h.controller.Status(roomID),
		"ready":        ready,
	})
}

func (h *StreamHandler) ListStreams(c *gin.Context) {
	sessions := h.controller.Sessions()
	c.JSON(http.StatusOK, gin.H{
		"streams": sessions,
		"count":   len(sessions),
	})
}

func (h *StreamHandler) ListTracks(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	router, err := h.routers.Router(roomID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"room_id": roomID,
		"tracks":  router.Tracks(),
	})
}

// Publish answers a participant's SDP offer. Tracks the participant sends
// become available to compositions of the room.
func (h *StreamHandler) Publish(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}

	var req struct {
		ParticipantID string                    `json:"participant_id" binding:"required"`
		Offer         webrtc.SessionDescription `json:"offer"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("participant_id and offer are required"))
		return
	}
	if err := validation.ValidateParticipantID(req.ParticipantID); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if req.Offer.Type != webrtc.SDPTypeOffer || req.Offer.SDP == "" {
		_ = c.Error(apperrors.NewInvalidInputError("offer must be an SDP offer"))
		return
	}

	answer, err := h.publishers.HandlePublisherOffer(c.Request.Context(), roomID, domain.ParticipantID(req.ParticipantID), req.Offer)
	if err != nil {
		h.logger.Warnw("publisher negotiation failed",
			"room_id", roomID,
			"participant_id", req.ParticipantID,
			"error", err,
		)
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "could not negotiate offer", http.StatusBadRequest))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room_id":        roomID,
		"participant_id": req.ParticipantID,
		"answer":         answer,
	})
}

func (h *StreamHandler) RemoveParticipant(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}
	participantID := c.Param("participant")
	if err := validation.ValidateParticipantID(participantID); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := h.publishers.RemoveParticipant(c.Request.Context(), roomID, domain.ParticipantID(participantID)); err != nil {
		_ = c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *StreamHandler) activeSession(roomID domain.RoomID) (domain.SessionRecord, bool) {
	for _, record := range h.controller.Sessions() {
		if record.RoomID == roomID {
			return record, true
		}
	}
	return domain.SessionRecord{}, false
}
