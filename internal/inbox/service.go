package inbox

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kestrel-lab/project-kestrel/internal/core/consent"
	httperr "github.com/kestrel-lab/project-kestrel/internal/core/errors"
	"github.com/kestrel-lab/project-kestrel/internal/core/storage"
)

// Service exposes the inbox synchronizer to the host application.
type Service struct {
	manager *Manager
}

func NewService(manager *Manager) *Service {
	if manager == nil {
		panic("inbox: manager must not be nil")
	}
	return &Service{manager: manager}
}

// RegisterRoutes registers the inbox service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.GET("/v1/inbox", s.FetchHandler)
	r.POST("/v1/inbox/read", s.MarkReadHandler)
	r.POST("/v1/inbox/:id/opened", s.TrackOpenedHandler)
	r.POST("/v1/inbox/:id/click", s.TrackClickHandler)
	r.DELETE("/v1/inbox", s.ClearHandler)
}

// FetchHandler syncs the next page from the collector and returns the
// merged cache for the current customer.
func (s *Service) FetchHandler(c *gin.Context) {
	messages, err := s.manager.Fetch(c.Request.Context())
	if err != nil {
		slog.Error("Inbox fetch failed", "error", err)
		c.JSON(http.StatusBadGateway, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "inbox fetch failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

type markReadRequest struct {
	MessageIDs []string `json:"message_ids" binding:"required"`
}

// MarkReadHandler flips read state locally and mirrors it best-effort.
func (s *Service) MarkReadHandler(c *gin.Context) {
	var req markReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidJsonError,
			Message:   "Invalid JSON body",
		})
		return
	}

	if err := s.manager.MarkRead(c.Request.Context(), req.MessageIDs); err != nil {
		slog.Error("Inbox mark-read failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, httperr.ErrorResponse{
			ErrorType: httperr.HttpStorageError,
			Message:   "failed to update read state",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type inboxActionRequest struct {
	ButtonText    string `json:"button_text"`
	ButtonLink    string `json:"button_link"`
	IgnoreConsent bool   `json:"ignore_consent"`
}

// TrackOpenedHandler tracks an inbox open interaction.
func (s *Service) TrackOpenedHandler(c *gin.Context) {
	var req inboxActionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
				ErrorType: httperr.HttpInvalidJsonError,
				Message:   "Invalid JSON body",
			})
			return
		}
	}

	err := s.manager.TrackOpened(c.Request.Context(), c.Param("id"), mode(req.IgnoreConsent))
	s.writeActionResult(c, err)
}

// TrackClickHandler tracks an inbox action-button click.
func (s *Service) TrackClickHandler(c *gin.Context) {
	var req inboxActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidJsonError,
			Message:   "Invalid JSON body",
		})
		return
	}

	err := s.manager.TrackClick(c.Request.Context(), c.Param("id"), req.ButtonText, req.ButtonLink, mode(req.IgnoreConsent))
	s.writeActionResult(c, err)
}

// ClearHandler evicts the local cache.
func (s *Service) ClearHandler(c *gin.Context) {
	if err := s.manager.Clear(c.Request.Context()); err != nil {
		slog.Error("Inbox clear failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, httperr.ErrorResponse{
			ErrorType: httperr.HttpStorageError,
			Message:   "failed to clear inbox cache",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Service) writeActionResult(c *gin.Context, err error) {
	if err == nil {
		// Suppressed orphan interactions land here too: the call
		// succeeded, it just produced no event.
		c.JSON(http.StatusAccepted, gin.H{"status": "ok"})
		return
	}
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, httperr.ErrorResponse{
			ErrorType: httperr.HttpUnknownMessageError,
			Message:   "inbox message not found",
		})
		return
	}
	slog.Error("Inbox interaction tracking failed", "error", err)
	c.JSON(http.StatusServiceUnavailable, httperr.ErrorResponse{
		ErrorType: httperr.HttpStorageError,
		Message:   err.Error(),
	})
}

func mode(ignore bool) consent.Mode {
	if ignore {
		return consent.ModeIgnoreConsent
	}
	return consent.ModeWithConsent
}
