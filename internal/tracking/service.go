package tracking

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	v1 "github.com/kestrel-lab/project-kestrel/internal/api/v1"
	"github.com/kestrel-lab/project-kestrel/internal/core/consent"
	httperr "github.com/kestrel-lab/project-kestrel/internal/core/errors"
	"github.com/kestrel-lab/project-kestrel/internal/core/storage"
	"github.com/shopspring/decimal"
)

// QueueFlusher is the explicit-flush side of the flushing manager, used by
// the manual flush endpoint.
type QueueFlusher interface {
	FlushAll(ctx context.Context)
}

// Service exposes the tracking façade to the host application over the
// local API.
type Service struct {
	manager          *Manager
	flusher          QueueFlusher
	store            storage.EventStore
	maxBodySizeBytes int64
}

func NewService(manager *Manager, flusher QueueFlusher, store storage.EventStore, maxBodySizeMB int) *Service {
	if manager == nil {
		panic("tracking: manager must not be nil")
	}
	if flusher == nil {
		panic("tracking: flusher must not be nil")
	}
	if store == nil {
		panic("tracking: store must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1 // default to 1MB
	}
	return &Service{
		manager:          manager,
		flusher:          flusher,
		store:            store,
		maxBodySizeBytes: int64(maxBodySizeMB) * 1024 * 1024,
	}
}

// RegisterRoutes registers the tracking service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/track", s.TrackHandler)
	r.POST("/v1/identify", s.IdentifyHandler)
	r.POST("/v1/anonymize", s.AnonymizeHandler)
	r.POST("/v1/flush", s.FlushHandler)
	r.GET("/v1/queue", s.QueueHandler)

	// Semantic helpers with fixed property schemas.
	r.POST("/v1/sessions/start", s.SessionStartHandler)
	r.POST("/v1/sessions/end", s.SessionEndHandler)
	r.POST("/v1/push/delivered", s.PushDeliveredHandler)
	r.POST("/v1/push/opened", s.PushOpenedHandler)
	r.POST("/v1/campaigns/click", s.CampaignClickHandler)
	r.POST("/v1/payments", s.PaymentHandler)
	r.POST("/v1/consent", s.ConsentChangeHandler)
}

type trackRequest struct {
	EventType     string                 `json:"event_type" binding:"required"`
	Properties    map[string]interface{} `json:"properties"`
	Category      string                 `json:"category" binding:"required"`
	IgnoreConsent bool                   `json:"ignore_consent"`
}

// TrackHandler handles generic track calls from the host.
func (s *Service) TrackHandler(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxBodySizeBytes)

	var req trackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeInvalidJSON(c, err)
		return
	}

	err := s.manager.Track(c.Request.Context(), req.EventType, req.Properties, req.Category, consentMode(req.IgnoreConsent))
	if err != nil {
		writeTrackError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type identifyRequest struct {
	CustomerIDs map[string]string `json:"customer_ids" binding:"required"`
}

// IdentifyHandler merges registered identifiers into the current customer.
func (s *Service) IdentifyHandler(c *gin.Context) {
	var req identifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeInvalidJSON(c, err)
		return
	}
	if len(req.CustomerIDs) == 0 {
		writeInvalidJSON(c, errors.New("customer_ids must not be empty"))
		return
	}

	if err := s.manager.Identify(c.Request.Context(), v1.CustomerIDs(req.CustomerIDs)); err != nil {
		writeTrackError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// AnonymizeHandler switches to a new customer and returns the fresh
// identity.
func (s *Service) AnonymizeHandler(c *gin.Context) {
	ids, err := s.manager.Anonymize(c.Request.Context())
	if err != nil {
		writeTrackError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"customer_ids": ids})
}

// FlushHandler triggers an explicit flush pass regardless of policy.
func (s *Service) FlushHandler(c *gin.Context) {
	s.flusher.FlushAll(c.Request.Context())
	c.JSON(http.StatusAccepted, gin.H{"status": "flushed"})
}

// QueueHandler reports the pending queue depth for diagnostics.
func (s *Service) QueueHandler(c *gin.Context) {
	count, err := s.store.CountPending(c.Request.Context())
	if err != nil {
		slog.Error("Failed to count pending events", "error", err)
		c.JSON(http.StatusServiceUnavailable, httperr.ErrorResponse{
			ErrorType: httperr.HttpStorageError,
			Message:   "failed to count pending events",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": count})
}

// SessionStartHandler records a session start.
func (s *Service) SessionStartHandler(c *gin.Context) {
	if err := s.manager.TrackSessionStart(c.Request.Context()); err != nil {
		writeTrackError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type sessionEndRequest struct {
	Duration float64 `json:"duration"`
}

// SessionEndHandler records a session end with its duration.
func (s *Service) SessionEndHandler(c *gin.Context) {
	var req sessionEndRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeInvalidJSON(c, err)
		return
	}
	if err := s.manager.TrackSessionEnd(c.Request.Context(), req.Duration); err != nil {
		writeTrackError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type pushRequest struct {
	Properties    map[string]interface{} `json:"properties"`
	IgnoreConsent bool                   `json:"ignore_consent"`
}

// PushDeliveredHandler records a delivered push notification.
func (s *Service) PushDeliveredHandler(c *gin.Context) {
	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeInvalidJSON(c, err)
		return
	}
	if err := s.manager.TrackPushDelivered(c.Request.Context(), req.Properties, consentMode(req.IgnoreConsent)); err != nil {
		writeTrackError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// PushOpenedHandler records an opened push notification.
func (s *Service) PushOpenedHandler(c *gin.Context) {
	var req pushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeInvalidJSON(c, err)
		return
	}
	if err := s.manager.TrackPushOpened(c.Request.Context(), req.Properties, consentMode(req.IgnoreConsent)); err != nil {
		writeTrackError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type campaignClickRequest struct {
	URL        string                 `json:"url" binding:"required"`
	Properties map[string]interface{} `json:"properties"`
}

// CampaignClickHandler records a deeplink/campaign click.
func (s *Service) CampaignClickHandler(c *gin.Context) {
	var req campaignClickRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeInvalidJSON(c, err)
		return
	}
	if err := s.manager.TrackCampaignClick(c.Request.Context(), req.URL, req.Properties); err != nil {
		writeTrackError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type paymentRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency" binding:"required"`
	ProductID     string          `json:"product_id"`
	PaymentSystem string          `json:"payment_system"`
}

// PaymentHandler records a purchase.
func (s *Service) PaymentHandler(c *gin.Context) {
	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeInvalidJSON(c, err)
		return
	}
	err := s.manager.TrackPayment(c.Request.Context(), req.Amount, req.Currency, req.ProductID, req.PaymentSystem)
	if err != nil {
		if errors.Is(err, ErrInvalidPayment) {
			c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
				ErrorType: httperr.HttpInvalidPaymentError,
				Message:   err.Error(),
			})
			return
		}
		writeTrackError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type consentChangeRequest struct {
	Category string `json:"category" binding:"required"`
	Granted  bool   `json:"granted"`
}

// ConsentChangeHandler records a consent grant/revoke.
func (s *Service) ConsentChangeHandler(c *gin.Context) {
	var req consentChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeInvalidJSON(c, err)
		return
	}
	if err := s.manager.TrackConsentChange(c.Request.Context(), req.Category, req.Granted); err != nil {
		writeTrackError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func writeInvalidJSON(c *gin.Context, err error) {
	slog.Warn("Invalid request body received", "error", err, "path", c.FullPath())
	c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
		ErrorType: httperr.HttpInvalidJsonError,
		Message:   "Invalid JSON body",
	})
}

// writeTrackError maps a failed tracking call onto the local API. Enqueue
// failures mean durability could not be guaranteed, which the host must see.
func writeTrackError(c *gin.Context, err error) {
	slog.Error("Tracking call failed", "error", err, "path", c.FullPath())
	c.JSON(http.StatusServiceUnavailable, httperr.ErrorResponse{
		ErrorType: httperr.HttpStorageError,
		Message:   err.Error(),
	})
}

func consentMode(ignore bool) consent.Mode {
	if ignore {
		return consent.ModeIgnoreConsent
	}
	return consent.ModeWithConsent
}
