package httpapi

import (
	"errors"
	"net/http"
	"time"

	"provider-pool/internal/auth"
	"provider-pool/internal/lease"
	"provider-pool/internal/provider"
	"provider-pool/internal/session"
	"provider-pool/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Providers provider.Store
	Sessions  session.Store
	Leases    *lease.Service

	// MaxCallDuration bounds a session before the duration guard steps in.
	MaxCallDuration time.Duration

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now().UTC()
	}
	return time.Now().UTC()
}

// --- Auth ---

type tokenRequest struct {
	ProviderID string `json:"provider_id"`
	Role       string `json:"role"`
}

// IssueToken issues a JWT token pair for a known provider.
//
// NOTE: credential validation lives with the identity provider upstream;
// this endpoint only refuses ids that are not in the pool.
func (h Handlers) IssueToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ProviderID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "provider_id, role required"})
		return
	}
	if _, err := h.Providers.Get(c.Request.Context(), req.ProviderID); err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.ProviderID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Provider self-service ---

// Me returns the caller's own pool record.
func (h Handlers) Me(c *gin.Context) {
	providerID, err := auth.ProviderID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "provider_id required"})
		return
	}
	p, err := h.Providers.Get(c.Request.Context(), providerID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}
	c.JSON(http.StatusOK, p)
}

// Heartbeat bumps the caller's last-activity stamp; the inactivity sweep
// marks providers offline when these stop arriving.
func (h Handlers) Heartbeat(c *gin.Context) {
	providerID, err := auth.ProviderID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "provider_id required"})
		return
	}
	if err := h.Providers.Heartbeat(c.Request.Context(), providerID, h.now()); err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
			return
		}
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "heartbeat failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type setStatusRequest struct {
	Availability provider.Availability `json:"availability"`
}

// SetStatus toggles the caller between available and offline. Busy providers
// are refused: only a lease release can leave busy.
func (h Handlers) SetStatus(c *gin.Context) {
	providerID, err := auth.ProviderID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "provider_id required"})
		return
	}

	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Availability != provider.AvailabilityAvailable && req.Availability != provider.AvailabilityOffline {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "availability must be available or offline"})
		return
	}

	p, err := h.Providers.SetAvailability(c.Request.Context(), providerID, req.Availability, h.now())
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrNotFound):
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		case errors.Is(err, provider.ErrConflict):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "provider is busy"})
		default:
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "status change failed"})
		}
		return
	}
	c.JSON(http.StatusOK, p)
}

// --- Calls ---

type startCallRequest struct {
	ProviderID      string `json:"provider_id"`
	SessionID       string `json:"session_id,omitempty"`
	ClientCallRef   string `json:"client_call_ref,omitempty"`
	ProviderCallRef string `json:"provider_call_ref,omitempty"`
	PaymentHoldRef  string `json:"payment_hold_ref,omitempty"`
}

// StartCall is the inbound-call entry: persist the session, take the lease,
// arm the duration guard. A busy provider answers 409 and the caller retries
// a different provider.
func (h Handlers) StartCall(c *gin.Context) {
	log := logger.FromGin(c)

	var req startCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ProviderID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "provider_id required"})
		return
	}

	now := h.now()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// Session first: a lease must never reference a session that was never
	// persisted (that state is treated as releasable).
	sess := session.Session{
		ID:              sessionID,
		Status:          session.StatusPending,
		ProviderID:      req.ProviderID,
		ClientCallRef:   req.ClientCallRef,
		ProviderCallRef: req.ProviderCallRef,
		PaymentHoldRef:  req.PaymentHoldRef,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := h.Sessions.Create(c.Request.Context(), sess); err != nil {
		log.Error("session create failed", "session_id", sessionID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session create failed"})
		return
	}

	res, err := h.Leases.Acquire(c.Request.Context(), req.ProviderID, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, lease.ErrProviderBusy):
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "provider busy, pick another"})
		case errors.Is(err, provider.ErrNotFound):
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		default:
			log.Error("lease acquire failed", "provider_id", req.ProviderID, "session_id", sessionID, "err", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "acquire failed"})
		}
		return
	}

	if err := h.Leases.ScheduleCallGuard(c.Request.Context(), req.ProviderID, sessionID, h.MaxCallDuration); err != nil {
		// Guard scheduling is not fatal; the sweep still backstops.
		log.Error("call guard scheduling failed", "session_id", sessionID, "err", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":  sessionID,
		"provider_id": req.ProviderID,
		"timeout_at":  res.TimeoutAt,
	})
}

// --- Admin ---

type adminReleaseRequest struct {
	Reason string `json:"reason"`
}

// AdminRelease lets an operator clear a lease manually. Same idempotent
// release path the completion callbacks use; the reason is recorded.
func (h Handlers) AdminRelease(c *gin.Context) {
	log := logger.FromGin(c)

	targetID := c.Param("provider_id")
	if targetID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "provider_id required"})
		return
	}

	var req adminReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	reason := "admin_manual"
	if req.Reason != "" {
		reason = "admin_" + req.Reason
	}

	out, err := h.Leases.Release(c.Request.Context(), targetID, reason)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
			return
		}
		log.Error("admin release failed", "provider_id", targetID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "release failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}
