package telephony

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"provider-pool/internal/lease"
	"provider-pool/internal/session"
	"provider-pool/pkg/logger"

	"github.com/gin-gonic/gin"
)

// CallStatusForm captures the subset of carrier status-callback fields we
// care about. Carriers send application/x-www-form-urlencoded by default.
// SessionID is ours: it is attached to the status-callback URL when the call
// legs are created, so the callback can be tied back to a session without a
// call-ref lookup.
type CallStatusForm struct {
	CallRef    string
	CallStatus string
	SessionID  string
	Timestamp  string
}

func ParseCallStatus(r *http.Request) (CallStatusForm, error) {
	if err := r.ParseForm(); err != nil {
		return CallStatusForm{}, err
	}
	f := CallStatusForm{
		CallRef:    strings.TrimSpace(r.PostFormValue("CallSid")),
		CallStatus: strings.ToLower(strings.TrimSpace(r.PostFormValue("CallStatus"))),
		SessionID:  strings.TrimSpace(r.PostFormValue("SessionId")),
		Timestamp:  r.PostFormValue("Timestamp"),
	}
	if f.SessionID == "" {
		f.SessionID = strings.TrimSpace(r.URL.Query().Get("session_id"))
	}
	return f, nil
}

// TerminalSessionStatus maps a carrier call status to a terminal session
// status. ok is false for in-flight statuses (ringing, in-progress, ...),
// which the webhook ignores.
func TerminalSessionStatus(carrierStatus string) (session.Status, bool) {
	switch carrierStatus {
	case "completed":
		return session.StatusCompleted, true
	case "failed":
		return session.StatusFailed, true
	case "busy", "no-answer":
		return session.StatusFailed, true
	case "canceled", "cancelled":
		return session.StatusCancelled, true
	default:
		return "", false
	}
}

// StatusWebhookHandler is the normal-completion path: a terminal carrier
// status marks the session terminal and releases the provider's lease.
// Carriers redeliver callbacks, so the release is conditional on the lease
// still naming this session; a delayed duplicate must not evict a lease the
// provider has since taken for a newer call.
//
// NOTE: this endpoint should be protected by carrier signature validation in
// production.
type StatusWebhookHandler struct {
	Sessions session.Store
	Leases   *lease.Service

	Now func() time.Time
}

func (h StatusWebhookHandler) HandleCallStatus(c *gin.Context) {
	log := logger.FromGin(c)

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}

	form, err := ParseCallStatus(c.Request)
	if err != nil {
		log.Warn("call status webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	if form.SessionID == "" {
		log.Warn("call status webhook without session id", "call_ref", form.CallRef)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "session_id required"})
		return
	}

	status, terminal := TerminalSessionStatus(form.CallStatus)
	if !terminal {
		c.JSON(http.StatusOK, gin.H{"handled": false})
		return
	}

	sess, changed, err := h.Sessions.SetStatus(c.Request.Context(), form.SessionID, status, "carrier_"+form.CallStatus, now().UTC())
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			log.Warn("call status for unknown session", "session_id", form.SessionID)
			c.JSON(http.StatusOK, gin.H{"handled": false})
			return
		}
		log.Error("session status update failed", "session_id", form.SessionID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "session update failed"})
		return
	}
	if !changed {
		// Duplicate or delayed delivery; the first one already ran the
		// release path, and the sweep covers it if that release was lost.
		log.Info("call status for already-terminal session ignored",
			"session_id", sess.ID, "carrier_status", form.CallStatus)
		c.JSON(http.StatusOK, gin.H{"handled": true, "released": false})
		return
	}

	providerID, ok := sess.ResolveProviderID()
	if !ok {
		log.Warn("terminal session has no provider reference", "session_id", sess.ID)
		c.JSON(http.StatusOK, gin.H{"handled": true, "released": false})
		return
	}

	out, err := h.Leases.ConditionalRelease(c.Request.Context(), providerID, sess.ID, "call_"+string(status))
	if err != nil {
		// The lease stays held; the timeout task and sweep will repair it.
		log.Error("release after terminal call failed", "provider_id", providerID, "session_id", sess.ID, "err", err)
		c.JSON(http.StatusOK, gin.H{"handled": true, "released": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{"handled": true, "released": out.Code == lease.ReleaseCodeReleased})
}
