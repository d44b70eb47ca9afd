package tasks

import (
	"crypto/subtle"
	"net/http"

	"provider-pool/pkg/logger"

	"github.com/gin-gonic/gin"
)

const headerTaskSecret = "X-Task-Secret"

// RequireSecret authenticates push deliveries from the task queue and the
// sweep cron with a shared secret. This is the only condition that returns
// non-200: every business outcome, including unrecoverable errors, answers
// 200 so the at-least-once dispatcher never retry-storms.
func RequireSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(headerTaskSecret)
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Handlers groups the task push endpoints for dependency injection.
// Keep these thin: decode, delegate, answer 200.
type Handlers struct {
	Timeout *TimeoutTask
	Guard   *GuardTask
}

func (h Handlers) HandleLeaseTimeout(c *gin.Context) {
	log := logger.FromGin(c)

	env, err := DecodeEnvelope(c.Request.Body)
	if err != nil {
		log.Warn("lease timeout envelope rejected", "err", err)
		c.JSON(http.StatusOK, gin.H{"outcome": "invalid_envelope"})
		return
	}

	out, err := h.Timeout.Run(c.Request.Context(), env)
	if err != nil {
		// Terminal for the dispatcher regardless; a retry would hit the
		// same state and the sweep backstops transient store failures.
		c.JSON(http.StatusOK, gin.H{"outcome": "error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": out.Code})
}

func (h Handlers) HandleCallGuard(c *gin.Context) {
	log := logger.FromGin(c)

	env, err := DecodeEnvelope(c.Request.Body)
	if err != nil {
		log.Warn("call guard envelope rejected", "err", err)
		c.JSON(http.StatusOK, gin.H{"outcome": "invalid_envelope"})
		return
	}

	out, err := h.Guard.Run(c.Request.Context(), env)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"outcome": "error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": out.Code, "hangup_failures": out.HangupFailures})
}
