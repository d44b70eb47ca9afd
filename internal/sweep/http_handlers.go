package sweep

import (
	"net/http"

	"provider-pool/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers exposes the sweeps to the external cron trigger. Both endpoints
// sit behind the shared task secret and are idempotent per invocation; a
// failed pass answers 200 with the error noted, since cron retries add
// nothing a later scheduled pass would not.
type Handlers struct {
	Reconciler *Reconciler
	Inactivity *InactivitySweeper
}

func (h Handlers) HandleReconcile(c *gin.Context) {
	log := logger.FromGin(c)

	rep, err := h.Reconciler.Run(c.Request.Context())
	if err != nil {
		log.Error("reconcile sweep failed", "err", err)
		c.JSON(http.StatusOK, gin.H{"outcome": "error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": "ok", "report": rep})
}

func (h Handlers) HandleInactivity(c *gin.Context) {
	log := logger.FromGin(c)

	rep, err := h.Inactivity.Run(c.Request.Context())
	if err != nil {
		log.Error("inactivity sweep failed", "err", err)
		c.JSON(http.StatusOK, gin.H{"outcome": "error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": "ok", "report": rep})
}
