package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"parallel-dialer/internal/auth"
	"parallel-dialer/internal/dialgroup"
	"parallel-dialer/internal/numbers"
	"parallel-dialer/pkg/logger"
	"parallel-dialer/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

// Handlers wires the operator API to the coordinator. Handlers stay thin;
// coordination logic lives in internal/dialgroup.
type Handlers struct {
	Coordinator *dialgroup.Coordinator

	// Redis backs the per-queue active-group cap. Nil disables the cap
	// (local development).
	Redis             *redis.Client
	MaxActivePerQueue int

	// BaseURL is the public base URL used to build webhook callback URLs.
	BaseURL string

	// GroupTTL doubles as the cap slot TTL so abandoned groups release
	// their slot when they age out.
	GroupTTL time.Duration
}

type initiateBody struct {
	CustomerNumbers []string      `json:"customer_numbers"`
	FromNumbers     []string      `json:"from_numbers"`
	Pool            *numbers.Pool `json:"pool"`
	QueueID         string        `json:"queue_id"`
	ContactIDs      []string      `json:"contact_ids"`
}

func (h Handlers) queueCapKey(queueID string) string {
	return "dialer:active:queue:" + queueID
}

func (h Handlers) acquireQueueSlot(c *gin.Context, queueID string) (bool, error) {
	if h.Redis == nil {
		return true, nil
	}
	return utils.AcquireConcurrencyCap(c.Request.Context(), h.Redis, h.queueCapKey(queueID), h.MaxActivePerQueue, h.GroupTTL)
}

func (h Handlers) releaseQueueSlot(c *gin.Context, queueID string) {
	if h.Redis == nil {
		return
	}
	if err := utils.ReleaseConcurrencyCap(c.Request.Context(), h.Redis, h.queueCapKey(queueID)); err != nil {
		logger.FromGin(c).Warn("queue slot release failed", "queue_id", queueID, "err", err)
	}
}

// InitiateGroup starts one parallel dial attempt.
func (h Handlers) InitiateGroup(c *gin.Context) {
	log := logger.FromGin(c)

	var body initiateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	available := len(body.FromNumbers)
	if available == 0 && body.Pool != nil {
		available = len(body.Pool.Numbers)
	}
	if reqs := h.Coordinator.ValidateRequirements(available); !reqs.Valid {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, reqs)
		return
	}

	ok, err := h.acquireQueueSlot(c, body.QueueID)
	if err != nil {
		log.Error("queue slot acquire failed", "queue_id", body.QueueID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "queue cap check failed"})
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "queue dial group cap reached"})
		return
	}

	userID, _ := auth.UserID(c.Request.Context())

	g, err := h.Coordinator.InitiateGroup(c.Request.Context(), dialgroup.InitiateRequest{
		CustomerNumbers:   body.CustomerNumbers,
		FromNumbers:       body.FromNumbers,
		Pool:              body.Pool,
		QueueID:           body.QueueID,
		UserID:            userID,
		ContactIDs:        body.ContactIDs,
		AnswerURL:         h.BaseURL + "/webhooks/twilio/conference",
		StatusCallbackURL: h.BaseURL + "/webhooks/twilio/status",
	})
	if err != nil {
		h.releaseQueueSlot(c, body.QueueID)
		if errors.Is(err, dialgroup.ErrInvalidArgument) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error("dial group initiation failed", "queue_id", body.QueueID, "err", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, g)
}

// GetGroup is a read-through lookup; expired groups read as 404.
func (h Handlers) GetGroup(c *gin.Context) {
	g, err := h.Coordinator.GetGroup(c.Request.Context(), c.Param("group_id"))
	if err != nil {
		logger.FromGin(c).Error("group lookup failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if g == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown group"})
		return
	}
	c.JSON(http.StatusOK, g)
}

// TerminateGroup cancels every live leg, releases the queue slot, and
// returns the caller-ID numbers that can be unlocked upstream.
func (h Handlers) TerminateGroup(c *gin.Context) {
	log := logger.FromGin(c)
	groupID := c.Param("group_id")

	g, err := h.Coordinator.GetGroup(c.Request.Context(), groupID)
	if err != nil {
		log.Error("group lookup failed", "group_id", groupID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if g == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown group"})
		return
	}

	if err := h.Coordinator.TerminateGroup(c.Request.Context(), groupID); err != nil {
		log.Error("group termination failed", "group_id", groupID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "termination failed"})
		return
	}
	h.releaseQueueSlot(c, g.QueueID)

	final, err := h.Coordinator.GetGroup(c.Request.Context(), groupID)
	if err != nil || final == nil {
		final = g
	}
	c.JSON(http.StatusOK, gin.H{
		"group":              final,
		"releasable_numbers": dialgroup.ReleasableNumbers(final),
	})
}

// Requirements reports whether a number pool is large enough for parallel
// dialing. A failing check is a structured result, not an error.
func (h Handlers) Requirements(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("numbers", "0"))
	if err != nil || n < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "numbers must be a non-negative integer"})
		return
	}
	c.JSON(http.StatusOK, h.Coordinator.ValidateRequirements(n))
}
