package telephony

import (
	"net/http"

	"parallel-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

// TwilioWebhookHandler converts Twilio webhooks to internal events and
// delegates to the coordinator through CallEventSink.
//
// No business logic here.
//
// Stale or duplicate callbacks after group expiry are expected steady-state
// traffic: the sink treats them as no-ops and the handler still returns 2xx
// so the provider stops retrying.
type TwilioWebhookHandler struct {
	Sink CallEventSink
}

// HandleStatusCallback receives leg status/AMD events.
func (h TwilioWebhookHandler) HandleStatusCallback(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event sink not configured"})
		return
	}

	form, err := ParseTwilioStatusCallback(c.Request)
	if err != nil {
		log.Warn("twilio status webhook parse failed", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid form"})
		return
	}
	if form.CallSid == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "CallSid required"})
		return
	}

	ev := form.ToStatusEvent()
	if err := h.Sink.HandleStatusCallback(c.Request.Context(), ev); err != nil {
		log.Error("status callback handling failed", "call_sid", ev.ProviderCallID, "status", ev.Status, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "callback failed"})
		return
	}

	c.Status(http.StatusNoContent)
}

// HandleConferenceTwiML serves the conference join document for a leg.
// Twilio requests it when the leg answers (agent side) and when the customer
// leg is bridged.
func (h TwilioWebhookHandler) HandleConferenceTwiML(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event sink not configured"})
		return
	}

	callSID := c.PostForm("CallSid")
	if callSID == "" {
		callSID = c.Query("CallSid")
	}
	if callSID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "CallSid required"})
		return
	}

	twiml, err := h.Sink.ConferenceTwiMLForCall(c.Request.Context(), callSID)
	if err != nil {
		log.Error("conference twiml resolution failed", "call_sid", callSID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "twiml failed"})
		return
	}
	if twiml == "" {
		log.Warn("conference twiml requested for unknown leg", "call_sid", callSID)
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown call"})
		return
	}

	c.Header("Content-Type", "application/xml")
	c.String(http.StatusOK, twiml)
}
