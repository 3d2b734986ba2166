// Package httpapi exposes the call subsystem over HTTP.
// Keep handlers thin: parse/validate input, call internal services, return JSON.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"callbridge/internal/auth"
	"callbridge/internal/calls"
	"callbridge/internal/enrich"
	"callbridge/internal/resultcache"
	"callbridge/internal/voice"
	"callbridge/pkg/logger"
)

// MaxBatchTargets caps one batch request. Larger dispatches should be
// split by the caller.
const MaxBatchTargets = 50

const maxWebhookBody = 1 << 20 // 1 MiB

// Handlers groups HTTP handlers for dependency injection.
type Handlers struct {
	Calls  *calls.Service
	Cache  *resultcache.Cache
	Poller *enrich.Poller
	Auth   *auth.Manager

	// WebhookSecret, when non-empty, is required on webhook deliveries.
	WebhookSecret string

	// BootstrapSecret gates token issuance. Empty disables the endpoint
	// entirely; tokens are then provisioned out-of-band.
	BootstrapSecret string

	// EnrichCtx outlives individual requests; enrichment loops started by
	// a webhook must not die with the delivery request.
	EnrichCtx context.Context
}

// --- Auth ---

type tokenRequest struct {
	ClientID string `json:"client_id"`
	Role     string `json:"role"`
}

// IssueToken mints a service access token. It only works when a bootstrap
// secret is configured and presented; without one, deployments provision
// tokens out-of-band and this endpoint answers 404.
func (h Handlers) IssueToken(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	if h.BootstrapSecret == "" {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "token issuance disabled"})
		return
	}
	got := c.GetHeader("X-Bootstrap-Secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.BootstrapSecret)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bad bootstrap secret"})
		return
	}
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ClientID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "client_id required"})
		return
	}
	tok, err := h.Auth.Issue(time.Now(), req.ClientID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": tok})
}

// --- Calls ---

// InitiateCall places one call synchronously and returns the settled result.
func (h Handlers) InitiateCall(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call service not configured"})
		return
	}

	var req calls.CallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.ProviderName == "" || req.PhoneNumber == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "provider_name and phone_number required"})
		return
	}

	res, err := h.Calls.InitiateCall(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, calls.ErrInvalidRequest) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		logger.FromGin(c).Error("call initiation failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call initiation failed"})
		return
	}
	c.JSON(http.StatusOK, res)
}

type batchRequest struct {
	Targets       []calls.CallRequest `json:"targets"`
	MaxConcurrent int                 `json:"max_concurrent,omitempty"`
}

// RunBatch fans a batch of calls out and blocks until every target settles.
func (h Handlers) RunBatch(c *gin.Context) {
	if h.Calls == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call service not configured"})
		return
	}

	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if len(req.Targets) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "targets required"})
		return
	}
	if len(req.Targets) > MaxBatchTargets {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "too many targets"})
		return
	}

	out, err := h.Calls.RunBatch(c.Request.Context(), req.Targets, calls.BatchOptions{
		MaxConcurrent: req.MaxConcurrent,
	})
	if err != nil {
		if errors.Is(err, calls.ErrEmptyBatch) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "targets required"})
			return
		}
		logger.FromGin(c).Error("batch run failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "batch run failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

// GetCallResult reads back a webhook-delivered result while it is still
// cached. Synchronous results are returned to the caller inline and never
// appear here.
func (h Handlers) GetCallResult(c *gin.Context) {
	if h.Cache == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "cache not configured"})
		return
	}
	callID := c.Param("call_id")
	if callID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}
	res, ok := h.Cache.Get(callID)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "result not found or expired"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- Webhooks ---

// VoiceWebhook receives push deliveries from the calling backend.
//
// Status updates are acknowledged and dropped. An end-of-call report is
// cached as a partial result and handed to the enrichment poller; the
// delivery is acknowledged immediately so the backend never retries while
// enrichment runs.
func (h Handlers) VoiceWebhook(c *gin.Context) {
	if h.WebhookSecret != "" {
		got := c.GetHeader("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.WebhookSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bad webhook secret"})
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	ev, err := voice.ParseWebhook(body)
	if err != nil {
		logger.FromGin(c).Warn("webhook rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid webhook payload"})
		return
	}

	if !ev.IsEndOfCall() {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if h.Cache == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "cache not configured"})
		return
	}

	res := ev.ToPartialResult(time.Now())
	h.Cache.Set(ev.CallID(), res, 0)
	logger.FromGin(c).Info("end-of-call report cached",
		"call_id", ev.CallID(), "status", res.Status, "transcript_len", len(res.Transcript))

	if h.Poller != nil {
		ctx := h.EnrichCtx
		if ctx == nil {
			ctx = context.WithoutCancel(c.Request.Context())
		}
		h.Poller.Watch(ctx, ev.CallID())
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// --- Health ---

func (h Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
