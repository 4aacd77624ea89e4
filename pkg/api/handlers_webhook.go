package api

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/amila-ai/amila/pkg/models"
)

// WebhookRequest is the body of webhook create and update calls. On update,
// empty fields keep their current values; Active defaults to the current
// value when omitted.
type WebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Secret string   `json:"secret,omitempty"`
	Active *bool    `json:"active,omitempty"`
	UserID string   `json:"user_id,omitempty"`
}

func validWebhookURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// CreateWebhook registers a subscription.
func (s *Server) CreateWebhook(c *gin.Context) {
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if !validWebhookURL(req.URL) {
		abortError(c, http.StatusBadRequest, "url must be a valid http(s) URL")
		return
	}
	if req.Secret == "" {
		abortError(c, http.StatusBadRequest, "secret is required")
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = c.GetHeader("X-User-Id")
	}

	sub := &models.WebhookSubscription{
		UserID: userID,
		URL:    req.URL,
		Events: req.Events,
		Secret: req.Secret,
		Active: req.Active == nil || *req.Active,
	}
	if err := s.deps.Webhooks.Create(c.Request.Context(), sub); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sub)
}

// ListWebhooks returns the caller's subscriptions.
func (s *Server) ListWebhooks(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		userID = c.GetHeader("X-User-Id")
	}
	subs, err := s.deps.Webhooks.ListByUser(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// GetWebhook returns one subscription.
func (s *Server) GetWebhook(c *gin.Context) {
	sub, err := s.deps.Webhooks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

// UpdateWebhook modifies a subscription.
func (s *Server) UpdateWebhook(c *gin.Context) {
	var req WebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.URL != "" && !validWebhookURL(req.URL) {
		abortError(c, http.StatusBadRequest, "url must be a valid http(s) URL")
		return
	}

	ctx := c.Request.Context()
	current, err := s.deps.Webhooks.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	active := current.Active
	if req.Active != nil {
		active = *req.Active
	}
	sub := &models.WebhookSubscription{
		WebhookID: current.WebhookID,
		URL:       req.URL,
		Events:    req.Events,
		Secret:    req.Secret,
		Active:    active,
	}
	if err := s.deps.Webhooks.Update(ctx, sub); err != nil {
		writeError(c, err)
		return
	}

	updated, err := s.deps.Webhooks.Get(ctx, current.WebhookID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// DeleteWebhook removes a subscription and its queued deliveries.
func (s *Server) DeleteWebhook(c *gin.Context) {
	if err := s.deps.Webhooks.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// TestWebhook posts a synthetic signed event to the subscription endpoint,
// outside the delivery queue.
func (s *Server) TestWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := s.deps.Webhooks.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	payload, err := json.Marshal(gin.H{
		"event":      "webhook.test",
		"webhook_id": sub.WebhookID,
		"emitted_at": time.Now(),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	statusCode, sendErr := s.deps.Tester.SendTest(ctx, sub, payload)
	if sendErr != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"delivered":   false,
			"status_code": statusCode,
			"error":       sendErr.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": true, "status_code": statusCode})
}
