package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amila-ai/amila/pkg/models"
)

func seedWebhook(h *apiHarness, webhookID string, active bool) *models.WebhookSubscription {
	sub := &models.WebhookSubscription{
		WebhookID: webhookID,
		UserID:    "u-1",
		URL:       "https://example.com/hook",
		Events:    []string{"finished"},
		Secret:    "s3cr3t",
		Active:    active,
	}
	_ = h.webhooks.Create(context.Background(), sub)
	return sub
}

func TestCreateWebhook(t *testing.T) {
	h := newHarness(t)
	w := h.request(t, http.MethodPost, "/api/v1/webhooks", WebhookRequest{
		URL:    "https://example.com/hook",
		Events: []string{"finished", "error"},
		Secret: "s3cr3t",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	body := decodeJSON(t, w)
	assert.NotEmpty(t, body["webhook_id"])
	assert.Equal(t, true, body["active"])
	assert.NotContains(t, w.Body.String(), "s3cr3t", "secret never serialized outward")
}

func TestCreateWebhook_RejectsBadURL(t *testing.T) {
	h := newHarness(t)
	w := h.request(t, http.MethodPost, "/api/v1/webhooks", WebhookRequest{
		URL:    "not-a-url",
		Secret: "s3cr3t",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateWebhook_RequiresSecret(t *testing.T) {
	h := newHarness(t)
	w := h.request(t, http.MethodPost, "/api/v1/webhooks", WebhookRequest{
		URL: "https://example.com/hook",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetWebhook_NotFound(t *testing.T) {
	h := newHarness(t)
	w := h.request(t, http.MethodGet, "/api/v1/webhooks/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListWebhooks(t *testing.T) {
	h := newHarness(t)
	seedWebhook(h, "wh-1", true)
	seedWebhook(h, "wh-2", false)

	w := h.request(t, http.MethodGet, "/api/v1/webhooks?user_id=u-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeJSON(t, w)["count"])
}

func TestUpdateWebhook_Deactivates(t *testing.T) {
	h := newHarness(t)
	seedWebhook(h, "wh-1", true)

	inactive := false
	w := h.request(t, http.MethodPut, "/api/v1/webhooks/wh-1", WebhookRequest{Active: &inactive})
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	assert.Equal(t, false, body["active"])
	assert.Equal(t, "https://example.com/hook", body["url"], "omitted fields keep their values")
}

func TestDeleteWebhook(t *testing.T) {
	h := newHarness(t)
	seedWebhook(h, "wh-1", true)

	w := h.request(t, http.MethodDelete, "/api/v1/webhooks/wh-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = h.request(t, http.MethodGet, "/api/v1/webhooks/wh-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTestWebhook_Delivered(t *testing.T) {
	h := newHarness(t)
	seedWebhook(h, "wh-1", true)
	h.tester.statusCode = http.StatusNoContent

	w := h.request(t, http.MethodPost, "/api/v1/webhooks/wh-1/test", struct{}{})
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	assert.Equal(t, true, body["delivered"])
	assert.Equal(t, float64(http.StatusNoContent), body["status_code"])
	require.Len(t, h.tester.payloads, 1)
	assert.Contains(t, string(h.tester.payloads[0]), "webhook.test")
}

func TestTestWebhook_EndpointFailure(t *testing.T) {
	h := newHarness(t)
	seedWebhook(h, "wh-1", true)
	h.tester.statusCode = http.StatusInternalServerError
	h.tester.err = assert.AnError

	w := h.request(t, http.MethodPost, "/api/v1/webhooks/wh-1/test", struct{}{})
	require.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, false, decodeJSON(t, w)["delivered"])
}
