// Package http holds the gateway's HTTP handlers: the inbound webhook
// and the operational endpoints.
package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/bookline/concierge/internal/bus"
)

// InboundHandler accepts parsed webhook events. Implemented by the
// dispatcher.
type InboundHandler interface {
	HandleInbound(ctx context.Context, ev bus.InboundEvent) error
}

// WebhookHandler terminates the messaging gateway's webhook: the GET
// verification handshake and POST update delivery.
type WebhookHandler struct {
	handler     InboundHandler
	verifyToken string
	appSecret   string
	limiter     *SenderRateLimiter
}

// NewWebhookHandler creates the webhook endpoint. appSecret empty skips
// signature validation.
func NewWebhookHandler(handler InboundHandler, verifyToken, appSecret string, limiter *SenderRateLimiter) *WebhookHandler {
	return &WebhookHandler{
		handler:     handler,
		verifyToken: verifyToken,
		appSecret:   appSecret,
		limiter:     limiter,
	}
}

// RegisterRoutes registers the webhook routes on the given mux.
func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /webhook", h.handleVerify)
	mux.HandleFunc("POST /webhook", h.handleUpdate)
}

// handleVerify answers the gateway's subscription handshake:
// GET /webhook?hub.mode=subscribe&hub.verify_token=...&hub.challenge=...
func (h *WebhookHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	if h.verifyToken == "" {
		http.Error(w, "verify token not configured", http.StatusInternalServerError)
		return
	}

	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && subtle.ConstantTimeCompare([]byte(token), []byte(h.verifyToken)) == 1 {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(challenge))
		return
	}
	http.Error(w, "forbidden", http.StatusForbidden)
}

// handleUpdate parses an update payload and buffers every event it
// carries. A store failure returns 500 so the gateway's own retry policy
// redelivers; anything after a successful append is acknowledged.
func (h *WebhookHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if h.appSecret != "" && !h.validSignature(r, body) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	events := extractEvents(payload)
	for _, ev := range events {
		if h.limiter != nil && !h.limiter.Allow(ev.CustomerID) {
			slog.Warn("webhook: sender rate limited", "customer", ev.CustomerID)
			continue
		}
		if err := h.handler.HandleInbound(r.Context(), ev); err != nil {
			slog.Error("webhook: event not buffered", "customer", ev.CustomerID, "error", err)
			// Not acknowledged: upstream redelivers the whole update.
			http.Error(w, "event not accepted", http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("EVENT_RECEIVED"))
}

// validSignature checks the X-Hub-Signature-256 header (sha256=<hex HMAC>).
func (h *WebhookHandler) validSignature(r *http.Request, body []byte) bool {
	sig := r.Header.Get("X-Hub-Signature-256")
	if !strings.HasPrefix(sig, "sha256=") {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.TrimPrefix(sig, "sha256=")), []byte(expected))
}

// webhookPayload is the minimal shape of a gateway update.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					From string `json:"from"`
					Type string `json:"type"`
					Text *struct {
						Body string `json:"body"`
					} `json:"text,omitempty"`
					Image    *webhookMedia `json:"image,omitempty"`
					Audio    *webhookMedia `json:"audio,omitempty"`
					Document *webhookMedia `json:"document,omitempty"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookMedia struct {
	ID      string `json:"id"`
	Link    string `json:"link,omitempty"`
	Caption string `json:"caption,omitempty"`
}

// extractEvents flattens an update into inbound events, preserving the
// payload's message order.
func extractEvents(p webhookPayload) []bus.InboundEvent {
	var out []bus.InboundEvent
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			for _, m := range c.Value.Messages {
				if m.From == "" {
					continue
				}
				ev := bus.InboundEvent{CustomerID: m.From}
				switch strings.ToLower(m.Type) {
				case "text":
					if m.Text == nil {
						continue
					}
					ev.Kind = bus.KindText
					ev.Payload = m.Text.Body
				case "image":
					if m.Image == nil {
						continue
					}
					ev.Kind = bus.KindImage
					ev.Payload = mediaPayload(m.Image)
					ev.Caption = m.Image.Caption
				case "audio":
					if m.Audio == nil {
						continue
					}
					ev.Kind = bus.KindAudio
					ev.Payload = mediaPayload(m.Audio)
				case "document":
					if m.Document == nil {
						continue
					}
					ev.Kind = bus.KindDocument
					ev.Payload = mediaPayload(m.Document)
					ev.Caption = m.Document.Caption
				default:
					continue
				}
				out = append(out, ev)
			}
		}
	}
	return out
}

func mediaPayload(m *webhookMedia) string {
	if m.Link != "" {
		return m.Link
	}
	return m.ID
}
