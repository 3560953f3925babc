// Package delivery implements the messaging-gateway boundary: how replies
// reach the customer, and (in bridge mode) how inbound events arrive.
package delivery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bookline/concierge/internal/config"
)

// CloudAPISender delivers replies through the hosted Cloud API over HTTP.
type CloudAPISender struct {
	accessToken   string
	phoneNumberID string
	client        *http.Client
}

// NewCloudAPISender creates a Cloud API sender from config.
func NewCloudAPISender(cfg config.DeliveryConfig) (*CloudAPISender, error) {
	if cfg.AccessToken == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("cloudapi delivery requires access token and phone number id")
	}
	return &CloudAPISender{
		accessToken:   cfg.AccessToken,
		phoneNumberID: cfg.PhoneNumberID,
		client:        &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// SendReply posts one text message to the customer.
func (s *CloudAPISender) SendReply(customerID, text string) error {
	url := fmt.Sprintf("https://graph.facebook.com/v20.0/%s/messages", s.phoneNumberID)

	body, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"to":                customerID,
		"type":              "text",
		"text":              map[string]any{"body": text},
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("cloud api send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("cloud api status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}
