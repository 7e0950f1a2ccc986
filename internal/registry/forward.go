package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
)

const forwardTimeout = 3 * time.Second

// Forwarder hands a message to an external push provider when its target has
// no live channel.
type Forwarder interface {
	Forward(ctx context.Context, role models.Role, entityID string, msg models.Outbound) error
}

// PushForwarder posts FCM-style JSON to an HTTP endpoint, addressed to the
// entity's group as topic.
type PushForwarder struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushForwarder(endpoint, key string) *PushForwarder {
	return &PushForwarder{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: forwardTimeout}}
}

func (p *PushForwarder) Forward(ctx context.Context, role models.Role, entityID string, msg models.Outbound) error {
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	body := map[string]any{"message": map[string]any{
		"topic": GroupFor(role, entityID),
		"data":  map[string]string{"type": msg.Type, "payload": string(data)},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}
