package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/example/alert-dispatch/internal/faults"
	"github.com/example/alert-dispatch/internal/models"
)

// PushNotifier tries a live WS session first and falls back to posting the
// intent to a push provider endpoint.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushNotifier(endpoint, key string, ws *WSRegistry) *PushNotifier {
	return &PushNotifier{
		Endpoint: endpoint,
		Key:      key,
		Client:   &http.Client{Timeout: 3 * time.Second},
		WS:       ws,
	}
}

func (p *PushNotifier) Notify(ctx context.Context, intent models.Intent) error {
	if p.WS != nil {
		if err := p.WS.Push(intent.TargetID, intent); err == nil {
			return nil
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	b, err := json.Marshal(intent)
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
		return faults.Upstream("notifier", err)
	}
	defer resp.Body.Close()
	return nil
}
