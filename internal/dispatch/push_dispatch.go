package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/example/fleet-allocation/internal/allocation"
)

// PushDispatcher delivers assignment offers to drivers. It prefers an
// open WebSocket session and falls back to POSTing to the driver-app
// push endpoint when one is configured.
type PushDispatcher struct {
	Endpoint string
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushDispatcher(endpoint string, ws *WSRegistry) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (p *PushDispatcher) Offer(driverID string, offer allocation.AssignmentOffer) error {
	if p.WS != nil {
		if err := p.WS.Offer(driverID, offer); err == nil {
			return nil
		} else if !errors.Is(err, ErrNoSession) {
			return err
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	b, err := json.Marshal(map[string]any{"driver_id": driverID, "offer": offer})
	if err != nil {
		return err
	}
	resp, err := p.Client.Post(p.Endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("push endpoint rejected offer: " + resp.Status)
	}
	return nil
}
