package core

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/certhaus/certhaus/log"
)

// Notifier posts lifecycle events to a configured webhook. Delivery is
// fire-and-forget; failures only get logged.
type Notifier struct {
	url    string
	client *http.Client
}

type webhookEvent struct {
	Event string      `json:"event"`
	Time  string      `json:"time"`
	Data  interface{} `json:"data"`
}

func NewNotifier(url string) *Notifier {
	return &Notifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (n *Notifier) Enabled() bool {
	return n != nil && n.url != ""
}

func (n *Notifier) Notify(event string, data interface{}) {
	if !n.Enabled() {
		return
	}
	body, err := json.Marshal(webhookEvent{
		Event: event,
		Time:  time.Now().UTC().Format(time.RFC3339),
		Data:  data,
	})
	if err != nil {
		log.Error("notifier: %v", err)
		return
	}

	go func() {
		req, err := http.NewRequest(http.MethodPost, n.url, bytes.NewBuffer(body))
		if err != nil {
			log.Error("notifier: %v", err)
			return
		}
		req.Header.Add("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			log.Error("notifier: webhook delivery failed: %v", err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			log.Warning("notifier: webhook returned %d for event %s", resp.StatusCode, event)
		}
	}()
}
