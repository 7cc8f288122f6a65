package core

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/certhaus/certhaus/database"
	"github.com/certhaus/certhaus/log"
)

// EventHub publishes summary snapshots to SSE subscribers once per second,
// aligned to wall-clock seconds. Senders are bounded; a subscriber that
// cannot keep up is dropped on the first failed send.
type EventHub struct {
	db        *database.Database
	validator *Validator

	mtx         sync.Mutex
	subscribers map[string]chan []byte
	stopCh      chan struct{}
}

func NewEventHub(db *database.Database, validator *Validator) *EventHub {
	return &EventHub{
		db:          db,
		validator:   validator,
		subscribers: make(map[string]chan []byte),
		stopCh:      make(chan struct{}),
	}
}

func (h *EventHub) Start() {
	go h.run()
}

func (h *EventHub) Stop() {
	close(h.stopCh)
}

func (h *EventHub) run() {
	for {
		// Align the tick to the next wall-clock second.
		now := time.Now()
		next := now.Truncate(time.Second).Add(time.Second)
		select {
		case <-h.stopCh:
			return
		case <-time.After(next.Sub(now)):
		}

		h.mtx.Lock()
		n := len(h.subscribers)
		h.mtx.Unlock()
		if n == 0 {
			continue
		}

		summary, err := BuildSummary(h.db, h.validator)
		if err != nil {
			log.Error("events: %v", err)
			continue
		}
		data, _ := json.Marshal(summary)
		h.publish(data)
	}
}

func (h *EventHub) publish(data []byte) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	for id, ch := range h.subscribers {
		select {
		case ch <- data:
		default:
			log.Debug("events: dropping slow subscriber %s", id)
			close(ch)
			delete(h.subscribers, id)
		}
	}
}

func (h *EventHub) subscribe() (string, chan []byte) {
	id := uuid.NewString()
	ch := make(chan []byte, 4)
	h.mtx.Lock()
	h.subscribers[id] = ch
	h.mtx.Unlock()
	return id, ch
}

func (h *EventHub) unsubscribe(id string) {
	h.mtx.Lock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
	h.mtx.Unlock()
}

// HandleEvents is the SSE endpoint. A client disconnect releases the
// subscriber registration immediately.
func (h *EventHub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(200)
	flusher.Flush()

	id, ch := h.subscribe()
	defer h.unsubscribe(id)
	log.Debug("events: subscriber %s connected", id)

	for {
		select {
		case <-r.Context().Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
