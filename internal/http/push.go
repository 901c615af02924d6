package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/matcher"
)

// PushFallback delivers over the event channel when the user has one open and
// otherwise posts the event to a push provider endpoint (FCM HTTP v1 shape),
// so a backgrounded app still hears about offers and ride changes.
type PushFallback struct {
	Live     matcher.Notifier
	Endpoint string
	Key      string
	Client   *http.Client
	logger   *slog.Logger
}

func NewPushFallback(live matcher.Notifier, endpoint, key string, logger *slog.Logger) *PushFallback {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PushFallback{
		Live:     live,
		Endpoint: endpoint,
		Key:      key,
		Client:   &http.Client{Timeout: 3 * time.Second},
		logger:   logger.With("component", "push"),
	}
}

type pushMessage struct {
	Message struct {
		Topic string            `json:"topic"`
		Data  map[string]string `json:"data"`
	} `json:"message"`
}

func (p *PushFallback) Notify(room, event string, payload any) error {
	err := p.Live.Notify(room, event, payload)
	if !errors.Is(err, ErrNotConnected) {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var msg pushMessage
	msg.Message.Topic = room
	// data values must be strings
	msg.Message.Data = map[string]string{"event": event, "payload": string(body)}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("push %s to %s: %w", event, room, err)
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("push %s to %s: status %d", event, room, resp.StatusCode)
	}
	p.logger.Debug("pushed", "room", room, "event", event)
	return nil
}
