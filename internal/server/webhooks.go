package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"forgeline/internal/config"
	"forgeline/internal/domain"
	"forgeline/internal/events"
	"forgeline/internal/logging"
	"forgeline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Webhooks posts new events to the configured endpoints. Each hook follows
// the event log with its own cursor; a failed delivery stops that hook's
// batch and is retried on the next poll.
type Webhooks struct {
	Repo     repo.Repo
	Hooks    []config.Webhook
	Interval time.Duration
	Client   *http.Client
	Log      *zap.Logger

	wg sync.WaitGroup
}

func NewWebhooks(r repo.Repo, hooks []config.Webhook, log *zap.Logger) *Webhooks {
	return &Webhooks{
		Repo:     r,
		Hooks:    hooks,
		Interval: defaultWebhookInterval,
		Client:   &http.Client{Timeout: defaultWebhookTimeout},
		Log:      logging.OrNop(log),
	}
}

// Start positions every hook after the latest recorded event and begins
// delivery until ctx is done.
func (w *Webhooks) Start(ctx context.Context) error {
	for _, hook := range w.Hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		feed := &events.Feed{
			Repo:      w.Repo,
			Interval:  w.Interval,
			BatchSize: defaultWebhookBatch,
			Log:       w.Log,
		}
		if err := feed.SeekLatest(ctx); err != nil {
			return fmt.Errorf("webhook %s: init cursor: %w", hookName(hook), err)
		}
		w.wg.Add(1)
		go func(hook config.Webhook) {
			defer w.wg.Done()
			_ = feed.Run(ctx, w.handler(hook))
		}(hook)
	}
	return nil
}

// Wait blocks until every delivery loop has stopped.
func (w *Webhooks) Wait() { w.wg.Wait() }

func (w *Webhooks) handler(hook config.Webhook) events.Handler {
	filter := newEventFilter(hook.Events)
	log := w.Log.With(zap.String("webhook", hookName(hook)))
	return func(ctx context.Context, evt domain.Event) error {
		if !filter.match(evt.Type) {
			return nil
		}
		if err := w.post(ctx, hook, evt); err != nil {
			log.Warn("webhook delivery failed", zap.Int64("event_id", evt.ID), zap.Error(err))
			return err
		}
		return nil
	}
}

func hookName(h config.Webhook) string {
	if h.ID != "" {
		return h.ID
	}
	return h.URL
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (w *Webhooks) post(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forgeline-Event", evt.Type)
	req.Header.Set("X-Forgeline-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.ProjectID != "" {
		req.Header.Set("X-Forgeline-Project", evt.ProjectID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Forgeline-Secret", hook.Secret)
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
