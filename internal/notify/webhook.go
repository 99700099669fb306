package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"questline/internal/config"
	"questline/internal/domain"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	defaultQueueSize      = 256
)

// Webhook posts events as JSON to the configured URLs from a single
// background worker. A full queue drops the event.
type Webhook struct {
	hooks  []config.WebhookConfig
	client *http.Client
	logger *log.Logger
	queue  chan domain.Event

	closeOnce sync.Once
	done      chan struct{}
}

// NewWebhook starts the delivery worker. Call Close to drain and stop it.
func NewWebhook(hooks []config.WebhookConfig, logger *log.Logger) *Webhook {
	if logger == nil {
		logger = log.Default()
	}
	active := make([]config.WebhookConfig, 0, len(hooks))
	for _, h := range hooks {
		if h.Active() {
			active = append(active, h)
		}
	}
	w := &Webhook{
		hooks:  active,
		client: &http.Client{Timeout: defaultWebhookTimeout},
		logger: logger,
		queue:  make(chan domain.Event, defaultQueueSize),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Webhook) Publish(_ context.Context, evt domain.Event) {
	if len(w.hooks) == 0 {
		return
	}
	defer func() {
		// Publish after Close lands on a closed channel.
		if recover() != nil {
			w.logger.Printf("webhook: dropped %s event %s after close", evt.Type, evt.ID)
		}
	}()
	select {
	case w.queue <- evt:
	default:
		w.logger.Printf("webhook: queue full, dropped %s event %s", evt.Type, evt.ID)
	}
}

// Close stops accepting events and waits for queued ones to be attempted.
func (w *Webhook) Close() {
	w.closeOnce.Do(func() { close(w.queue) })
	<-w.done
}

func (w *Webhook) run() {
	defer close(w.done)
	for evt := range w.queue {
		for _, hook := range w.hooks {
			if !newEventFilter(hook.Events).match(evt.Type) {
				continue
			}
			if err := w.post(context.Background(), hook, evt); err != nil {
				w.logger.Printf("webhook: deliver %s to %s failed: %v", evt.Type, hook.URL, err)
			}
		}
	}
}

func (w *Webhook) post(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	client := w.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Questline-Event", evt.Type)
	req.Header.Set("X-Questline-Delivery", evt.ID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Questline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
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
