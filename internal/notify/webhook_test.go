package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"questline/internal/config"
	"questline/internal/domain"
)

type received struct {
	mu     sync.Mutex
	events []domain.Event
	header http.Header
}

func TestWebhookDeliversFilteredEvents(t *testing.T) {
	var got received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt domain.Event
		_ = json.NewDecoder(r.Body).Decode(&evt)
		got.mu.Lock()
		got.events = append(got.events, evt)
		got.header = r.Header.Clone()
		got.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	off := false
	w := NewWebhook([]config.WebhookConfig{
		{URL: srv.URL, Events: []string{domain.EventItemCompleted}, Secret: "s3cret"},
		{URL: srv.URL, Enabled: &off},
	}, log.New(&bytes.Buffer{}, "", 0))

	ctx := context.Background()
	w.Publish(ctx, domain.Event{ID: "e1", Type: domain.EventItemDisputed, EntityID: "w1"})
	w.Publish(ctx, domain.Event{ID: "e2", Type: domain.EventItemCompleted, EntityID: "w1"})
	w.Close()

	got.mu.Lock()
	defer got.mu.Unlock()
	require.Len(t, got.events, 1)
	assert.Equal(t, "e2", got.events[0].ID)
	assert.Equal(t, domain.EventItemCompleted, got.header.Get("X-Questline-Event"))
	assert.Equal(t, "e2", got.header.Get("X-Questline-Delivery"))
	assert.Equal(t, "s3cret", got.header.Get("X-Questline-Secret"))
}

func TestWebhookFailureIsLoggedNotReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	w := NewWebhook([]config.WebhookConfig{{URL: srv.URL}}, log.New(&buf, "", 0))
	w.Publish(context.Background(), domain.Event{ID: "e1", Type: domain.EventItemCompleted})
	w.Close()

	assert.True(t, strings.Contains(buf.String(), "status 500"), buf.String())
	// Publishing after close drops quietly.
	w.Publish(context.Background(), domain.Event{ID: "e2", Type: domain.EventItemCompleted})
}

func TestMultiAndLog(t *testing.T) {
	var buf bytes.Buffer
	m := Multi{Nop{}, Log{Logger: log.New(&buf, "", 0)}, nil}
	m.Publish(context.Background(), domain.Event{Type: domain.EventItemDisputed, EntityKind: "work_item", EntityID: "w1", ActorID: "alice"})
	assert.Contains(t, buf.String(), "type=item.disputed entity=work_item/w1 actor=alice")
}
