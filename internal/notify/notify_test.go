package notify_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/notify"
)

func sample() domain.Notification {
	return domain.Notification{
		ProjectID:  "proj-1",
		WorkItemID: "epic-1",
		PhaseID:    "design",
		Scope:      "team:epic-1",
		Message:    "Phase Design has been completed",
		ActorID:    "alice",
		TS:         "2024-01-01T00:00:00Z",
	}
}

type fakePublisher struct {
	subject string
	data    []byte
	err     error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subject = subject
	f.data = data
	return f.err
}

func TestNATSSinkPublishesPerWorkItem(t *testing.T) {
	pub := &fakePublisher{}
	sink := notify.NATSSink{Conn: pub, Subject: "phaseline.notifications"}
	require.NoError(t, sink.Notify(context.Background(), sample()))

	assert.Equal(t, "phaseline.notifications.epic-1", pub.subject)
	var got domain.Notification
	require.NoError(t, json.Unmarshal(pub.data, &got))
	assert.Equal(t, sample(), got)
}

func TestWebhookSinkPostsWithHeaders(t *testing.T) {
	var got domain.Notification
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := notify.WebhookSink{URL: srv.URL, Secret: "s3cret"}
	require.NoError(t, sink.Notify(context.Background(), sample()))
	assert.Equal(t, "epic-1", got.WorkItemID)
	assert.Equal(t, "s3cret", headers.Get("X-Phaseline-Secret"))
	assert.Equal(t, "proj-1", headers.Get("X-Phaseline-Project"))
	assert.NotEmpty(t, headers.Get("X-Phaseline-Delivery"))
}

func TestWebhookSinkFiltersPhases(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer srv.Close()

	sink := notify.WebhookSink{URL: srv.URL, Phases: []string{"promotion"}}
	require.NoError(t, sink.Notify(context.Background(), sample()))
	assert.Zero(t, calls)
}

func TestWebhookSinkReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := notify.WebhookSink{URL: srv.URL}.Notify(context.Background(), sample())
	assert.ErrorContains(t, err, "status 502")
}

func TestFanoutJoinsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	broken := &fakePublisher{err: errors.New("down")}

	f := notify.Fanout{notify.LogSink{Logger: logger}, notify.NATSSink{Conn: broken, Subject: "x"}}
	err := f.Notify(context.Background(), sample())
	require.Error(t, err)
	assert.ErrorContains(t, err, "down")
	assert.Contains(t, buf.String(), `"work_item_id":"epic-1"`)
}

func TestFromConfig(t *testing.T) {
	sink, closer, err := notify.FromConfig(config.Notifications{}, nil)
	require.NoError(t, err)
	defer closer.Close()
	assert.IsType(t, notify.Discard{}, sink)

	var n config.Notifications
	n.Log = true
	n.Webhooks = []config.Webhook{{URL: "http://127.0.0.1:1/hook"}}
	sink, closer, err = notify.FromConfig(n, slog.Default())
	require.NoError(t, err)
	defer closer.Close()
	fan, ok := sink.(notify.Fanout)
	require.True(t, ok)
	assert.Len(t, fan, 2)
}
