package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"phaseline/internal/domain"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookSink POSTs notifications as JSON. An empty Phases list accepts
// every phase.
type WebhookSink struct {
	URL    string
	Secret string
	Phases []string
	Client *http.Client
}

func (s WebhookSink) Notify(ctx context.Context, n domain.Notification) error {
	if !newPhaseFilter(s.Phases).match(n.PhaseID) {
		return nil
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Phaseline-Event", "phase.notification")
	req.Header.Set("X-Phaseline-Delivery", uuid.NewString())
	req.Header.Set("X-Phaseline-Project", n.ProjectID)
	if strings.TrimSpace(s.Secret) != "" {
		req.Header.Set("X-Phaseline-Secret", s.Secret)
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

type phaseFilter struct {
	all bool
	set map[string]struct{}
}

func newPhaseFilter(phases []string) phaseFilter {
	set := make(map[string]struct{}, len(phases))
	for _, p := range phases {
		if key := strings.TrimSpace(p); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return phaseFilter{all: true}
	}
	return phaseFilter{set: set}
}

func (f phaseFilter) match(phaseID string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[phaseID]
	return ok
}
