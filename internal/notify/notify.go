package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Event types sent by the remediation engine.
const (
	TypeDetected   = "detected"
	TypeBackedUp   = "backed-up"
	TypeRemediated = "remediated"
	TypeFailed     = "failed"
)

// Event represents a notification payload sent to webhooks.
type Event struct {
	Type         string `json:"type"`
	RunID        string `json:"run_id,omitempty"`
	Namespace    string `json:"namespace"`
	InstallPlan  string `json:"install_plan"`
	Image        string `json:"image,omitempty"`
	JobID        string `json:"job_id,omitempty"`
	Subscription string `json:"subscription,omitempty"`
	BackupDir    string `json:"backup_dir,omitempty"`
	Step         string `json:"step,omitempty"`
	Error        string `json:"error,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// Notifier sends webhook notifications. Fire-and-forget with timeout.
type Notifier struct {
	URL        string
	RunID      string
	Events     map[string]bool
	HTTPClient *http.Client
}

// NewNotifier creates a Notifier for the given URL and event filter.
// eventTypes is a list of event types to send (e.g. "backed-up", "failed").
// An empty list means all events are sent.
func NewNotifier(url, runID string, eventTypes []string) *Notifier {
	events := make(map[string]bool)
	for _, e := range eventTypes {
		events[e] = true
	}
	return &Notifier{
		URL:    url,
		RunID:  runID,
		Events: events,
		HTTPClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Notify posts evt to the webhook. Callers log the error and carry on; a
// failed notification never fails a remediation.
func (n *Notifier) Notify(ctx context.Context, evt Event) error {
	if n == nil || n.URL == "" {
		return nil
	}
	if len(n.Events) > 0 && !n.Events[evt.Type] {
		return nil
	}

	if evt.RunID == "" {
		evt.RunID = n.RunID
	}
	evt.Timestamp = time.Now().UTC().Format(time.RFC3339)

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
