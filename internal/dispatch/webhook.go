package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"studyline/internal/domain"
	"studyline/internal/events"
	"studyline/internal/repo"
)

const defaultDeliveryTimeout = 10 * time.Second

// Deliverer pushes due messages to the configured webhook when their
// triggers fire, and records the resulting state transition. With no URL
// configured (or in dry-run) delivery is recorded without an outbound call.
type Deliverer struct {
	Repo    repo.Repo
	Events  events.Writer
	URL     string
	Timeout time.Duration
	DryRun  bool
	Client  *http.Client
	Now     func() time.Time
}

func (d *Deliverer) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deliverer) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDeliveryTimeout
	}
	return &http.Client{Timeout: timeout}
}

// Fire is the trigger callback. The job may reference a message that was
// deleted after registration; that is a normal no-op.
func (d *Deliverer) Fire(jobID string) {
	ctx := context.Background()
	_, messageID, err := ParseJobID(jobID)
	if err != nil {
		log.Printf("dispatch: %v", err)
		return
	}
	m, err := d.Repo.GetMessage(ctx, messageID)
	if errors.Is(err, repo.ErrNotFound) {
		return
	}
	if err != nil {
		log.Printf("dispatch: load message %s: %v", messageID, err)
		return
	}
	if m.Expired(d.now()) {
		log.Printf("dispatch: message %s expired before delivery", messageID)
		return
	}

	if err := d.deliver(ctx, m); err != nil {
		log.Printf("dispatch: deliver message %s: %v", messageID, err)
		d.record(ctx, m, domain.MessageErrored, err.Error())
		return
	}
	d.record(ctx, m, domain.MessageDelivered, "")
}

func (d *Deliverer) deliver(ctx context.Context, m domain.Message) error {
	if d.URL == "" || d.DryRun || m.DryRun {
		return nil
	}
	body := struct {
		Payload
		ScheduledTime int64             `json:"scheduled_time"`
		TTLSeconds    int               `json:"ttl_seconds"`
		Title         string            `json:"title,omitempty"`
		Body          string            `json:"body,omitempty"`
		Sound         string            `json:"sound,omitempty"`
		Data          map[string]string `json:"data,omitempty"`
	}{
		Payload:       PayloadFor(m),
		ScheduledTime: m.ScheduledTime,
		TTLSeconds:    m.TTLSeconds,
		Title:         m.Title,
		Body:          m.Body,
		Sound:         m.Sound,
		Data:          m.Data,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Studyline-Message", m.ID)
	req.Header.Set("X-Studyline-Subject", m.SubjectID)
	req.Header.Set("X-Studyline-Kind", string(m.Kind))
	res, err := d.client().Do(req)
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

func (d *Deliverer) record(ctx context.Context, m domain.Message, state domain.MessageState, info string) {
	tx, err := d.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("dispatch: record state for %s: %v", m.ID, err)
		return
	}
	defer tx.Rollback()
	delivered := state == domain.MessageDelivered
	if err := d.Repo.UpdateMessageStateTx(ctx, tx, m.ID, delivered, m.Validated, ""); err != nil {
		log.Printf("dispatch: update message %s: %v", m.ID, err)
		return
	}
	if err := d.Events.AppendMessageState(ctx, tx, m.ID, state, info); err != nil {
		log.Printf("dispatch: append state for %s: %v", m.ID, err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("dispatch: commit state for %s: %v", m.ID, err)
	}
}
