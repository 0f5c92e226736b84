package server

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/zeebo/blake3"

	"lawline/internal/config"
	"lawline/internal/domain"
	"lawline/internal/ledger"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	webhookMaxRetries      = 3

	webhookSignatureHeader = "X-Lawline-Signature"
)

// WebhookRelay posts ledger events to the configured webhooks. Each hook
// keeps its own cursor, starting at the newest event when the relay starts.
type WebhookRelay struct {
	Ledger   ledger.Ledger
	Webhooks []config.WebhookConfig
	Interval time.Duration
	Logger   *slog.Logger

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func NewWebhookRelay(l ledger.Ledger, hooks []config.WebhookConfig, logger *slog.Logger) *WebhookRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookRelay{
		Ledger:   l,
		Webhooks: hooks,
		Interval: defaultWebhookInterval,
		Logger:   logger,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
}

// Run delivers until ctx is done. It returns immediately when no webhook is
// configured.
func (d *WebhookRelay) Run(ctx context.Context) {
	if len(d.Webhooks) == 0 {
		return
	}
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *WebhookRelay) DispatchAll(ctx context.Context) {
	for i, hook := range d.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookRelay) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.Ledger.ListEvents(ctx, ledger.EventFilter{AfterID: cursor, Limit: defaultWebhookBatch})
	if err != nil {
		d.Logger.Warn("webhook: fetch events failed", "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.deliver(ctx, hook, evt); err != nil {
			if errors.Is(err, errHookRejected) {
				d.Logger.Warn("webhook: event rejected, skipping", "url", hook.URL, "event_id", evt.ID, "error", err)
				d.setCursor(idx, evt.ID)
				continue
			}
			d.Logger.Warn("webhook: delivery failed", "url", hook.URL, "event_id", evt.ID, "error", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *WebhookRelay) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Ledger.LatestEventID(ctx)
	if err != nil {
		d.Logger.Warn("webhook: init cursor failed", "error", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookRelay) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

// errHookRejected marks a 4xx response. The event is not retried and the
// relay moves past it.
var errHookRejected = errors.New("webhook rejected event")

// deliver retries transport errors and 5xx responses. A 4xx is final.
func (d *WebhookRelay) deliver(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), webhookMaxRetries), ctx)
	return backoff.Retry(func() error {
		return d.post(ctx, hook, evt, data)
	}, bo)
}

func (d *WebhookRelay) post(ctx context.Context, hook config.WebhookConfig, evt domain.Event, data []byte) error {
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Lawline-Event", evt.Type)
	req.Header.Set("X-Lawline-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set(webhookSignatureHeader, SignWebhook(hook.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		if res.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("%w: status %d: %s", errHookRejected, res.StatusCode, strings.TrimSpace(string(body))))
		}
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// SignWebhook returns the X-Lawline-Signature value for a delivery body:
// a BLAKE3 MAC keyed by the hash of the hook secret.
func SignWebhook(secret string, body []byte) string {
	key := blake3.Sum256([]byte(secret))
	mac, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("webhook: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	mac.Write(body)
	return "blake3=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks a signature produced by SignWebhook.
func VerifyWebhook(secret string, body []byte, signature string) bool {
	return subtle.ConstantTimeCompare([]byte(SignWebhook(secret, body)), []byte(signature)) == 1
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
