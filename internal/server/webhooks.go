package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"elam/internal/config"
	"elam/internal/domain"
	"elam/internal/engine"
	"elam/internal/metrics"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher forwards new audit log entries to the configured webhooks. Each
// hook keeps its own cursor; delivery to a hook stops at the first failure and is
// retried from the same entry on the next tick.
type WebhookDispatcher struct {
	Interval time.Duration

	engine  engine.Engine
	hooks   []config.WebhookConfig
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	cursors map[int]int64
}

// NewWebhookDispatcher returns nil when no webhook is enabled.
func NewWebhookDispatcher(e engine.Engine, hooks []config.WebhookConfig, logger *zap.Logger, m *metrics.Metrics) *WebhookDispatcher {
	var enabled []config.WebhookConfig
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		enabled = append(enabled, hook)
	}
	if len(enabled) == 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookDispatcher{
		Interval: defaultWebhookInterval,
		engine:   e,
		hooks:    enabled,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger.Named("webhooks"),
		metrics:  m,
		cursors:  make(map[int]int64),
	}
}

// Run polls until ctx is cancelled. Entries written before the first poll are not sent.
func (d *WebhookDispatcher) Run(ctx context.Context) error {
	if d == nil {
		<-ctx.Done()
		return nil
	}
	d.logger.Info("webhook dispatcher started", zap.Int("hooks", len(d.hooks)))
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// DispatchOnce delivers pending entries to every hook.
func (d *WebhookDispatcher) DispatchOnce(ctx context.Context) {
	for i, hook := range d.hooks {
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, ok := d.cursorFor(ctx, idx)
	if !ok {
		return
	}
	logs, err := d.engine.Repo.AuditLogsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.logger.Error("fetch audit logs failed", zap.Error(err))
		return
	}
	filter := newActionFilter(hook.Actions)
	for _, entry := range logs {
		if !filter.match(entry.Action) {
			d.setCursor(idx, entry.ID)
			continue
		}
		if err := d.post(ctx, hook, entry); err != nil {
			d.metrics.IncWebhook("failure")
			d.logger.Warn("webhook delivery failed",
				zap.String("url", hook.URL),
				zap.Int64("audit_id", entry.ID),
				zap.Error(err))
			return
		}
		d.metrics.IncWebhook("success")
		d.setCursor(idx, entry.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, true
	}
	cur, err := d.engine.Repo.LatestAuditID(ctx)
	if err != nil {
		d.logger.Error("init webhook cursor failed", zap.Error(err))
		return 0, false
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Action     string          `json:"action"`
	ActorID    string          `json:"actor_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	Outcome    string          `json:"outcome"`
	TS         string          `json:"ts"`
	Details    json.RawMessage `json:"details"`
}

func (d *WebhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, entry domain.AuditLog) error {
	details := entry.Details
	if len(details) == 0 {
		details = json.RawMessage("{}")
	}
	data, err := json.Marshal(webhookEvent{
		ID:         entry.ID,
		Action:     entry.Action,
		ActorID:    entry.ActorID,
		EntityKind: entry.EntityKind,
		EntityID:   entry.EntityID,
		Outcome:    entry.Outcome,
		TS:         entry.TS,
		Details:    details,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Elam-Event", entry.Action)
	req.Header.Set("X-Elam-Delivery", strconv.FormatInt(entry.ID, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Elam-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
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

// actionFilter matches exact actions and "prefix.*" patterns; empty matches all.
type actionFilter struct {
	all      bool
	exact    map[string]struct{}
	prefixes []string
}

func newActionFilter(actions []string) actionFilter {
	f := actionFilter{exact: map[string]struct{}{}}
	for _, a := range actions {
		key := strings.TrimSpace(a)
		switch {
		case key == "":
		case key == "*":
			f.all = true
		case strings.HasSuffix(key, ".*"):
			f.prefixes = append(f.prefixes, strings.TrimSuffix(key, "*"))
		default:
			f.exact[key] = struct{}{}
		}
	}
	if len(f.exact) == 0 && len(f.prefixes) == 0 {
		f.all = true
	}
	return f
}

func (f actionFilter) match(action string) bool {
	if f.all {
		return true
	}
	if _, ok := f.exact[action]; ok {
		return true
	}
	for _, p := range f.prefixes {
		if strings.HasPrefix(action, p) {
			return true
		}
	}
	return false
}
