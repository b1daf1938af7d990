package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/pool-sniper/internal/config"
	"github.com/Rajchodisetti/pool-sniper/internal/observ"
)

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type SlackAttachment struct {
	Color  string       `json:"color"`
	Fields []SlackField `json:"fields"`
}

type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type queuedAlert struct {
	alert     Alert
	attempts  int
	nextRetry time.Time
}

const maxAttempts = 3

// SlackClient posts alerts to an incoming webhook from a background worker.
// Notify never blocks: the queue is bounded and drops the oldest
// non-critical alert when full.
type SlackClient struct {
	cfg         config.Slack
	httpClient  *http.Client
	queue       chan queuedAlert
	limiter     *rate.Limiter
	dedupe      time.Duration
	dedupeCache map[string]time.Time
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	metrics     AlertMetrics
}

type AlertMetrics struct {
	AlertsSentTotal    int64
	WebhookErrorsTotal int64
	RateLimitHitsTotal int64
	AlertQueueDropped  int64
	DedupedTotal       int64
}

func NewSlackClient(cfg config.Slack) *SlackClient {
	return newSlackClient(cfg, 1000)
}

func newSlackClient(cfg config.Slack, queueSize int) *SlackClient {
	ctx, cancel := context.WithCancel(context.Background())
	perMin := cfg.RateLimitPerMin
	if perMin <= 0 {
		perMin = 20
	}
	s := &SlackClient{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		queue:       make(chan queuedAlert, queueSize),
		limiter:     rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin),
		dedupe:      time.Duration(cfg.DedupeSeconds) * time.Second,
		dedupeCache: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}
	if s.dedupe <= 0 {
		s.dedupe = 60 * time.Second
	}
	s.wg.Add(2)
	go s.worker()
	go s.cleanup()
	return s
}

// Notify queues an alert for delivery.
func (s *SlackClient) Notify(a Alert) {
	if !s.cfg.Enabled || s.cfg.WebhookURL == "" {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	hash := hashAlert(a)
	s.mu.Lock()
	if last, ok := s.dedupeCache[hash]; ok && time.Since(last) < s.dedupe {
		s.metrics.DedupedTotal++
		s.mu.Unlock()
		return
	}
	s.dedupeCache[hash] = time.Now()
	s.mu.Unlock()

	// Critical alerts are never rate limited.
	if a.Severity != SeverityCritical && !s.limiter.Allow() {
		s.mu.Lock()
		s.metrics.RateLimitHitsTotal++
		s.mu.Unlock()
		observ.IncCounter("alerts_rate_limited_total", map[string]string{"kind": a.Kind})
		return
	}

	qa := queuedAlert{alert: a, nextRetry: time.Now()}
	select {
	case s.queue <- qa:
	default:
		s.dropOldestNonCritical(qa)
	}
}

func hashAlert(a Alert) string {
	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s", a.Kind, a.Title)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%s", k, a.Fields[k])
	}
	return fmt.Sprintf("%x", h.Sum(nil))[:16]
}

func (s *SlackClient) dropOldestNonCritical(newAlert queuedAlert) {
	select {
	case old := <-s.queue:
		if old.alert.Severity == SeverityCritical && newAlert.alert.Severity != SeverityCritical {
			// Keep the critical one, drop the new one.
			select {
			case s.queue <- old:
			default:
			}
			s.countDrop()
			return
		}
		s.countDrop()
		select {
		case s.queue <- newAlert:
		default:
			s.countDrop()
		}
	default:
		select {
		case s.queue <- newAlert:
		default:
			s.countDrop()
		}
	}
}

func (s *SlackClient) countDrop() {
	s.mu.Lock()
	s.metrics.AlertQueueDropped++
	s.mu.Unlock()
	observ.IncCounter("alerts_dropped_total", nil)
}

func (s *SlackClient) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case qa := <-s.queue:
			if wait := time.Until(qa.nextRetry); wait > 0 {
				select {
				case <-time.After(wait):
				case <-s.ctx.Done():
					return
				}
			}

			err := s.sendWebhook(qa.alert)
			if err == nil {
				s.mu.Lock()
				s.metrics.AlertsSentTotal++
				s.mu.Unlock()
				observ.IncCounter("alerts_sent_total", map[string]string{"kind": qa.alert.Kind})
				continue
			}

			qa.attempts++
			if qa.attempts >= maxAttempts {
				s.mu.Lock()
				s.metrics.WebhookErrorsTotal++
				s.mu.Unlock()
				observ.Error("slack_webhook_failed", err, map[string]any{"kind": qa.alert.Kind, "attempts": qa.attempts})
				continue
			}
			// Exponential backoff with jitter
			backoff := time.Duration(math.Pow(2, float64(qa.attempts))) * time.Second
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			qa.nextRetry = time.Now().Add(backoff + jitter)
			select {
			case s.queue <- qa:
			default:
				s.countDrop()
			}
		}
	}
}

func (s *SlackClient) sendWebhook(a Alert) error {
	payload, err := json.Marshal(s.formatMessage(a))
	if err != nil {
		return fmt.Errorf("marshal slack message: %w", err)
	}
	req, err := http.NewRequestWithContext(s.ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook status %d", resp.StatusCode)
	}
	return nil
}

func (s *SlackClient) formatMessage(a Alert) SlackMessage {
	emoji, color := "ℹ️", "good"
	switch a.Severity {
	case SeverityWarning:
		emoji, color = "⚠️", "warning"
	case SeverityCritical:
		emoji, color = "🛑", "danger"
	}

	keys := make([]string, 0, len(a.Fields))
	for k := range a.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]SlackField, 0, len(keys)+1)
	for _, k := range keys {
		v := a.Fields[k]
		if len(v) > 300 {
			v = v[:297] + "..."
		}
		fields = append(fields, SlackField{Title: k, Value: v, Short: len(v) < 40})
	}
	fields = append(fields, SlackField{Title: "time", Value: a.Timestamp.UTC().Format("15:04:05 MST"), Short: true})

	return SlackMessage{
		Channel: s.cfg.ChannelDefault,
		Text:    fmt.Sprintf("%s %s", emoji, a.Title),
		Attachments: []SlackAttachment{{
			Color:  color,
			Fields: fields,
		}},
	}
}

func (s *SlackClient) cleanup() {
	defer s.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			cutoff := time.Now().Add(-5 * time.Minute)
			for hash, ts := range s.dedupeCache {
				if ts.Before(cutoff) {
					delete(s.dedupeCache, hash)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Close stops the worker. Queued alerts that were not yet sent are dropped.
func (s *SlackClient) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *SlackClient) GetMetrics() AlertMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}
