// Package notify delivers device lifecycle notifications to an operator
// webhook and flushes packet counters to an external metrics sink.
package notify

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/lease"
	"github.com/hearthd/hearthd/internal/metrics"
)

// Webhook posts device notifications as JSON with retry and optional
// HMAC-SHA256 signing. Delivery is asynchronous so the lease registry
// never blocks on a slow endpoint.
type Webhook struct {
	url       string
	secret    string
	manageURL string
	retries   int
	backoff   time.Duration
	newDevice bool
	inactive  bool
	client    *http.Client
	logger    *slog.Logger
	wg        sync.WaitGroup
}

// NewWebhook creates a webhook notifier from the notify config section.
func NewWebhook(cfg config.NotifyConfig, logger *slog.Logger) *Webhook {
	retries := cfg.Retries
	if retries <= 0 {
		retries = 1
	}
	backoff := time.Duration(cfg.RetryInterval) * time.Second
	if backoff == 0 {
		backoff = time.Second
	}
	return &Webhook{
		url:       cfg.WebhookURL,
		secret:    cfg.WebhookSecret,
		manageURL: cfg.ManageURL,
		retries:   retries,
		backoff:   backoff,
		newDevice: cfg.NotifyNewDevice,
		inactive:  cfg.NotifyInactiveDevice,
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

type payload struct {
	Event     string `json:"event"`
	MAC       string `json:"mac"`
	IP        string `json:"ip,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	Message   string `json:"message"`
	SilentFor string `json:"silent_for,omitempty"`
	ManageURL string `json:"manage_url,omitempty"`
	Timestamp string `json:"timestamp"`
}

// NewDevice announces a device seen for the first time.
func (w *Webhook) NewDevice(l *lease.Lease) {
	if !w.newDevice {
		return
	}
	name := l.Hostname
	if name == "" {
		name = "unknown"
	}
	w.deliver("new_device", payload{
		Event:    "new_device",
		MAC:      l.MAC,
		IP:       l.IP,
		Hostname: l.Hostname,
		Message:  fmt.Sprintf("New device %s (%s) joined the network with address %s", l.MAC, name, l.IP),
	})
}

// InactiveDevice announces a device renewing after a long silence.
func (w *Webhook) InactiveDevice(l *lease.Lease, silent time.Duration) {
	if !w.inactive {
		return
	}
	w.deliver("inactive_device", payload{
		Event:     "inactive_device",
		MAC:       l.MAC,
		IP:        l.IP,
		Hostname:  l.Hostname,
		SilentFor: HumanDuration(silent),
		Message:   fmt.Sprintf("Device %s is back after %s of silence", l.MAC, HumanDuration(silent)),
	})
}

func (w *Webhook) deliver(kind string, p payload) {
	p.ManageURL = w.manageURL
	p.Timestamp = time.Now().Format(time.RFC3339)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.sendWithRetry(kind, p)
	}()
}

// sendWithRetry delivers one notification with exponential backoff.
func (w *Webhook) sendWithRetry(kind string, p payload) {
	body, err := json.Marshal(p)
	if err != nil {
		w.logger.Error("marshaling notification", "kind", kind, "error", err)
		return
	}

	for attempt := 0; attempt < w.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.backoff * time.Duration(1<<uint(attempt-1)))
		}

		err = w.post(body)
		if err == nil {
			metrics.NotificationsSent.WithLabelValues(kind, "success").Inc()
			w.logger.Debug("notification delivered",
				"kind", kind, "mac", p.MAC, "attempt", attempt+1)
			return
		}

		w.logger.Warn("notification delivery failed",
			"kind", kind, "mac", p.MAC,
			"attempt", attempt+1, "max_retries", w.retries, "error", err)
	}

	metrics.NotificationsSent.WithLabelValues(kind, "error").Inc()
	w.logger.Error("notification dropped after all retries",
		"kind", kind, "mac", p.MAC, "retries", w.retries, "error", err)
}

func (w *Webhook) post(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "hearthd/1.0")
	req.Header.Set("X-Hearthd-Event", "device-notification")

	if w.secret != "" {
		req.Header.Set("X-Hearthd-Signature", "sha256="+computeHMAC(body, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", w.url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func computeHMAC(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Wait blocks until all in-flight notifications finish. Called on
// shutdown.
func (w *Webhook) Wait() {
	w.wg.Wait()
}
