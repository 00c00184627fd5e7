package notify

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hearthd/hearthd/internal/config"
	"github.com/hearthd/hearthd/internal/lease"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testWebhook(url string) *Webhook {
	w := NewWebhook(config.NotifyConfig{
		Enabled:              true,
		WebhookURL:           url,
		Retries:              1,
		NotifyNewDevice:      true,
		NotifyInactiveDevice: true,
		ManageURL:            "http://dhcp.lan/manage",
	}, testLogger())
	w.backoff = 10 * time.Millisecond
	return w
}

func TestWebhookNewDevice(t *testing.T) {
	var got payload
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		if r.Method != "POST" {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		if r.Header.Get("X-Hearthd-Event") == "" {
			t.Error("missing X-Hearthd-Event header")
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("unmarshaling payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := testWebhook(server.URL)
	hook.NewDevice(&lease.Lease{
		MAC:      "aa:bb:cc:00:11:22",
		IP:       "192.168.1.100",
		Hostname: "laptop",
	})
	hook.Wait()

	if received.Load() != 1 {
		t.Fatalf("webhook received %d requests, want 1", received.Load())
	}
	if got.Event != "new_device" {
		t.Errorf("event = %q, want new_device", got.Event)
	}
	if got.MAC != "aa:bb:cc:00:11:22" || got.IP != "192.168.1.100" {
		t.Errorf("payload identity wrong: %+v", got)
	}
	if got.Message == "" {
		t.Error("payload message is empty")
	}
	if got.ManageURL != "http://dhcp.lan/manage" {
		t.Errorf("manage_url = %q", got.ManageURL)
	}
}

func TestWebhookInactiveDevice(t *testing.T) {
	var got payload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := testWebhook(server.URL)
	hook.InactiveDevice(&lease.Lease{MAC: "aa:bb:cc:00:11:22"}, 3*24*time.Hour)
	hook.Wait()

	if got.Event != "inactive_device" {
		t.Errorf("event = %q, want inactive_device", got.Event)
	}
	if got.SilentFor != "3 days" {
		t.Errorf("silent_for = %q, want %q", got.SilentFor, "3 days")
	}
}

func TestWebhookDisabledKinds(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := NewWebhook(config.NotifyConfig{
		Enabled:    true,
		WebhookURL: server.URL,
		Retries:    1,
	}, testLogger())

	hook.NewDevice(&lease.Lease{MAC: "aa:bb:cc:00:11:22"})
	hook.InactiveDevice(&lease.Lease{MAC: "aa:bb:cc:00:11:22"}, time.Hour)
	hook.Wait()

	if received.Load() != 0 {
		t.Errorf("webhook received %d requests, want 0 when both kinds are off", received.Load())
	}
}

func TestWebhookSignature(t *testing.T) {
	var sig string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get("X-Hearthd-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := testWebhook(server.URL)
	hook.secret = "test-secret"
	hook.NewDevice(&lease.Lease{MAC: "aa:bb:cc:00:11:22"})
	hook.Wait()

	if len(sig) != len("sha256=")+64 || sig[:7] != "sha256=" {
		t.Errorf("signature format wrong: %q", sig)
	}
}

func TestWebhookRetry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	hook := testWebhook(server.URL)
	hook.retries = 3
	hook.NewDevice(&lease.Lease{MAC: "aa:bb:cc:00:11:22"})
	hook.Wait()

	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestComputeHMAC(t *testing.T) {
	sig := computeHMAC([]byte("payload"), "secret")
	if len(sig) != 64 {
		t.Errorf("signature length = %d, want 64", len(sig))
	}
	if sig != computeHMAC([]byte("payload"), "secret") {
		t.Error("HMAC not deterministic")
	}
	if sig == computeHMAC([]byte("payload"), "other") {
		t.Error("different secrets produced the same HMAC")
	}
}

func TestHumanDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30 seconds"},
		{time.Minute, "1 minute"},
		{45 * time.Minute, "45 minutes"},
		{3 * time.Hour, "3 hours"},
		{24 * time.Hour, "1 day"},
		{7 * 24 * time.Hour, "7 days"},
		{400 * 24 * time.Hour, "1 year"},
	}
	for _, tt := range tests {
		if got := HumanDuration(tt.d); got != tt.want {
			t.Errorf("HumanDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
