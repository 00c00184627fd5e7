package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Sink receives periodic packet counter snapshots.
type Sink interface {
	WriteCounters(ctx context.Context, counters map[string]int64) error
}

// InfluxSink writes counter snapshots as InfluxDB v2 line protocol.
type InfluxSink struct {
	writeURL    string
	token       string
	measurement string
	client      *http.Client
}

// NewInfluxSink builds a sink for the given base URL, org, and bucket.
func NewInfluxSink(baseURL, token, org, bucket, measurement string) *InfluxSink {
	q := url.Values{}
	q.Set("org", org)
	q.Set("bucket", bucket)
	q.Set("precision", "s")
	return &InfluxSink{
		writeURL:    strings.TrimRight(baseURL, "/") + "/api/v2/write?" + q.Encode(),
		token:       token,
		measurement: measurement,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

// WriteCounters posts one line-protocol point carrying all counters as
// integer fields. An empty snapshot writes nothing.
func (s *InfluxSink) WriteCounters(ctx context.Context, counters map[string]int64) error {
	if len(counters) == 0 {
		return nil
	}

	keys := make([]string, 0, len(counters))
	for k := range counters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(s.measurement)
	b.WriteByte(' ')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%di", k, counters[k])
	}
	fmt.Fprintf(&b, " %d", time.Now().Unix())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.writeURL,
		strings.NewReader(b.String()))
	if err != nil {
		return fmt.Errorf("creating write request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+s.token)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("writing to metrics sink: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("metrics sink returned HTTP %d", resp.StatusCode)
	}
	return nil
}
