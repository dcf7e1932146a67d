// transmit.go hands sanitized chunks to the collection endpoint.
//
// Wire contract: a single POST accepting {"errors": [...]}, responding 2xx on
// success or 429 on overload. Any other non-2xx is a non-retryable chunk
// failure; transport-level errors are retryable.

package errpipe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultChunkSize is how many events travel in one request. Batches larger
// than this are split so the collector's payload limits are respected.
const DefaultChunkSize = 20

// SendError reports a non-2xx response from the collector.
type SendError struct {
	Status int
}

func (e *SendError) Error() string {
	return fmt.Sprintf("collector responded %d", e.Status)
}

// Overload reports whether the collector signaled overload.
func (e *SendError) Overload() bool { return e.Status == http.StatusTooManyRequests }

// sender abstracts one chunk transmission so pipeline tests can substitute
// a fake for the HTTP client.
type sender interface {
	send(ctx context.Context, events []ErrorEvent) error
}

// batchPayload is the collector wire envelope.
type batchPayload struct {
	Errors []ErrorEvent `json:"errors"`
}

// httpSender POSTs chunks to the collection endpoint.
type httpSender struct {
	endpoint string
	client   *http.Client
	timeout  time.Duration
}

func newHTTPSender(endpoint string, client *http.Client, timeout time.Duration) *httpSender {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpSender{endpoint: endpoint, client: client, timeout: timeout}
}

func (s *httpSender) send(ctx context.Context, events []ErrorEvent) error {
	body, err := json.Marshal(batchPayload{Errors: events})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) // drain so the connection is reusable

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &SendError{Status: resp.StatusCode}
}

// chunkEvents splits a batch into fixed-size chunks, each sent as an
// independent request.
func chunkEvents(events []ErrorEvent, size int) [][]ErrorEvent {
	if size <= 0 {
		size = DefaultChunkSize
	}
	var chunks [][]ErrorEvent
	for len(events) > 0 {
		n := size
		if n > len(events) {
			n = len(events)
		}
		chunks = append(chunks, events[:n])
		events = events[n:]
	}
	return chunks
}
