package parallel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/ternarybob/multitask/internal/interfaces"
	"github.com/ternarybob/multitask/internal/models"
)

// runStateStream reads server-sent events from the run-state feed.
type runStateStream struct {
	resp    *http.Response
	scanner *bufio.Scanner
	client  *Client
}

// StreamRunStates attaches to a group's run-state feed. The request is made
// without a client timeout; callers bound its lifetime through ctx. A
// non-empty cursor is forwarded as a resumption hint; the feed may still
// replay already-applied events.
func (c *Client) StreamRunStates(ctx context.Context, apiKey, remoteGroupID, cursor string) (interfaces.RunStateStream, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &RateLimitError{RetryAfter: 0}
	}

	params := url.Values{}
	params.Set("include_input", "true")
	params.Set("include_output", "true")
	if cursor != "" {
		params.Set("last_event_id", cursor)
	}

	reqURL := fmt.Sprintf("%s/v1beta/tasks/groups/%s/runs?%s", c.baseURL, remoteGroupID, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	req.Header.Set("x-api-key", apiKey)
	req.Header.Set("Accept", "text/event-stream")

	// The streaming connection stays open for minutes; the configured
	// request timeout must not apply.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			Endpoint:   "/v1beta/tasks/groups/" + remoteGroupID + "/runs",
		}
	}

	scanner := bufio.NewScanner(resp.Body)
	// Output payloads can be large; allow lines up to 10MB.
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)

	return &runStateStream{
		resp:    resp,
		scanner: scanner,
		client:  c,
	}, nil
}

// Next returns the next decoded event. Lines that are not data frames and
// data frames that fail to decode are skipped. Returns io.EOF when the feed
// ends.
func (s *runStateStream) Next() (*models.StreamEvent, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var event models.StreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			if s.client.logger != nil {
				s.client.logger.Warn().Err(err).Msg("Skipping malformed stream event")
			}
			continue
		}
		return &event, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read failed: %w", err)
	}
	return nil, io.EOF
}

// Close releases the underlying connection.
func (s *runStateStream) Close() error {
	return s.resp.Body.Close()
}
