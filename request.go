package agentgate

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// retryBackoffs is the fixed backoff schedule, truncated to the configured
// retry budget. Total attempts = 1 + effective schedule length.
var retryBackoffs = []time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
}

// retryableStatus is retried on the backoff schedule. Exhausting the budget
// processes the final response like any other.
var retryableStatus = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// clientErrorStatus always fails immediately, regardless of retry budget.
var clientErrorStatus = map[int]bool{
	http.StatusBadRequest:   true,
	http.StatusUnauthorized: true,
	http.StatusForbidden:    true,
}

// do executes one logical API operation: issue the request, classify the
// outcome, retry transient failures on the backoff schedule, and decode the
// final body. It returns either the decoded JSON value or a *Error.
//
// Classification order per attempt: designated client errors (400, 401,
// 403) fail immediately; retryable server statuses (500, 502, 503, 504)
// retry while budget remains, then fall through to normal handling; any
// other status >= 400 fails immediately; anything else decodes as success.
// Transport failures retry like retryable statuses but surface with the
// connectivity flag set when the budget runs out.
func (c *Client) do(ctx context.Context, method, path string, body any) (any, error) {
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, newConnectivityError("failed to encode request body", err)
		}
		payload = encoded
	}

	schedule := retryBackoffs
	if c.maxRetries < len(schedule) {
		schedule = schedule[:c.maxRetries]
	}
	attempts := 1 + len(schedule)

	// One ID per logical operation so the server can correlate retries.
	requestID := uuid.NewString()
	span := trace.SpanFromContext(ctx)

	for attempt := 0; attempt < attempts; attempt++ {
		status, raw, err := c.send(ctx, method, path, payload, requestID)
		if err != nil {
			if attempt < len(schedule) {
				c.logger.Warn("agentgate connection error, retrying",
					zap.String("method", method),
					zap.String("path", path),
					zap.Int("attempt", attempt+1),
					zap.Int("max_attempts", attempts),
					zap.Duration("backoff", schedule[attempt]),
					zap.Error(err),
				)
				if span.IsRecording() {
					span.AddEvent("retry", trace.WithAttributes(
						attribute.Int("attempt", attempt+1),
						attribute.String("error", err.Error()),
					))
				}
				if serr := sleepContext(ctx, schedule[attempt]); serr != nil {
					return nil, newConnectivityError("request canceled during retry backoff", serr)
				}
				continue
			}
			return nil, newConnectivityError("connection failed: "+err.Error(), err)
		}

		if span.IsRecording() {
			span.SetAttributes(attribute.Int("http.status_code", status))
		}

		switch {
		case clientErrorStatus[status]:
			return nil, newStatusError(status, decodeErrorBody(raw))

		case retryableStatus[status] && attempt < len(schedule):
			c.logger.Warn("agentgate returned retryable status, retrying",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("status", status),
				zap.Int("attempt", attempt+1),
				zap.Int("max_attempts", attempts),
				zap.Duration("backoff", schedule[attempt]),
			)
			if span.IsRecording() {
				span.AddEvent("retry", trace.WithAttributes(
					attribute.Int("attempt", attempt+1),
					attribute.Int("http.status_code", status),
				))
			}
			if serr := sleepContext(ctx, schedule[attempt]); serr != nil {
				return nil, newConnectivityError("request canceled during retry backoff", serr)
			}
			continue

		case status >= 400:
			return nil, newStatusError(status, decodeErrorBody(raw))

		default:
			var data any
			if err := json.Unmarshal(raw, &data); err != nil {
				return nil, newConnectivityError("unexpected error decoding response", err)
			}
			return data, nil
		}
	}

	// Unreachable: the final attempt always returns above.
	return nil, newConnectivityError("retry loop exhausted", nil)
}

// send issues a single HTTP attempt and drains the body. The returned
// error covers everything up to and including reading the response; the
// caller treats it as a transport failure.
func (c *Client) send(ctx context.Context, method, path string, payload []byte, requestID string) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("User-Agent", "agentgate-go/"+Version)
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}

// decodeErrorBody parses an error response body, tolerating garbage: a
// body that is not a JSON object decodes to an empty map so newStatusError
// falls back to its generic message.
func decodeErrorBody(raw []byte) map[string]any {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil || body == nil {
		return map[string]any{}
	}
	return body
}

// sleepContext sleeps for d, returning early with the context's error when
// ctx ends first. Only the calling goroutine is suspended.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
