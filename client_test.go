package agentgate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// clearGateEnv neutralizes ambient AGENTGATE_* variables so tests see only
// what they set themselves.
func clearGateEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"AGENTGATE_URL",
		"AGENTGATE_API_KEY",
		"AGENTGATE_TIMEOUT",
		"AGENTGATE_FALLBACK",
		"AGENTGATE_MAX_RETRIES",
	} {
		t.Setenv(key, "")
	}
}

func newTestClient(t *testing.T, baseURL string, opts ...Option) *Client {
	t.Helper()
	clearGateEnv(t)
	opts = append([]Option{WithBaseURL(baseURL)}, opts...)
	client, err := New(opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func writeRecord(w http.ResponseWriter, status int, record map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(record)
}

func TestNew(t *testing.T) {
	clearGateEnv(t)

	client, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	if client.baseURL != "http://localhost:3000" {
		t.Errorf("baseURL = %s, want http://localhost:3000", client.baseURL)
	}
	if client.apiKey != "" {
		t.Errorf("apiKey = %q, want empty", client.apiKey)
	}
	if client.fallback != FallbackDeny {
		t.Errorf("fallback = %s, want deny", client.fallback)
	}
	if client.maxRetries != 3 {
		t.Errorf("maxRetries = %d, want 3", client.maxRetries)
	}
	if !client.ownsHTTP {
		t.Error("client should own its HTTP client")
	}
	if client.httpClient.Timeout != 10*time.Second {
		t.Errorf("timeout = %v, want 10s", client.httpClient.Timeout)
	}
}

func TestNew_Layering(t *testing.T) {
	clearGateEnv(t)
	t.Setenv("AGENTGATE_URL", "http://from-env:1111")
	t.Setenv("AGENTGATE_FALLBACK", "allow")
	t.Setenv("AGENTGATE_MAX_RETRIES", "7")

	client, err := New(
		WithBaseURL("http://explicit:2222/"),
		WithMaxRetries(2),
	)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	if client.baseURL != "http://explicit:2222" {
		t.Errorf("baseURL = %s, want http://explicit:2222 (option over env, slash trimmed)", client.baseURL)
	}
	if client.fallback != FallbackAllow {
		t.Errorf("fallback = %s, want allow (env over default)", client.fallback)
	}
	if client.maxRetries != 2 {
		t.Errorf("maxRetries = %d, want 2 (option over env)", client.maxRetries)
	}
}

func TestNew_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"malformed base URL", []Option{WithBaseURL("not a url")}},
		{"zero timeout", []Option{WithTimeout(0)}},
		{"negative timeout", []Option{WithTimeout(-time.Second)}},
		{"negative retries", []Option{WithMaxRetries(-1)}},
		{"unknown fallback", []Option{WithFallback("maybe")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearGateEnv(t)

			if _, err := New(tt.opts...); err == nil {
				t.Error("Expected error but got none")
			}
		})
	}
}

func TestNew_CustomHTTPClient(t *testing.T) {
	clearGateEnv(t)
	custom := &http.Client{Timeout: 42 * time.Second}

	client, err := New(WithHTTPClient(custom))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if client.httpClient != custom {
		t.Error("injected HTTP client not used")
	}
	if client.ownsHTTP {
		t.Error("client should not own an injected HTTP client")
	}

	// Close must leave the caller's client alone.
	client.Close()
	client.Close()
}

func TestRequestApproval(t *testing.T) {
	var got struct {
		method      string
		path        string
		contentType string
		auth        string
		userAgent   string
		requestID   string
		body        map[string]any
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.method = r.Method
		got.path = r.URL.Path
		got.contentType = r.Header.Get("Content-Type")
		got.auth = r.Header.Get("Authorization")
		got.userAgent = r.Header.Get("User-Agent")
		got.requestID = r.Header.Get("X-Request-ID")
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &got.body)

		writeRecord(w, http.StatusCreated, map[string]any{
			"id":        "req_42",
			"action":    "deploy",
			"status":    "pending",
			"urgency":   "high",
			"params":    map[string]any{"env": "prod"},
			"createdAt": "2025-01-02T03:00:00Z",
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, WithAPIKey("test-key"))

	expires := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	req, err := client.RequestApproval(context.Background(), "deploy",
		WithParams(map[string]any{"env": "prod"}),
		WithRequestContext(map[string]any{"repo": "api"}),
		WithUrgency(UrgencyHigh),
		WithExpiresAt(expires),
	)
	if err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}

	if got.method != http.MethodPost {
		t.Errorf("method = %s, want POST", got.method)
	}
	if got.path != "/api/requests" {
		t.Errorf("path = %s, want /api/requests", got.path)
	}
	if got.contentType != "application/json" {
		t.Errorf("Content-Type = %s, want application/json", got.contentType)
	}
	if got.auth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want Bearer test-key", got.auth)
	}
	if got.userAgent != "agentgate-go/"+Version {
		t.Errorf("User-Agent = %q, want agentgate-go/%s", got.userAgent, Version)
	}
	if got.requestID == "" {
		t.Error("X-Request-ID header missing")
	}

	if got.body["action"] != "deploy" {
		t.Errorf("body action = %v, want deploy", got.body["action"])
	}
	if got.body["urgency"] != "high" {
		t.Errorf("body urgency = %v, want high", got.body["urgency"])
	}
	if got.body["expiresAt"] != "2025-06-01T12:00:00Z" {
		t.Errorf("body expiresAt = %v, want 2025-06-01T12:00:00Z", got.body["expiresAt"])
	}
	params, _ := got.body["params"].(map[string]any)
	if params["env"] != "prod" {
		t.Errorf("body params = %v, want env prod", got.body["params"])
	}
	reqContext, _ := got.body["context"].(map[string]any)
	if reqContext["repo"] != "api" {
		t.Errorf("body context = %v, want repo api", got.body["context"])
	}

	if req.ID != "req_42" {
		t.Errorf("ID = %s, want req_42", req.ID)
	}
	if req.Status != "pending" {
		t.Errorf("Status = %s, want pending", req.Status)
	}
	if req.Urgency != "high" {
		t.Errorf("Urgency = %s, want high", req.Urgency)
	}
	if req.Raw["id"] != "req_42" {
		t.Error("Raw payload not preserved")
	}
}

func TestRequestApproval_MinimalBody(t *testing.T) {
	var body map[string]any
	var auth string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &body)
		writeRecord(w, http.StatusCreated, map[string]any{"id": "req_1", "action": "deploy", "status": "pending", "urgency": "normal"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	if _, err := client.RequestApproval(context.Background(), "deploy"); err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}

	if auth != "" {
		t.Errorf("Authorization = %q, want no header without an API key", auth)
	}
	if body["urgency"] != "normal" {
		t.Errorf("body urgency = %v, want normal default", body["urgency"])
	}
	for _, key := range []string{"params", "context", "expiresAt"} {
		if _, present := body[key]; present {
			t.Errorf("body key %q should be omitted when unset", key)
		}
	}
}

func TestRequestApproval_AutoDecided(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeRecord(w, http.StatusCreated, map[string]any{
			"id":        "req_7",
			"action":    "read_docs",
			"status":    "approved",
			"decision":  "approved",
			"urgency":   "low",
			"decidedBy": "auto",
			"decidedAt": "2025-01-02T03:04:05Z",
		})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	req, err := client.RequestApproval(context.Background(), "read_docs")
	if err != nil {
		t.Fatalf("RequestApproval() error = %v", err)
	}

	if req.Status != DecisionApproved {
		t.Errorf("Status = %s, want approved", req.Status)
	}
	if req.Decision != DecisionApproved {
		t.Errorf("Decision = %s, want approved", req.Decision)
	}
	if req.DecidedBy != "auto" {
		t.Errorf("DecidedBy = %s, want auto", req.DecidedBy)
	}
}

func TestCheckDecision(t *testing.T) {
	t.Run("pending", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeRecord(w, http.StatusOK, map[string]any{"id": "req_1", "status": "pending"})
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)

		result, err := client.CheckDecision(context.Background(), "req_1")
		if err != nil {
			t.Fatalf("CheckDecision() error = %v", err)
		}
		if result.IsDecided {
			t.Error("pending request reported as decided")
		}
		if result.Status != "pending" {
			t.Errorf("Status = %s, want pending", result.Status)
		}
	})

	t.Run("decided", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeRecord(w, http.StatusOK, map[string]any{"id": "req_1", "status": "denied", "decision": "denied"})
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)

		result, err := client.CheckDecision(context.Background(), "req_1")
		if err != nil {
			t.Fatalf("CheckDecision() error = %v", err)
		}
		if !result.IsDecided {
			t.Error("denied request reported as undecided")
		}
		if result.Decision != DecisionDenied {
			t.Errorf("Decision = %s, want denied", result.Decision)
		}
	})

	t.Run("request ID is path escaped", func(t *testing.T) {
		var escapedPath string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			escapedPath = r.URL.EscapedPath()
			writeRecord(w, http.StatusOK, map[string]any{"id": "req 1/x", "status": "pending"})
		}))
		defer server.Close()

		client := newTestClient(t, server.URL)

		if _, err := client.CheckDecision(context.Background(), "req 1/x"); err != nil {
			t.Fatalf("CheckDecision() error = %v", err)
		}
		if escapedPath != "/api/requests/req%201%2Fx" {
			t.Errorf("path = %s, want /api/requests/req%%201%%2Fx", escapedPath)
		}
	})
}

func TestWaitForDecision(t *testing.T) {
	polls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls < 3 {
			writeRecord(w, http.StatusOK, map[string]any{"id": "req_1", "status": "pending"})
			return
		}
		writeRecord(w, http.StatusOK, map[string]any{"id": "req_1", "status": "approved", "decision": "approved"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	result, err := client.WaitForDecision(context.Background(), "req_1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForDecision() error = %v", err)
	}

	if result.Status != DecisionApproved {
		t.Errorf("Status = %s, want approved", result.Status)
	}
	if polls != 3 {
		t.Errorf("polls = %d, want 3", polls)
	}
}

func TestWaitForDecision_ContextEnds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeRecord(w, http.StatusOK, map[string]any{"id": "req_1", "status": "pending"})
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	result, err := client.WaitForDecision(ctx, "req_1", 10*time.Millisecond)
	if err == nil {
		t.Fatal("Expected error but got none")
	}
	if result != nil {
		t.Errorf("result = %v, want nil", result)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want context.DeadlineExceeded in chain", err)
	}
}

func TestListPolicies(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantIDs []string
	}{
		{
			name:    "bare array with junk skipped",
			body:    `[{"id":"p1","name":"one","priority":2},"junk"]`,
			wantIDs: []string{"p1"},
		},
		{
			name:    "policies envelope",
			body:    `{"policies":[{"id":"p1"},{"id":"p2","enabled":false}]}`,
			wantIDs: []string{"p1", "p2"},
		},
		{
			name:    "data envelope",
			body:    `{"data":[{"id":"p3"}]}`,
			wantIDs: []string{"p3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var path string
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				path = r.URL.Path
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := newTestClient(t, server.URL)

			policies, err := client.ListPolicies(context.Background())
			if err != nil {
				t.Fatalf("ListPolicies() error = %v", err)
			}

			if path != "/api/policies" {
				t.Errorf("path = %s, want /api/policies", path)
			}
			if len(policies) != len(tt.wantIDs) {
				t.Fatalf("len(policies) = %d, want %d", len(policies), len(tt.wantIDs))
			}
			for i, want := range tt.wantIDs {
				if policies[i].ID != want {
					t.Errorf("policies[%d].ID = %s, want %s", i, policies[i].ID, want)
				}
			}
		})
	}
}

func TestRequestApprovalSafe(t *testing.T) {
	// A closed server gives an instant connection error.
	deadServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := deadServer.URL
	deadServer.Close()

	t.Run("fallback deny by default", func(t *testing.T) {
		client := newTestClient(t, deadURL, WithMaxRetries(0))

		req, err := client.RequestApprovalSafe(context.Background(), "deploy")
		if err != nil {
			t.Fatalf("RequestApprovalSafe() error = %v", err)
		}

		if req.ID != "fallback" {
			t.Errorf("ID = %s, want fallback", req.ID)
		}
		if req.Status != DecisionDenied || req.Decision != DecisionDenied {
			t.Errorf("Status/Decision = %s/%s, want denied/denied", req.Status, req.Decision)
		}
		if req.Urgency != "normal" {
			t.Errorf("Urgency = %s, want normal", req.Urgency)
		}
		if req.Params == nil || req.Context == nil {
			t.Error("Params and Context must be empty maps, not nil")
		}
		if req.Raw["_fallback"] != true {
			t.Error("Raw missing _fallback marker")
		}
	})

	t.Run("fallback allow", func(t *testing.T) {
		client := newTestClient(t, deadURL, WithMaxRetries(0), WithFallback(FallbackAllow))

		params := map[string]any{"env": "prod"}
		req, err := client.RequestApprovalSafe(context.Background(), "deploy", WithParams(params))
		if err != nil {
			t.Fatalf("RequestApprovalSafe() error = %v", err)
		}

		if req.Status != DecisionApproved {
			t.Errorf("Status = %s, want approved", req.Status)
		}
		if req.Params["env"] != "prod" {
			t.Errorf("Params = %v, want the requested params", req.Params)
		}
		if req.Action != "deploy" {
			t.Errorf("Action = %s, want deploy", req.Action)
		}
	})

	t.Run("api errors propagate despite fallback allow", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeRecord(w, http.StatusUnauthorized, map[string]any{
				"error": map[string]any{"message": "invalid api key", "type": "unauthorized"},
			})
		}))
		defer server.Close()

		client := newTestClient(t, server.URL, WithFallback(FallbackAllow))

		req, err := client.RequestApprovalSafe(context.Background(), "deploy")
		if err == nil {
			t.Fatal("Expected error but got none")
		}
		if req != nil {
			t.Errorf("req = %v, want nil", req)
		}

		var gateErr *Error
		if !errors.As(err, &gateErr) {
			t.Fatalf("error type = %T, want *Error", err)
		}
		if gateErr.StatusCode != http.StatusUnauthorized {
			t.Errorf("StatusCode = %d, want 401", gateErr.StatusCode)
		}
		if gateErr.Connectivity {
			t.Error("API error must not be flagged as connectivity")
		}
	})
}

func TestTracing(t *testing.T) {
	newTracedClient := func(t *testing.T, baseURL string, opts ...Option) (*Client, *tracetest.SpanRecorder) {
		t.Helper()
		recorder := tracetest.NewSpanRecorder()
		provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
		opts = append(opts, WithTracerProvider(provider))
		return newTestClient(t, baseURL, opts...), recorder
	}

	findSpan := func(t *testing.T, recorder *tracetest.SpanRecorder, name string) sdktrace.ReadOnlySpan {
		t.Helper()
		for _, span := range recorder.Ended() {
			if span.Name() == name {
				return span
			}
		}
		t.Fatalf("span %q not recorded", name)
		return nil
	}

	t.Run("success sets ok status and status code", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeRecord(w, http.StatusCreated, map[string]any{"id": "req_1", "action": "deploy", "status": "pending", "urgency": "normal"})
		}))
		defer server.Close()

		client, recorder := newTracedClient(t, server.URL)

		if _, err := client.RequestApproval(context.Background(), "deploy"); err != nil {
			t.Fatalf("RequestApproval() error = %v", err)
		}

		span := findSpan(t, recorder, "agentgate.request_approval")
		if span.Status().Code != codes.Ok {
			t.Errorf("span status = %v, want Ok", span.Status().Code)
		}

		foundStatus := false
		for _, attr := range span.Attributes() {
			if string(attr.Key) == "http.status_code" && attr.Value.AsInt64() == 201 {
				foundStatus = true
			}
		}
		if !foundStatus {
			t.Error("span missing http.status_code 201 attribute")
		}
	})

	t.Run("retries add retry events", func(t *testing.T) {
		fastBackoffs(t)

		calls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			if calls == 1 {
				writeRecord(w, http.StatusServiceUnavailable, map[string]any{
					"error": map[string]any{"message": "overloaded", "type": "unavailable"},
				})
				return
			}
			writeRecord(w, http.StatusCreated, map[string]any{"id": "req_1", "action": "deploy", "status": "pending", "urgency": "normal"})
		}))
		defer server.Close()

		client, recorder := newTracedClient(t, server.URL, WithMaxRetries(1))

		if _, err := client.RequestApproval(context.Background(), "deploy"); err != nil {
			t.Fatalf("RequestApproval() error = %v", err)
		}

		span := findSpan(t, recorder, "agentgate.request_approval")
		retries := 0
		for _, event := range span.Events() {
			if event.Name == "retry" {
				retries++
			}
		}
		if retries != 1 {
			t.Errorf("retry events = %d, want 1", retries)
		}
	})

	t.Run("failure sets error status", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeRecord(w, http.StatusForbidden, map[string]any{
				"error": map[string]any{"message": "forbidden", "type": "forbidden"},
			})
		}))
		defer server.Close()

		client, recorder := newTracedClient(t, server.URL)

		if _, err := client.RequestApproval(context.Background(), "deploy"); err == nil {
			t.Fatal("Expected error but got none")
		}

		span := findSpan(t, recorder, "agentgate.request_approval")
		if span.Status().Code != codes.Error {
			t.Errorf("span status = %v, want Error", span.Status().Code)
		}
		if !strings.Contains(span.Status().Description, "forbidden") {
			t.Errorf("span status description = %q, want the error message", span.Status().Description)
		}
	})
}
