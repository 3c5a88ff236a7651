// Package agentgatetest provides a programmable in-memory AgentGate server
// for tests and local development.
//
// The server implements the HTTP surface the SDK consumes (create request,
// get request, list policies) plus an admin surface for deciding requests,
// and supports failure injection for exercising retry and fallback paths:
//
//	srv := agentgatetest.New(agentgatetest.WithAPIKey("test-key"))
//	defer srv.Close()
//
//	client, _ := agentgate.New(
//	    agentgate.WithBaseURL(srv.URL()),
//	    agentgate.WithAPIKey("test-key"),
//	)
//	req, _ := client.RequestApproval(ctx, "deploy")
//	srv.Decide(req.ID, "approved")
//
// State lives in memory and is lost on Close. Decisions are made by the
// test (Decide, WithAutoDecision) or over HTTP via the decision endpoint.
package agentgatetest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Server is a programmable in-memory AgentGate API server.
type Server struct {
	mu       sync.Mutex
	requests map[string]map[string]any
	order    []string
	policies []map[string]any
	attempts map[string]int

	failCount  int
	failStatus int
	dropCount  int

	apiKey         string
	deciderSecret  []byte
	autoDecision   string
	policyEnvelope string

	handler    http.Handler
	httpServer *httptest.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAPIKey makes the agent-facing endpoints require this bearer API key.
func WithAPIKey(apiKey string) Option {
	return func(s *Server) { s.apiKey = apiKey }
}

// WithDeciderAuth protects the decision endpoint with JWT auth: decisions
// require a bearer token minted by the token endpoint, signed with secret.
func WithDeciderAuth(secret string) Option {
	return func(s *Server) { s.deciderSecret = []byte(secret) }
}

// WithAutoDecision makes every created request settle immediately with the
// given status ("approved" or "denied") instead of staying pending.
func WithAutoDecision(status string) Option {
	return func(s *Server) { s.autoDecision = status }
}

// WithPolicyEnvelope selects the policy-list response shape: "policies" or
// "data" wraps the array in an object under that key; the default is a
// bare array.
func WithPolicyEnvelope(key string) Option {
	return func(s *Server) { s.policyEnvelope = key }
}

// New builds a Server and starts it on a local listener. Close must be
// called when done.
func New(opts ...Option) *Server {
	s := NewUnstarted(opts...)
	s.httpServer = httptest.NewServer(s.handler)
	return s
}

// NewUnstarted builds a Server without a listener. Serve Handler yourself;
// URL returns empty and Close is a no-op.
func NewUnstarted(opts ...Option) *Server {
	s := &Server{
		requests: make(map[string]map[string]any),
		attempts: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handler = s.routes()
	return s
}

// URL returns the server's base URL.
func (s *Server) URL() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.URL
}

// Handler returns the server's HTTP handler, for mounting on a listener of
// the caller's choosing.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Close shuts the listener down.
func (s *Server) Close() {
	if s.httpServer != nil {
		s.httpServer.Close()
	}
}

// Decide settles a pending request programmatically, as the decision
// endpoint would. Decision must be "approved", "denied", or "expired".
func (s *Server) Decide(requestID, decision string) error {
	if !validDecision(decision) {
		return fmt.Errorf("invalid decision %q", decision)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.requests[requestID]
	if !ok {
		return fmt.Errorf("request %s not found", requestID)
	}
	applyDecision(record, decision, "test")
	return nil
}

// SetPolicies replaces the policy list served by the policies endpoint.
// Policies are given in wire shape so tests can serve partial or unusual
// payloads.
func (s *Server) SetPolicies(policies ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies = policies
}

// Request returns a copy of the stored request record.
func (s *Server) Request(requestID string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.requests[requestID]
	if !ok {
		return nil, false
	}
	return copyRecord(record), true
}

// Requests returns copies of all stored request records in creation order.
func (s *Server) Requests() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	records := make([]map[string]any, 0, len(s.order))
	for _, id := range s.order {
		records = append(records, copyRecord(s.requests[id]))
	}
	return records
}

// Attempts returns how many times each agent-facing endpoint was hit,
// keyed by "METHOD path". Injected failures and drops count as attempts.
func (s *Server) Attempts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int, len(s.attempts))
	for key, n := range s.attempts {
		counts[key] = n
	}
	return counts
}

// FailNext makes the next n agent-facing calls answer with the given
// status and an injected error body, then resume normal behavior.
func (s *Server) FailNext(status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = status
	s.failCount = n
}

// DropNext makes the next n agent-facing calls abort the connection
// without a response, simulating a connectivity failure.
func (s *Server) DropNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropCount = n
}

// createRequest builds, stores, and returns a new request record.
func (s *Server) createRequest(payload *createRequestPayload) map[string]any {
	now := time.Now().UTC().Format(time.RFC3339)
	urgency := payload.Urgency
	if urgency == "" {
		urgency = "normal"
	}

	record := map[string]any{
		"id":        "req_" + uuid.NewString(),
		"action":    payload.Action,
		"status":    "pending",
		"urgency":   urgency,
		"createdAt": now,
		"updatedAt": now,
	}
	if payload.Params != nil {
		record["params"] = payload.Params
	}
	if payload.Context != nil {
		record["context"] = payload.Context
	}
	if payload.ExpiresAt != "" {
		record["expiresAt"] = payload.ExpiresAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoDecision != "" {
		applyDecision(record, s.autoDecision, "auto")
	}
	id := record["id"].(string)
	s.requests[id] = record
	s.order = append(s.order, id)
	return copyRecord(record)
}

// applyDecision settles a record in place. Callers hold the lock or own
// the record exclusively.
func applyDecision(record map[string]any, decision, decidedBy string) {
	now := time.Now().UTC().Format(time.RFC3339)
	record["status"] = decision
	record["decision"] = decision
	record["decidedBy"] = decidedBy
	record["decidedAt"] = now
	record["updatedAt"] = now
}

func validDecision(decision string) bool {
	return decision == "approved" || decision == "denied" || decision == "expired"
}

func copyRecord(record map[string]any) map[string]any {
	copied := make(map[string]any, len(record))
	for key, value := range record {
		copied[key] = value
	}
	return copied
}
