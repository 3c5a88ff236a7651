package agentgatetest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// createRequestPayload is the create-request wire payload.
type createRequestPayload struct {
	Action    string         `json:"action" validate:"required"`
	Params    map[string]any `json:"params"`
	Context   map[string]any `json:"context"`
	Urgency   string         `json:"urgency" validate:"omitempty,oneof=low normal high critical"`
	ExpiresAt string         `json:"expiresAt"`
}

// decisionPayload is the decision wire payload.
type decisionPayload struct {
	Decision  string `json:"decision" validate:"required,oneof=approved denied expired"`
	DecidedBy string `json:"decidedBy"`
	Reason    string `json:"reason"`
}

// tokenPayload is the token-exchange wire payload.
type tokenPayload struct {
	APIKey string `json:"apiKey" validate:"required"`
}

// routes wires the consumed API surface plus the admin endpoints.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)

	// Agent-facing surface: attempt counting and failure injection apply
	// only here, so admin calls never consume injected failures.
	r.Group(func(r chi.Router) {
		r.Use(s.countAttempts)
		r.Use(s.injectFailures)
		r.Use(s.requireAPIKey)
		r.Post("/api/requests", s.handleCreateRequest)
		r.Get("/api/requests/{id}", s.handleGetRequest)
		r.Get("/api/policies", s.handleListPolicies)
	})

	// Admin surface.
	r.Post("/api/requests/{id}/decision", s.requireDecider(s.handleDecide))
	r.Post("/api/auth/token", s.handleToken)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "endpoint not found", "not_found")
	})
	return r
}

// countAttempts records one hit per "METHOD path" before any other
// processing, so retries remain observable even when injection fails them.
func (s *Server) countAttempts(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.attempts[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// injectFailures consumes pending DropNext and FailNext programs. Drops
// abort the connection mid-request so the client sees a transport error.
func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		if s.dropCount > 0 {
			s.dropCount--
			s.mu.Unlock()
			panic(http.ErrAbortHandler)
		}
		if s.failCount > 0 {
			s.failCount--
			status := s.failStatus
			s.mu.Unlock()
			writeError(w, status, "injected failure", "injected")
			return
		}
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// requireAPIKey enforces bearer auth when the server was given an API key.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization", "unauthorized")
			return
		}
		if token != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid api key", "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var payload createRequestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body", "validation")
		return
	}
	if err := validate.Struct(payload); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err), "validation")
		return
	}
	writeJSON(w, http.StatusCreated, s.createRequest(&payload))
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	record, ok := s.Request(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "request not found", "not_found")
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	policies := make([]map[string]any, len(s.policies))
	copy(policies, s.policies)
	envelope := s.policyEnvelope
	s.mu.Unlock()

	if envelope == "" {
		writeJSON(w, http.StatusOK, policies)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{envelope: policies})
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	var payload decisionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body", "validation")
		return
	}
	if err := validate.Struct(payload); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err), "validation")
		return
	}

	id := chi.URLParam(r, "id")
	decidedBy := payload.DecidedBy
	if decidedBy == "" {
		decidedBy = "decider"
	}

	s.mu.Lock()
	record, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "request not found", "not_found")
		return
	}
	applyDecision(record, payload.Decision, decidedBy)
	if payload.Reason != "" {
		record["reason"] = payload.Reason
	}
	response := copyRecord(record)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, response)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes the AgentGate error envelope.
func writeError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
		},
	})
}

// validationMessage flattens validator errors into one wire message.
func validationMessage(err error) string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return "invalid request"
	}
	problems := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		field := strings.ToLower(fieldErr.Field())
		switch fieldErr.Tag() {
		case "required":
			problems = append(problems, field+" is required")
		case "oneof":
			problems = append(problems, field+" must be one of: "+fieldErr.Param())
		default:
			problems = append(problems, field+" is invalid")
		}
	}
	return strings.Join(problems, "; ")
}

// bearerToken extracts the bearer token from the Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}
