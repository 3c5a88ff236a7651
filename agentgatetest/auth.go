package agentgatetest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// deciderClaims are the claims carried by decider tokens.
type deciderClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// deciderTokenTTL bounds how long a minted decider token stays valid.
const deciderTokenTTL = time.Hour

// handleToken exchanges the API key for a decider JWT. Only available when
// decider auth is enabled.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.deciderSecret == nil {
		writeError(w, http.StatusNotFound, "decider auth not enabled", "not_found")
		return
	}

	var payload tokenPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body", "validation")
		return
	}
	if err := validate.Struct(payload); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err), "validation")
		return
	}
	if s.apiKey != "" && payload.APIKey != s.apiKey {
		writeError(w, http.StatusUnauthorized, "invalid api key", "unauthorized")
		return
	}

	token, err := s.mintDeciderToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to sign token", "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

// mintDeciderToken signs a short-lived HS256 token with the decider role.
func (s *Server) mintDeciderToken() (string, error) {
	now := time.Now()
	claims := deciderClaims{
		Role: "decider",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "decider",
			Issuer:    "agentgatetest",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(deciderTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.deciderSecret)
}

// validateDeciderToken parses and verifies a decider JWT.
func (s *Server) validateDeciderToken(tokenString string) (*deciderClaims, error) {
	claims := &deciderClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.deciderSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if claims.Role != "decider" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// requireDecider protects the decision endpoint when decider auth is
// enabled; otherwise it passes requests straight through.
func (s *Server) requireDecider(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deciderSecret == nil {
			next(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization", "unauthorized")
			return
		}
		if _, err := s.validateDeciderToken(token); err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token", "unauthorized")
			return
		}
		next(w, r)
	}
}
