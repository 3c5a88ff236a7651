package agentgate

import (
	"github.com/agentgate/agentgate-go/internal/jsonmap"
)

// Urgency indicates how quickly an approval request needs review.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// FallbackBehavior selects what RequestApprovalSafe synthesizes when the
// service is unreachable: fail-open (allow) or fail-closed (deny).
type FallbackBehavior string

const (
	FallbackAllow FallbackBehavior = "allow"
	FallbackDeny  FallbackBehavior = "deny"
)

// Decision values an approval request can settle on. Status fields share the
// same vocabulary.
const (
	DecisionApproved = "approved"
	DecisionDenied   = "denied"
	DecisionPending  = "pending"
	DecisionExpired  = "expired"
)

// ApprovalRequest is an approval request record returned by the API.
//
// Timestamps are kept as the ISO 8601 strings the wire carries. Raw holds
// the unmodified server payload for access to fields the struct does not
// surface. The synthetic record returned by RequestApprovalSafe on fallback
// has ID "fallback" and Raw {"_fallback": true}.
type ApprovalRequest struct {
	ID       string         `json:"id"`
	Action   string         `json:"action"`
	Status   string         `json:"status"`
	Decision string         `json:"decision,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
	Urgency  string         `json:"urgency"`

	DecidedBy string `json:"decidedBy,omitempty"`
	DecidedAt string `json:"decidedAt,omitempty"`
	ExpiresAt string `json:"expiresAt,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`

	Raw map[string]any `json:"-"`
}

// ApprovalRequestFromResponse decodes a server payload into an
// ApprovalRequest. Missing or mistyped fields are replaced with defaults
// (status "pending", urgency "normal", empty params/context); it never fails.
func ApprovalRequestFromResponse(data map[string]any) *ApprovalRequest {
	return &ApprovalRequest{
		ID:        jsonmap.String(data, "id"),
		Action:    jsonmap.String(data, "action"),
		Status:    jsonmap.StringOr(data, "status", "pending"),
		Decision:  jsonmap.String(data, "decision"),
		Params:    jsonmap.Map(data, "params"),
		Context:   jsonmap.Map(data, "context"),
		Urgency:   jsonmap.StringOr(data, "urgency", "normal"),
		DecidedBy: jsonmap.String(data, "decidedBy"),
		DecidedAt: jsonmap.String(data, "decidedAt"),
		ExpiresAt: jsonmap.String(data, "expiresAt"),
		CreatedAt: jsonmap.String(data, "createdAt"),
		UpdatedAt: jsonmap.String(data, "updatedAt"),
		Raw:       data,
	}
}

// Policy is a policy record returned by the API.
type Policy struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Rules holds the policy's rule objects as decoded, order preserved.
	Rules []any `json:"rules"`

	Priority int  `json:"priority"`
	Enabled  bool `json:"enabled"`

	Raw map[string]any `json:"-"`
}

// PolicyFromResponse decodes a server payload into a Policy. Missing or
// mistyped fields are replaced with defaults (priority 0, enabled true,
// empty rules); it never fails.
func PolicyFromResponse(data map[string]any) *Policy {
	return &Policy{
		ID:       jsonmap.String(data, "id"),
		Name:     jsonmap.String(data, "name"),
		Rules:    jsonmap.List(data, "rules"),
		Priority: jsonmap.Int(data, "priority", 0),
		Enabled:  jsonmap.Bool(data, "enabled", true),
		Raw:      data,
	}
}

// PoliciesFromResponse normalizes a policy-list payload. The API may answer
// with a bare array or wrap it as {"policies": [...]} or {"data": [...]};
// all three shapes decode to the same sequence. Elements that are not
// objects are skipped.
func PoliciesFromResponse(payload any) []*Policy {
	var items []any
	switch data := payload.(type) {
	case []any:
		items = data
	case map[string]any:
		if list, ok := data["policies"].([]any); ok {
			items = list
		} else if list, ok := data["data"].([]any); ok {
			items = list
		}
	}

	policies := make([]*Policy, 0, len(items))
	for _, item := range items {
		if obj, ok := item.(map[string]any); ok {
			policies = append(policies, PolicyFromResponse(obj))
		}
	}
	return policies
}

// DecisionResult is the outcome of checking an approval request.
type DecisionResult struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Decision string `json:"decision,omitempty"`

	// IsDecided reports whether the request has settled. It is computed
	// from the status, never read from the payload.
	IsDecided bool `json:"isDecided"`
}

// DecisionResultFromResponse decodes a server payload into a DecisionResult.
// IsDecided is true iff the status is approved, denied, or expired.
func DecisionResultFromResponse(data map[string]any) *DecisionResult {
	status := jsonmap.StringOr(data, "status", "pending")
	return &DecisionResult{
		ID:        jsonmap.String(data, "id"),
		Status:    status,
		Decision:  jsonmap.String(data, "decision"),
		IsDecided: status == DecisionApproved || status == DecisionDenied || status == DecisionExpired,
	}
}
