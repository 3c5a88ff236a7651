// Package agentgate provides a Go client for the AgentGate approval API.
//
// AgentGate is an approval gate for AI agent actions: before an agent runs a
// sensitive operation it submits the action for approval, then polls for the
// human or policy decision. This package wraps the three API operations
// (create request, check decision, list policies) behind a resilient
// execution pipeline with bearer authentication, per-request timeouts,
// retry with backoff on transient failures, and an optional fail-open or
// fail-closed fallback when the service is unreachable.
//
// Quick start:
//
//	client, err := agentgate.New(
//	    agentgate.WithBaseURL("https://gate.internal:3000"),
//	    agentgate.WithAPIKey(os.Getenv("AGENTGATE_API_KEY")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	req, err := client.RequestApproval(ctx, "delete_user",
//	    agentgate.WithParams(map[string]any{"user_id": "u_123"}),
//	    agentgate.WithUrgency(agentgate.UrgencyHigh),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := client.WaitForDecision(ctx, req.ID, 0)
//
// A single *Client is safe for concurrent use by many goroutines. For
// callers that prefer futures over goroutine management, Client.Async
// returns a non-blocking view whose methods start immediately and return
// a *Call that can be awaited later.
//
// Configuration resolves in three layers: explicit options, then
// AGENTGATE_* environment variables, then built-in defaults. See New for
// the full list.
package agentgate

// Version is the SDK version reported in the User-Agent header.
const Version = "0.3.0"
