package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentgate/agentgate-go"
)

// signalContext is canceled on interrupt so polling commands exit cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runRequest(args []string) error {
	var g globalOptions
	fs := flag.NewFlagSet("request", flag.ContinueOnError)
	registerGlobalFlags(fs, &g)
	params := fs.String("params", "", "action parameters as a JSON object")
	reqContext := fs.String("context", "", "policy-evaluation context as a JSON object")
	urgency := fs.String("urgency", "", "urgency: low, normal, high, or critical")
	expiresIn := fs.Duration("expires-in", 0, "expire the request after this duration")
	safe := fs.Bool("safe", false, "degrade gracefully when the service is unreachable")
	wait := fs.Bool("wait", false, "wait for the decision after submitting")
	interval := fs.Duration("interval", 0, "poll interval used with --wait")
	if err := fs.Parse(args); err != nil {
		return err
	}
	action := fs.Arg(0)
	if action == "" {
		return errors.New("usage: agentgate request <action> [flags]")
	}

	var opts []agentgate.RequestOption
	if *params != "" {
		decoded, err := decodeJSONObject(*params)
		if err != nil {
			return fmt.Errorf("invalid --params: %w", err)
		}
		opts = append(opts, agentgate.WithParams(decoded))
	}
	if *reqContext != "" {
		decoded, err := decodeJSONObject(*reqContext)
		if err != nil {
			return fmt.Errorf("invalid --context: %w", err)
		}
		opts = append(opts, agentgate.WithRequestContext(decoded))
	}
	if *urgency != "" {
		opts = append(opts, agentgate.WithUrgency(agentgate.Urgency(*urgency)))
	}
	if *expiresIn > 0 {
		opts = append(opts, agentgate.WithExpiresAt(time.Now().Add(*expiresIn)))
	}

	client, cleanup, err := buildClient(&g)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signalContext()
	defer stop()

	var req *agentgate.ApprovalRequest
	if *safe {
		req, err = client.RequestApprovalSafe(ctx, action, opts...)
	} else {
		req, err = client.RequestApproval(ctx, action, opts...)
	}
	if err != nil {
		return err
	}
	if err := printJSON(req); err != nil {
		return err
	}

	if *wait && req.ID != "fallback" {
		result, err := client.WaitForDecision(ctx, req.ID, *interval)
		if err != nil {
			return err
		}
		return printJSON(result)
	}
	return nil
}

func runCheck(args []string) error {
	var g globalOptions
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	registerGlobalFlags(fs, &g)
	if err := fs.Parse(args); err != nil {
		return err
	}
	requestID := fs.Arg(0)
	if requestID == "" {
		return errors.New("usage: agentgate check <request-id> [flags]")
	}

	client, cleanup, err := buildClient(&g)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signalContext()
	defer stop()

	result, err := client.CheckDecision(ctx, requestID)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runWait(args []string) error {
	var g globalOptions
	fs := flag.NewFlagSet("wait", flag.ContinueOnError)
	registerGlobalFlags(fs, &g)
	interval := fs.Duration("interval", 0, "poll interval (default 2s)")
	waitFor := fs.Duration("for", 0, "give up after this long (default: wait forever)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	requestID := fs.Arg(0)
	if requestID == "" {
		return errors.New("usage: agentgate wait <request-id> [flags]")
	}

	client, cleanup, err := buildClient(&g)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signalContext()
	defer stop()
	if *waitFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *waitFor)
		defer cancel()
	}

	result, err := client.WaitForDecision(ctx, requestID, *interval)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runPolicies(args []string) error {
	var g globalOptions
	fs := flag.NewFlagSet("policies", flag.ContinueOnError)
	registerGlobalFlags(fs, &g)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, cleanup, err := buildClient(&g)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signalContext()
	defer stop()

	policies, err := client.ListPolicies(ctx)
	if err != nil {
		return err
	}
	return printJSON(policies)
}

func runDecide(args []string) error {
	var g globalOptions
	fs := flag.NewFlagSet("decide", flag.ContinueOnError)
	registerGlobalFlags(fs, &g)
	decidedBy := fs.String("decided-by", "", "who made the decision")
	reason := fs.String("reason", "", "reason recorded with the decision")
	if err := fs.Parse(args); err != nil {
		return err
	}
	requestID := fs.Arg(0)
	decision := fs.Arg(1)
	if requestID == "" || decision == "" {
		return errors.New("usage: agentgate decide <request-id> <decision> [flags]")
	}

	settings, err := resolveSettings(&g)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	admin := &adminClient{
		baseURL:    settings.BaseURL,
		apiKey:     settings.APIKey,
		httpClient: &http.Client{Timeout: settings.Timeout},
	}
	body := map[string]any{"decision": decision}
	if *decidedBy != "" {
		body["decidedBy"] = *decidedBy
	}
	if *reason != "" {
		body["reason"] = *reason
	}

	record, err := admin.decide(ctx, requestID, body)
	if err != nil {
		return err
	}
	return printJSON(record)
}

// adminClient talks to the decision surface, which sits outside the SDK's
// agent-facing contract. When the server demands decider auth it exchanges
// the API key for a short-lived token and retries once.
type adminClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func (a *adminClient) decide(ctx context.Context, requestID string, body map[string]any) (map[string]any, error) {
	path := "/api/requests/" + url.PathEscape(requestID) + "/decision"

	status, record, err := a.post(ctx, path, "", body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		token, err := a.exchangeToken(ctx)
		if err != nil {
			return nil, err
		}
		status, record, err = a.post(ctx, path, token, body)
		if err != nil {
			return nil, err
		}
	}
	if status >= 400 {
		return nil, fmt.Errorf("decision rejected: %s", errorMessage(record, status))
	}
	return record, nil
}

func (a *adminClient) exchangeToken(ctx context.Context) (string, error) {
	status, response, err := a.post(ctx, "/api/auth/token", "", map[string]any{"apiKey": a.apiKey})
	if err != nil {
		return "", err
	}
	if status >= 400 {
		return "", fmt.Errorf("token exchange failed: %s", errorMessage(response, status))
	}
	token, _ := response["token"].(string)
	if token == "" {
		return "", errors.New("token exchange returned no token")
	}
	return token, nil
}

func (a *adminClient) post(ctx context.Context, path, token string, body map[string]any) (int, map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		decoded = map[string]any{}
	}
	return resp.StatusCode, decoded, nil
}

// errorMessage digs the message out of an AgentGate error envelope.
func errorMessage(body map[string]any, status int) string {
	if detail, ok := body["error"].(map[string]any); ok {
		if msg, ok := detail["message"].(string); ok && msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("HTTP %d", status)
}

// decodeJSONObject parses a flag value that must be a JSON object.
func decodeJSONObject(value string) (map[string]any, error) {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(value), &decoded); err != nil {
		return nil, err
	}
	return decoded, nil
}
