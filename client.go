package agentgate

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentgate/agentgate-go/config"
)

// tracerName identifies this instrumentation library in emitted spans.
const tracerName = "github.com/agentgate/agentgate-go"

// defaultPollInterval is used by WaitForDecision when no interval is given.
const defaultPollInterval = 2 * time.Second

// Client is a blocking AgentGate API client. It is safe for concurrent use
// by multiple goroutines; a retry backoff suspends only the goroutine whose
// operation is waiting.
type Client struct {
	baseURL    string
	apiKey     string
	fallback   FallbackBehavior
	maxRetries int

	httpClient *http.Client
	ownsHTTP   bool
	logger     *zap.Logger
	tracer     trace.Tracer
}

// clientOptions accumulates explicit settings before they are layered over
// the environment-derived configuration.
type clientOptions struct {
	baseURL        *string
	apiKey         *string
	timeout        *time.Duration
	fallback       *FallbackBehavior
	maxRetries     *int
	httpClient     *http.Client
	logger         *zap.Logger
	tracerProvider trace.TracerProvider
}

// Option configures a Client.
type Option func(*clientOptions)

// WithBaseURL sets the service base URL, overriding AGENTGATE_URL. A
// trailing slash is trimmed.
func WithBaseURL(baseURL string) Option {
	return func(o *clientOptions) { o.baseURL = &baseURL }
}

// WithAPIKey sets the bearer API key, overriding AGENTGATE_API_KEY.
func WithAPIKey(apiKey string) Option {
	return func(o *clientOptions) { o.apiKey = &apiKey }
}

// WithTimeout sets the per-attempt request timeout, overriding
// AGENTGATE_TIMEOUT.
func WithTimeout(timeout time.Duration) Option {
	return func(o *clientOptions) { o.timeout = &timeout }
}

// WithFallback sets the degradation behavior used by RequestApprovalSafe,
// overriding AGENTGATE_FALLBACK.
func WithFallback(fallback FallbackBehavior) Option {
	return func(o *clientOptions) { o.fallback = &fallback }
}

// WithMaxRetries bounds retries of retryable failures, overriding
// AGENTGATE_MAX_RETRIES. Zero disables retries entirely.
func WithMaxRetries(maxRetries int) Option {
	return func(o *clientOptions) { o.maxRetries = &maxRetries }
}

// WithHTTPClient injects the HTTP client used for all requests. The caller
// keeps ownership: the configured timeout option does not apply to it and
// Close will not touch it.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = httpClient }
}

// WithLogger sets the logger for retry and fallback warnings. The default
// is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *clientOptions) { o.logger = logger }
}

// WithTracerProvider sets the OpenTelemetry tracer provider for client
// spans. The default is the global provider, a no-op unless the process
// installed one.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *clientOptions) { o.tracerProvider = provider }
}

// New creates a Client. Configuration resolves in three layers, first one
// set wins:
//
//	explicit option > environment variable > default
//
//	WithBaseURL     AGENTGATE_URL          http://localhost:3000
//	WithAPIKey      AGENTGATE_API_KEY      "" (no auth header)
//	WithTimeout     AGENTGATE_TIMEOUT      10s (env value in seconds)
//	WithFallback    AGENTGATE_FALLBACK     deny
//	WithMaxRetries  AGENTGATE_MAX_RETRIES  3
//
// The resolved settings are validated; New fails on a malformed base URL,
// a non-positive timeout, a negative retry count, or an unknown fallback.
func New(opts ...Option) (*Client, error) {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	settings := config.FromEnv()
	if o.baseURL != nil {
		settings.BaseURL = strings.TrimRight(*o.baseURL, "/")
	}
	if o.apiKey != nil {
		settings.APIKey = *o.apiKey
	}
	if o.timeout != nil {
		settings.Timeout = *o.timeout
	}
	if o.fallback != nil {
		settings.Fallback = string(*o.fallback)
	}
	if o.maxRetries != nil {
		settings.MaxRetries = *o.maxRetries
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	provider := o.tracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}

	client := &Client{
		baseURL:    settings.BaseURL,
		apiKey:     settings.APIKey,
		fallback:   FallbackBehavior(settings.Fallback),
		maxRetries: settings.MaxRetries,
		logger:     logger,
		tracer:     provider.Tracer(tracerName),
	}
	if o.httpClient != nil {
		client.httpClient = o.httpClient
	} else {
		client.httpClient = &http.Client{Timeout: settings.Timeout}
		client.ownsHTTP = true
	}
	return client, nil
}

// Close releases the transport's idle connections. When the HTTP client was
// injected via WithHTTPClient the caller keeps ownership and Close does
// nothing. Close is safe to call more than once.
func (c *Client) Close() {
	if c.ownsHTTP {
		c.httpClient.CloseIdleConnections()
	}
}

// requestOptions holds the optional fields of an approval request.
type requestOptions struct {
	params    map[string]any
	context   map[string]any
	urgency   Urgency
	expiresAt time.Time
}

// RequestOption configures a single approval request.
type RequestOption func(*requestOptions)

// WithParams attaches the parameters of the action under review.
func WithParams(params map[string]any) RequestOption {
	return func(o *requestOptions) { o.params = params }
}

// WithRequestContext attaches additional context for policy evaluation.
func WithRequestContext(context map[string]any) RequestOption {
	return func(o *requestOptions) { o.context = context }
}

// WithUrgency sets the urgency level. The default is UrgencyNormal.
func WithUrgency(urgency Urgency) RequestOption {
	return func(o *requestOptions) { o.urgency = urgency }
}

// WithExpiresAt sets when the request expires if still undecided.
func WithExpiresAt(expiresAt time.Time) RequestOption {
	return func(o *requestOptions) { o.expiresAt = expiresAt }
}

// approvalRequestBody is the create-request wire payload. Empty optional
// fields are omitted entirely, never sent as null.
type approvalRequestBody struct {
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Urgency   string         `json:"urgency"`
	ExpiresAt string         `json:"expiresAt,omitempty"`
}

// RequestApproval creates an approval request for an action and returns the
// created record, normally still pending. The error is always a *Error
// carrying either the server's verdict or a connectivity flag.
func (c *Client) RequestApproval(ctx context.Context, action string, opts ...RequestOption) (req *ApprovalRequest, err error) {
	ctx, span := c.startSpan(ctx, "agentgate.request_approval")
	defer func() { c.endSpan(span, err) }()

	options := requestOptions{urgency: UrgencyNormal}
	for _, opt := range opts {
		opt(&options)
	}

	body := approvalRequestBody{
		Action:  action,
		Params:  options.params,
		Context: options.context,
		Urgency: string(options.urgency),
	}
	if !options.expiresAt.IsZero() {
		body.ExpiresAt = options.expiresAt.UTC().Format(time.RFC3339)
	}

	data, err := c.do(ctx, http.MethodPost, "/api/requests", body)
	if err != nil {
		return nil, err
	}
	return ApprovalRequestFromResponse(asObject(data)), nil
}

// RequestApprovalSafe is RequestApproval with graceful degradation: when
// the service is unreachable it returns a synthetic record decided by the
// configured fallback behavior instead of failing. API errors such as 401
// or 403 still propagate unchanged.
func (c *Client) RequestApprovalSafe(ctx context.Context, action string, opts ...RequestOption) (*ApprovalRequest, error) {
	req, err := c.RequestApproval(ctx, action, opts...)
	if err == nil {
		return req, nil
	}
	if !IsConnectivityError(err) {
		return nil, err
	}

	options := requestOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	return c.fallbackRequest(action, options.params, options.context), nil
}

// fallbackRequest synthesizes the degraded-mode approval record.
func (c *Client) fallbackRequest(action string, params, context map[string]any) *ApprovalRequest {
	status := DecisionDenied
	if c.fallback == FallbackAllow {
		status = DecisionApproved
	}
	c.logger.Warn("agentgate unreachable, returning fallback decision",
		zap.String("action", action),
		zap.String("status", status),
	)

	if params == nil {
		params = map[string]any{}
	}
	if context == nil {
		context = map[string]any{}
	}
	return &ApprovalRequest{
		ID:       "fallback",
		Action:   action,
		Status:   status,
		Decision: status,
		Params:   params,
		Context:  context,
		Urgency:  string(UrgencyNormal),
		Raw:      map[string]any{"_fallback": true},
	}
}

// CheckDecision fetches the current status of an approval request.
func (c *Client) CheckDecision(ctx context.Context, requestID string) (result *DecisionResult, err error) {
	ctx, span := c.startSpan(ctx, "agentgate.check_decision")
	defer func() { c.endSpan(span, err) }()

	data, err := c.do(ctx, http.MethodGet, "/api/requests/"+url.PathEscape(requestID), nil)
	if err != nil {
		return nil, err
	}
	return DecisionResultFromResponse(asObject(data)), nil
}

// WaitForDecision polls CheckDecision every interval until the request
// settles, returning the settled result. An interval <= 0 polls every 2s.
// When ctx ends first the context's error is returned as-is.
func (c *Client) WaitForDecision(ctx context.Context, requestID string, interval time.Duration) (result *DecisionResult, err error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ctx, span := c.startSpan(ctx, "agentgate.wait_for_decision")
	defer func() { c.endSpan(span, err) }()

	for {
		result, err := c.CheckDecision(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if result.IsDecided {
			return result, nil
		}
		if err := sleepContext(ctx, interval); err != nil {
			return nil, err
		}
	}
}

// ListPolicies fetches all policies, normalizing the bare-array and
// wrapped-object response shapes into one sequence.
func (c *Client) ListPolicies(ctx context.Context) (policies []*Policy, err error) {
	ctx, span := c.startSpan(ctx, "agentgate.list_policies")
	defer func() { c.endSpan(span, err) }()

	data, err := c.do(ctx, http.MethodGet, "/api/policies", nil)
	if err != nil {
		return nil, err
	}
	return PoliciesFromResponse(data), nil
}

// startSpan opens a client span for one logical operation.
func (c *Client) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
}

// endSpan records the operation outcome and finishes the span.
func (c *Client) endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// asObject narrows a decoded JSON value to an object, tolerating payloads
// of another shape.
func asObject(data any) map[string]any {
	if obj, ok := data.(map[string]any); ok {
		return obj
	}
	return map[string]any{}
}
