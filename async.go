package agentgate

import (
	"context"
	"time"
)

// Call is a one-shot future for an operation started by an AsyncClient.
// It completes exactly once; Done and Wait may be used from any number of
// goroutines.
type Call[T any] struct {
	done  chan struct{}
	value T
	err   error
}

// startCall runs fn in its own goroutine and returns the future that will
// carry its result.
func startCall[T any](fn func() (T, error)) *Call[T] {
	call := &Call[T]{done: make(chan struct{})}
	go func() {
		call.value, call.err = fn()
		close(call.done)
	}()
	return call
}

// Done returns a channel that is closed once the result is available.
func (c *Call[T]) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the result is available or ctx ends, whichever comes
// first. The underlying operation is not stopped by an expiring ctx here;
// cancel the ctx passed when the operation was started for that.
func (c *Call[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.value, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AsyncClient is a non-blocking view of a Client. Every operation starts
// immediately in its own goroutine and returns a *Call to await; results
// and errors are identical to the blocking equivalents.
type AsyncClient struct {
	client *Client
}

// Async returns the non-blocking view of c. Both views share the same
// configuration and transport, and remain safe for concurrent use.
func (c *Client) Async() *AsyncClient {
	return &AsyncClient{client: c}
}

// RequestApproval starts Client.RequestApproval and returns its future.
func (a *AsyncClient) RequestApproval(ctx context.Context, action string, opts ...RequestOption) *Call[*ApprovalRequest] {
	return startCall(func() (*ApprovalRequest, error) {
		return a.client.RequestApproval(ctx, action, opts...)
	})
}

// RequestApprovalSafe starts Client.RequestApprovalSafe and returns its
// future.
func (a *AsyncClient) RequestApprovalSafe(ctx context.Context, action string, opts ...RequestOption) *Call[*ApprovalRequest] {
	return startCall(func() (*ApprovalRequest, error) {
		return a.client.RequestApprovalSafe(ctx, action, opts...)
	})
}

// CheckDecision starts Client.CheckDecision and returns its future.
func (a *AsyncClient) CheckDecision(ctx context.Context, requestID string) *Call[*DecisionResult] {
	return startCall(func() (*DecisionResult, error) {
		return a.client.CheckDecision(ctx, requestID)
	})
}

// WaitForDecision starts Client.WaitForDecision and returns its future.
func (a *AsyncClient) WaitForDecision(ctx context.Context, requestID string, interval time.Duration) *Call[*DecisionResult] {
	return startCall(func() (*DecisionResult, error) {
		return a.client.WaitForDecision(ctx, requestID, interval)
	})
}

// ListPolicies starts Client.ListPolicies and returns its future.
func (a *AsyncClient) ListPolicies(ctx context.Context) *Call[[]*Policy] {
	return startCall(func() ([]*Policy, error) {
		return a.client.ListPolicies(ctx)
	})
}
