// Package mocks provides a test double for the LLM provider, with
// builder-style configuration and call recording.
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/ragflow/llm"
)

// ProviderCall records a single Completion invocation.
type ProviderCall struct {
	Request  *llm.ChatRequest
	Response *llm.ChatResponse
	Error    error
}

// Provider is a mock llm.Provider. Responses are served from a FIFO queue;
// when the queue is empty the fixed response is returned. An injected error
// takes precedence over any response.
type Provider struct {
	mu sync.Mutex

	response  string
	queue     []string
	err       error
	errBudget int // number of calls that fail before recovery; -1 fails forever

	completionFunc func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)

	calls     []ProviderCall
	callCount int
}

// NewProvider creates a mock provider with a default response.
func NewProvider() *Provider {
	return &Provider{response: "mock response", errBudget: -1}
}

// WithResponse sets the fixed fallback response.
func (m *Provider) WithResponse(response string) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithQueue enqueues responses returned one per call, in order.
func (m *Provider) WithQueue(responses ...string) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, responses...)
	return m
}

// WithError makes every call fail with err.
func (m *Provider) WithError(err error) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	m.errBudget = -1
	return m
}

// WithErrorsThenRecover makes the next n calls fail with err, after which the
// provider serves responses normally.
func (m *Provider) WithErrorsThenRecover(err error, n int) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	m.errBudget = n
	return m
}

// WithCompletionFunc installs a custom Completion implementation.
func (m *Provider) WithCompletionFunc(fn func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)) *Provider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionFunc = fn
	return m
}

// Name implements llm.Provider.
func (m *Provider) Name() string { return "mock" }

// HealthCheck implements llm.Provider.
func (m *Provider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return &llm.HealthStatus{Healthy: true, Latency: time.Millisecond}, nil
}

// Completion implements llm.Provider.
func (m *Provider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.callCount++

	if err := ctx.Err(); err != nil {
		m.calls = append(m.calls, ProviderCall{Request: req, Error: err})
		return nil, err
	}

	if m.err != nil && m.errBudget != 0 {
		if m.errBudget > 0 {
			m.errBudget--
		}
		err := m.err
		m.calls = append(m.calls, ProviderCall{Request: req, Error: err})
		return nil, err
	}

	if m.completionFunc != nil {
		resp, err := m.completionFunc(ctx, req)
		m.calls = append(m.calls, ProviderCall{Request: req, Response: resp, Error: err})
		return resp, err
	}

	content := m.response
	if len(m.queue) > 0 {
		content = m.queue[0]
		m.queue = m.queue[1:]
	}

	resp := &llm.ChatResponse{
		ID:       "mock-response-id",
		Provider: "mock",
		Model:    req.Model,
		Choices: []llm.ChatChoice{{
			FinishReason: "stop",
			Message:      llm.Message{Role: llm.RoleAssistant, Content: content},
		}},
		Usage:     llm.ChatUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
		CreatedAt: time.Now(),
	}
	m.calls = append(m.calls, ProviderCall{Request: req, Response: resp})
	return resp, nil
}

// Calls returns a copy of all recorded invocations.
func (m *Provider) Calls() []ProviderCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ProviderCall{}, m.calls...)
}

// CallCount returns the number of Completion invocations.
func (m *Provider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// LastCall returns the most recent invocation, or nil.
func (m *Provider) LastCall() *ProviderCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.calls) == 0 {
		return nil
	}
	call := m.calls[len(m.calls)-1]
	return &call
}

// Reset clears recorded calls and injected errors.
func (m *Provider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.callCount = 0
	m.err = nil
	m.errBudget = -1
	m.queue = nil
}

// ErrProviderDown is a convenience error for failure-injection tests.
var ErrProviderDown = errors.New("mock provider down")
