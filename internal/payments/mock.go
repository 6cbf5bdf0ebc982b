package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockProvider opens fake sessions in-process. Used in development when no
// Stripe key is configured, and in tests.
type MockProvider struct {
	baseURL string
	delay   time.Duration

	mu    sync.Mutex
	fail  error
	calls []SessionRequest
}

// NewMockProvider creates a mock provider whose redirect URLs start with baseURL
func NewMockProvider(baseURL string) *MockProvider {
	return &MockProvider{baseURL: baseURL}
}

// SetFailure makes subsequent calls fail with err (nil restores success)
func (m *MockProvider) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

// SetDelay simulates provider latency
func (m *MockProvider) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Calls returns every request received so far
func (m *MockProvider) Calls() []SessionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockProvider) CreateSession(ctx context.Context, req SessionRequest) (*ProviderSession, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	fail, delay := m.fail, m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		return nil, fail
	}

	id := "cs_mock_" + uuid.New().String()
	return &ProviderSession{
		ID:  id,
		URL: fmt.Sprintf("%s/%s", m.baseURL, id),
	}, nil
}
