package llmpool

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/intel-engine/pkg/anthropic"
)

// mockClient scripts CreateMessage responses for pool tests.
type mockClient struct {
	mu        sync.Mutex
	calls     int
	callTimes []time.Time
	delay     time.Duration
	// respond returns the response or error for the nth call (1-based).
	respond func(n int, req anthropic.MessageRequest) (*anthropic.MessageResponse, error)
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	m.mu.Lock()
	m.calls++
	n := m.calls
	m.callTimes = append(m.callTimes, time.Now())
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	return m.respond(n, req)
}

func (m *mockClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Model:   "claude-sonnet-4-5-20250929",
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 20},
	}
}
