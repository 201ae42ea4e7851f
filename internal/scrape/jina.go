package scrape

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/intel-engine/internal/resilience"
	"github.com/sells-group/intel-engine/pkg/jina"
)

// challengeSignatures mark short responses that are really an anti-bot
// interstitial rather than page content.
var challengeSignatures = []string{
	"checking your browser",
	"enable javascript",
	"please enable cookies",
	"access denied",
	"403 forbidden",
	"just a moment",
	"cloudflare",
	"attention required",
}

// JinaReader wraps a Jina Reader client as a Scraper. A circuit breaker
// trips after 3 consecutive failures and stays open for 60s, during
// which Supports returns false so the chain falls straight through to
// the next scraper.
type JinaReader struct {
	client  jina.Client
	breaker *resilience.CircuitBreaker
}

// NewJinaReader creates a JinaReader from a Jina client.
func NewJinaReader(client jina.Client) *JinaReader {
	return &JinaReader{
		client: client,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			FailureThreshold: 3,
			ResetTimeout:     60 * time.Second,
			ShouldTrip:       func(err error) bool { return err != nil },
			OnStateChange: func(from, to resilience.CircuitState) {
				zap.L().Warn("scrape: jina circuit state changed",
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}),
	}
}

func (j *JinaReader) Name() string { return "jina" }

// Supports returns false while the circuit is open.
func (j *JinaReader) Supports(_ string) bool {
	return j.breaker.State() != resilience.CircuitOpen
}

// Scrape fetches a URL via Jina Reader and validates the response.
func (j *JinaReader) Scrape(ctx context.Context, targetURL string) (*Result, error) {
	return resilience.ExecuteVal(ctx, j.breaker, func(ctx context.Context) (*Result, error) {
		resp, err := j.client.Read(ctx, targetURL)
		if err != nil {
			return nil, err
		}
		if reason := fallbackReason(resp); reason != "" {
			return nil, eris.Errorf("jina: %s", reason)
		}
		return &Result{
			URL:      resp.Data.URL,
			Title:    resp.Data.Title,
			Markdown: resp.Data.Content,
			Source:   "jina",
			Tokens:   resp.Data.Usage.Tokens,
		}, nil
	})
}

// fallbackReason reports why a Jina response is unusable, or "" when the
// content is good. Blocked and near-empty pages fall through to the
// next scraper in the chain.
func fallbackReason(resp *jina.ReadResponse) string {
	if resp == nil {
		return "nil response"
	}
	if resp.Code != 0 && resp.Code != 200 {
		return "non-200 reader code"
	}

	content := strings.TrimSpace(resp.Data.Content)
	if len(content) < 100 {
		return "content too short"
	}
	if len(content) < 1000 {
		lower := strings.ToLower(content)
		for _, sig := range challengeSignatures {
			if strings.Contains(lower, sig) {
				return "challenge page"
			}
		}
	}
	return ""
}
