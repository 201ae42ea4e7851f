package firecrawl

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pollClient struct {
	statusFunc func(ctx context.Context, id string) (*BatchScrapeStatusResponse, error)
}

func (p *pollClient) Scrape(context.Context, ScrapeRequest) (*ScrapeResponse, error) {
	return nil, nil
}

func (p *pollClient) BatchScrape(context.Context, BatchScrapeRequest) (*BatchScrapeResponse, error) {
	return nil, nil
}

func (p *pollClient) GetBatchScrapeStatus(ctx context.Context, id string) (*BatchScrapeStatusResponse, error) {
	return p.statusFunc(ctx, id)
}

func TestPollBatchScrapeCompletesImmediately(t *testing.T) {
	mock := &pollClient{
		statusFunc: func(ctx context.Context, id string) (*BatchScrapeStatusResponse, error) {
			assert.Equal(t, "batch-1", id)
			return &BatchScrapeStatusResponse{
				Status: "completed",
				Total:  1,
				Data:   []PageData{{URL: "https://acme.com", Title: "Acme", StatusCode: 200}},
			}, nil
		},
	}

	resp, err := PollBatchScrape(context.Background(), mock, "batch-1",
		WithPollInterval(time.Millisecond),
	)
	require.NoError(t, err)
	assert.Equal(t, "completed", resp.Status)
	assert.Len(t, resp.Data, 1)
}

func TestPollBatchScrapeCompletesAfterRounds(t *testing.T) {
	var calls atomic.Int32
	mock := &pollClient{
		statusFunc: func(ctx context.Context, id string) (*BatchScrapeStatusResponse, error) {
			if calls.Add(1) < 3 {
				return &BatchScrapeStatusResponse{Status: "scraping", Total: 2}, nil
			}
			return &BatchScrapeStatusResponse{
				Status: "completed",
				Total:  2,
				Data: []PageData{
					{URL: "https://acme.com", StatusCode: 200},
					{URL: "https://acme.com/about", StatusCode: 200},
				},
			}, nil
		},
	}

	resp, err := PollBatchScrape(context.Background(), mock, "batch-1",
		WithPollInterval(time.Millisecond),
		WithPollCap(2*time.Millisecond),
	)
	require.NoError(t, err)
	assert.Equal(t, "completed", resp.Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPollBatchScrapeFailedStatus(t *testing.T) {
	mock := &pollClient{
		statusFunc: func(ctx context.Context, id string) (*BatchScrapeStatusResponse, error) {
			return &BatchScrapeStatusResponse{Status: "failed"}, nil
		},
	}

	_, err := PollBatchScrape(context.Background(), mock, "batch-1",
		WithPollInterval(time.Millisecond),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
}

func TestPollBatchScrapeStatusError(t *testing.T) {
	mock := &pollClient{
		statusFunc: func(ctx context.Context, id string) (*BatchScrapeStatusResponse, error) {
			return nil, eris.New("boom")
		},
	}

	_, err := PollBatchScrape(context.Background(), mock, "batch-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poll batch scrape batch-1")
}

func TestPollBatchScrapeErrorPropagation(t *testing.T) {
	mock := &pollClient{
		statusFunc: func(ctx context.Context, id string) (*BatchScrapeStatusResponse, error) {
			return nil, &APIError{StatusCode: 429, Body: "rate limited"}
		},
	}

	_, err := PollBatchScrape(context.Background(), mock, "batch-1")
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 429, apiErr.StatusCode)
}

func TestPollBatchScrapeDefaultTimeout(t *testing.T) {
	mock := &pollClient{
		statusFunc: func(ctx context.Context, id string) (*BatchScrapeStatusResponse, error) {
			return &BatchScrapeStatusResponse{Status: "scraping"}, nil
		},
	}

	_, err := PollBatchScrape(context.Background(), mock, "batch-1",
		WithPollInterval(5*time.Millisecond),
		WithPollCap(10*time.Millisecond),
		WithPollTimeout(30*time.Millisecond),
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestPollBatchScrapeHonorsParentDeadline(t *testing.T) {
	mock := &pollClient{
		statusFunc: func(ctx context.Context, id string) (*BatchScrapeStatusResponse, error) {
			return &BatchScrapeStatusResponse{Status: "scraping"}, nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := PollBatchScrape(ctx, mock, "batch-1",
		WithPollInterval(5*time.Millisecond),
		WithPollTimeout(time.Hour),
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
