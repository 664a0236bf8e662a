package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"git.home.luguber.info/inful/concertcal/internal/logfields"
	"git.home.luguber.info/inful/concertcal/internal/retry"
)

// Client fetches and decodes the events feed.
type Client struct {
	url        string
	httpClient *http.Client
	policy     retry.Policy
}

// NewClient creates a feed client for the given URL.
func NewClient(url string, timeout time.Duration, policy retry.Policy) *Client {
	return &Client{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		policy:     policy,
	}
}

// Fetch retrieves all events from the feed, retrying transient failures
// under the client's backoff policy. Supporting text is stripped of markup
// before the events are returned.
func (c *Client) Fetch(ctx context.Context) ([]Event, error) {
	var lastErr error
	for attempt := 0; attempt <= c.policy.MaxRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("retrying feed fetch", logfields.URL(c.url), logfields.Attempt(attempt))
			select {
			case <-time.After(c.policy.Delay(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		events, err := c.fetchOnce(ctx)
		if err == nil {
			slog.Info("fetched events from feed", logfields.URL(c.url), logfields.Count(len(events)))
			return events, nil
		}
		lastErr = err
		if isPermanentFeedError(err) {
			slog.Error("permanent feed error", logfields.URL(c.url), logfields.Error(err))
			return nil, err
		}
	}
	return nil, fmt.Errorf("feed fetch failed after retries: %w", lastErr)
}

func (c *Client) fetchOnce(ctx context.Context) ([]Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build feed request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode}
	}

	var envelope Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}

	for i := range envelope.Events {
		envelope.Events[i].Title.SupportingText = StripMarkup(envelope.Events[i].Title.SupportingText)
	}
	return envelope.Events, nil
}

// StatusError is a non-200 feed response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("feed returned status %d", e.Code)
}

// isPermanentFeedError reports whether retrying cannot help: client errors
// other than 429, or non-timeout network errors.
func isPermanentFeedError(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Code == http.StatusTooManyRequests {
			return false
		}
		return statusErr.Code >= 400 && statusErr.Code < 500
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return false // network errors are worth retrying
	}
	// Decode errors are permanent: the payload will not change between attempts.
	return errors.Is(err, context.Canceled) || isDecodeError(err)
}

func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}
