// Package twitchapi contains minimal helpers for the Twitch Helix API: login
// resolution and stream liveness, authenticated with an app access token.
// The watcher uses it as an optional out-of-band live check so offline
// channels are not opened in the browser at all.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultHelixBaseURL is the Helix API root.
const DefaultHelixBaseURL = "https://api.twitch.tv/helix"

// helixMaxRetries bounds attempts per request for 429 and 5xx responses.
const helixMaxRetries = 3

// maxLoginsPerRequest is the Helix limit on repeated user_login parameters.
const maxLoginsPerRequest = 100

// HelixClient provides the few Helix calls the watcher needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	BaseURL        string
	// Backoff is the base delay between retries; doubled per attempt.
	Backoff time.Duration
}

func (hc *HelixClient) client() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return DefaultHelixBaseURL
}

// StatusError is a non-2xx Helix response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("helix: status %d: %s", e.Status, e.Body)
}

// get performs an authenticated GET with retries on 429/5xx and a single
// token refresh on 401, decoding the JSON body into out.
func (hc *HelixClient) get(ctx context.Context, path string, q url.Values, out any) error {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	refreshed := false
	backoff := hc.Backoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}

	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.baseURL()+path, nil)
		if err != nil {
			return err
		}
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+tok)

		resp, err := hc.client().Do(req)
		if err != nil {
			return err
		}
		body, readErr := io.ReadAll(resp.Body)
		if cerr := resp.Body.Close(); cerr != nil {
			slog.Warn("failed to close response body", slog.Any("err", cerr))
		}
		if readErr != nil {
			return readErr
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return json.Unmarshal(body, out)
		case resp.StatusCode == http.StatusUnauthorized && !refreshed:
			hc.AppTokenSource.Invalidate()
			if tok, err = hc.AppTokenSource.Get(ctx); err != nil {
				return err
			}
			refreshed = true
			// The refreshed attempt does not count against the retry budget.
			attempt--
			continue
		case (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < helixMaxRetries:
			slog.Debug("helix request retry", slog.String("path", path), slog.Int("status", resp.StatusCode), slog.Int("attempt", attempt))
			if err := sleepCtx(ctx, backoff*time.Duration(1<<(attempt-1))); err != nil {
				return err
			}
			continue
		default:
			return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", errors.New("login empty")
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.get(ctx, "/users", url.Values{"login": {login}}, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user %q not found", login)
	}
	return body.Data[0].ID, nil
}

// Stream is one live stream as reported by Helix.
type Stream struct {
	UserLogin   string    `json:"user_login"`
	Title       string    `json:"title"`
	GameName    string    `json:"game_name"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

// GetStreams returns the live streams among logins. Offline channels are
// simply absent from the result.
func (hc *HelixClient) GetStreams(ctx context.Context, logins ...string) ([]Stream, error) {
	var out []Stream
	for start := 0; start < len(logins); start += maxLoginsPerRequest {
		end := start + maxLoginsPerRequest
		if end > len(logins) {
			end = len(logins)
		}
		q := url.Values{}
		for _, l := range logins[start:end] {
			q.Add("user_login", l)
		}
		q.Set("first", fmt.Sprintf("%d", maxLoginsPerRequest))
		var body struct {
			Data []Stream `json:"data"`
		}
		if err := hc.get(ctx, "/streams", q, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
	}
	return out, nil
}

// LiveChannels reports which of channels are live right now.
func (hc *HelixClient) LiveChannels(ctx context.Context, channels []string) (map[string]bool, error) {
	streams, err := hc.GetStreams(ctx, channels...)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(streams))
	for _, s := range streams {
		live[strings.ToLower(s.UserLogin)] = true
	}
	return live, nil
}
