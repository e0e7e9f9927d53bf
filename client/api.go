// Package client implements the per-tab side of session liveness coordination:
// the idle/heartbeat state machine, the push invalidation stream, the kickout
// poller, the same-device cross-tab broadcaster and the heuristics which
// classify an incoming session-deletion as manual, same-device or foreign.
//
// Everything is owned by a Manager, one per tab, explicitly constructed and
// torn down.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var Version = ""

// Sentinel errors for authoritative rejections. Anything else returned by the
// API is a transient failure and callers absorb it.
var (
	// ErrUnauthorized means the coordinator no longer knows this session.
	ErrUnauthorized error = fmt.Errorf("HTTP 401")
	// ErrConflict means a newer session superseded this one.
	ErrConflict error = fmt.Errorf("HTTP 409")
)

// API is the client's view of the coordinator endpoints. One API can be shared
// among many tabs.
type API interface {
	// Register makes this tab's session the authoritative one for the user,
	// returning the session ID used as the bearer token on every other call.
	Register(ctx context.Context, userID, tabID, fingerprint string) (sessionID string, err error)
	// SendHeartbeat reports tab liveness. Returns nil to continue,
	// ErrUnauthorized/ErrConflict on authoritative rejection, or a transient error.
	SendHeartbeat(ctx context.Context, sessionID, tabID string, lastActivity int64) error
	// CheckValidity asks whether the user's session is still the authoritative
	// one. An error means the answer is unknown, not that the session is dead.
	CheckValidity(ctx context.Context, userID string, now int64) (isValid bool, err error)
	// SignOut closes the session server-side. Used both for manual logout and
	// the best-effort round trip before a forced redirect.
	SignOut(ctx context.Context, sessionID, tabID string) error
	// SendCloseBeacon is the fire-and-forget variant of SignOut for page
	// teardown. It never blocks beyond a short internal timeout and swallows
	// all errors.
	SendCloseBeacon(sessionID, tabID string, timestamp int64)
	// OpenStream opens the long-lived notification stream. The returned body
	// delivers newline-delimited JSON events until closed.
	OpenStream(ctx context.Context, sessionID string) (io.ReadCloser, error)
}

// HTTPAPI talks to a coordinator over HTTP.
type HTTPAPI struct {
	Client  *http.Client
	BaseURL string
}

func NewHTTPAPI(baseURL string) *HTTPAPI {
	return &HTTPAPI{
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		BaseURL: baseURL,
	}
}

func (a *HTTPAPI) post(ctx context.Context, path, sessionID string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", a.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "solesession-client-"+Version)
	if sessionID != "" {
		req.Header.Set("Authorization", "Bearer "+sessionID)
	}
	return a.Client.Do(req)
}

func (a *HTTPAPI) Register(ctx context.Context, userID, tabID, fingerprint string) (string, error) {
	res, err := a.post(ctx, "/session/register", "", map[string]any{
		"userId":            userID,
		"tabId":             tabID,
		"deviceFingerprint": fingerprint,
	})
	if err != nil {
		return "", fmt.Errorf("Register: request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return "", fmt.Errorf("Register: returned HTTP %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", err
	}
	sessionID := gjson.ParseBytes(body).Get("sessionId").Str
	if sessionID == "" {
		return "", fmt.Errorf("Register: response had no sessionId")
	}
	return sessionID, nil
}

func (a *HTTPAPI) SendHeartbeat(ctx context.Context, sessionID, tabID string, lastActivity int64) error {
	res, err := a.post(ctx, "/session/heartbeat", sessionID, map[string]any{
		"lastActivity": lastActivity,
		"tabId":        tabID,
	})
	if err != nil {
		return fmt.Errorf("SendHeartbeat: request failed: %w", err)
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case 200:
		return nil
	case 401:
		return ErrUnauthorized
	case 409:
		return ErrConflict
	default:
		return fmt.Errorf("SendHeartbeat: returned HTTP %d", res.StatusCode)
	}
}

func (a *HTTPAPI) CheckValidity(ctx context.Context, userID string, now int64) (bool, error) {
	res, err := a.post(ctx, "/session/validate", "", map[string]any{
		"userId":      userID,
		"currentTime": now,
	})
	if err != nil {
		return false, fmt.Errorf("CheckValidity: request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != 200 {
		return false, fmt.Errorf("CheckValidity: returned HTTP %d", res.StatusCode)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return false, err
	}
	return gjson.ParseBytes(body).Get("isValid").Bool(), nil
}

func (a *HTTPAPI) SignOut(ctx context.Context, sessionID, tabID string) error {
	res, err := a.post(ctx, "/session/close", sessionID, map[string]any{
		"tabId":     tabID,
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("SignOut: request failed: %w", err)
	}
	res.Body.Close()
	if res.StatusCode != 200 {
		return fmt.Errorf("SignOut: returned HTTP %d", res.StatusCode)
	}
	return nil
}

func (a *HTTPAPI) SendCloseBeacon(sessionID, tabID string, timestamp int64) {
	// beacon semantics: bounded, never inspected, never propagated
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := a.post(ctx, "/session/close", sessionID, map[string]any{
		"tabId":     tabID,
		"timestamp": timestamp,
	})
	if err != nil {
		return
	}
	res.Body.Close()
}

func (a *HTTPAPI) OpenStream(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", a.BaseURL+"/session/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "solesession-client-"+Version)
	req.Header.Set("Authorization", "Bearer "+sessionID)
	res, err := a.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OpenStream: request failed: %w", err)
	}
	switch res.StatusCode {
	case 200:
		return res.Body, nil
	case 401:
		res.Body.Close()
		return nil, ErrUnauthorized
	default:
		res.Body.Close()
		return nil, fmt.Errorf("OpenStream: returned HTTP %d", res.StatusCode)
	}
}
