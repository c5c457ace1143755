package s2s

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/bt-bridge/openai-s2s/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

// REST endpoint for minting, distinct from the WebSocket base in
// SessionConfig.
const defaultRESTBaseURL = "https://api.openai.com/v1"

// ClientSecret is an ephemeral realtime credential minted from a standard
// API key. Hand its Value to an untrusted edge (a browser widget, a PBX box)
// instead of the real key; it authorizes sessions until ExpiresAt.
type ClientSecret struct {
	Value     string
	ExpiresAt time.Time
}

// MintClientSecret asks the REST API for a client secret bound to cfg's
// session shape, so the edge cannot renegotiate voice, tools or turn
// detection. baseURL empty means the public API; ttl zero defers to the
// server default lifetime.
func MintClientSecret(ctx context.Context, baseURL string, ttl time.Duration, cfg SessionConfig) (*ClientSecret, error) {
	cfg = cfg.withDefaults()
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if baseURL == "" {
		baseURL = defaultRESTBaseURL
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing REST base URL: %w", err)
	}
	session, err := cfg.sessionPayload()
	if err != nil {
		return nil, err
	}
	// The minting endpoint needs the model inside the session object, unlike
	// session.update where it rides the socket URL.
	var sessionObj map[string]any
	if err := sonic.Unmarshal(session, &sessionObj); err != nil {
		return nil, fmt.Errorf("remapping session payload: %w", err)
	}
	sessionObj["model"] = cfg.Model
	bodyObj := map[string]any{"session": sessionObj}
	if ttl > 0 {
		bodyObj["expires_after"] = map[string]any{
			"anchor":  "created_at",
			"seconds": int64(ttl / time.Second),
		}
	}
	body, err := sonic.Marshal(bodyObj)
	if err != nil {
		return nil, fmt.Errorf("marshaling mint request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(base.JoinPath("/realtime/client_secrets").String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	errC := make(chan error)
	go func() {
		defer close(errC)
		errC <- fasthttp.Do(req, resp)
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errC:
		if err != nil {
			return nil, fmt.Errorf("performing HTTP request: %w", err)
		}
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode(), string(resp.Body()))
	}
	var minted struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := sonic.Unmarshal(resp.Body(), &minted); err != nil {
		return nil, fmt.Errorf("parsing mint response: %w", err)
	}
	if minted.Value == "" {
		return nil, fmt.Errorf("mint response carries no secret, body: %s", string(resp.Body()))
	}
	return &ClientSecret{
		Value:     minted.Value,
		ExpiresAt: time.Unix(minted.ExpiresAt, 0),
	}, nil
}
