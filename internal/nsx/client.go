package nsx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	sessionCreatePath  = "/api/session/create"
	transportNodesPath = "/api/v1/transport-nodes"
	xsrfHeader         = "X-XSRF-TOKEN"
)

// Client talks to the NSX-T Manager API. It holds credentials and an HTTP
// client only; the session token lives in the Credential value returned by
// Authenticate, so the client itself carries no per-cycle state.
type Client struct {
	baseURL  string
	username string
	password string
	hc       *http.Client
	log      *zap.SugaredLogger
}

func NewClient(baseURL, username, password string, hc *http.Client, log *zap.SugaredLogger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		hc:       hc,
		log:      log,
	}
}

// Authenticate performs the session-create handshake: credentials go both
// as form fields (j_username/j_password) and as a Basic auth header, which
// is what the manager's security filter chain expects. The anti-forgery
// token comes back in the X-XSRF-TOKEN response header.
//
// Unreachable managers are retried with exponential backoff; configuration
// failures (403 from the auth provider) are returned immediately.
func (c *Client) Authenticate(ctx context.Context) (Credential, error) {
	var cred Credential
	op := func() error {
		var err error
		cred, err = c.authenticateOnce(ctx)
		if err == nil {
			return nil
		}
		var ae *AuthError
		if errors.As(err, &ae) && !ae.Retryable {
			return backoff.Permanent(err)
		}
		c.log.Warn("nsx auth attempt failed, retrying", "err", err)
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return Credential{}, err
	}
	return cred, nil
}

func (c *Client) authenticateOnce(ctx context.Context) (Credential, error) {
	form := url.Values{}
	form.Set("j_username", c.username)
	form.Set("j_password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sessionCreatePath, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, &AuthError{Reason: "bad manager url", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.hc.Do(req)
	if err != nil {
		return Credential{}, &AuthError{Reason: "unreachable", Retryable: true, Err: err}
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		token := resp.Header.Get(xsrfHeader)
		if token == "" {
			return Credential{}, &AuthError{Reason: "no " + xsrfHeader + " in response"}
		}
		c.log.Info("authenticated to nsx manager", "url", c.baseURL)
		return Credential{Token: token}, nil
	case resp.StatusCode == http.StatusForbidden:
		// The auth provider rejects form-based session creation for this
		// account; retrying with the same method cannot succeed.
		return Credential{}, &AuthError{Reason: "unsupported auth method"}
	default:
		return Credential{}, &AuthError{Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}
}

// ListTransportNodes fetches the full node inventory. Every node kind is
// included; callers filter edges themselves. Non-2xx responses map to
// APIError so the orchestrator can detect token expiry (401/403).
func (c *Client) ListTransportNodes(ctx context.Context, cred Credential) ([]TransportNode, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+transportNodesPath, nil)
	if err != nil {
		return nil, fmt.Errorf("build transport-nodes request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(xsrfHeader, cred.Token)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list transport nodes: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, &APIError{Code: resp.StatusCode}
	}

	var body listResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode transport nodes: %w", err)
	}

	nodes := make([]TransportNode, 0, len(body.Results))
	for _, n := range body.Results {
		nodes = append(nodes, n.toTransportNode())
	}
	c.log.Info("retrieved transport nodes", "count", len(nodes))
	return nodes, nil
}

// CountEdges returns how many nodes in the sequence are edge transport
// nodes. Other kinds stay in the sequence but never count as edges.
func CountEdges(nodes []TransportNode) int {
	n := 0
	for _, node := range nodes {
		if node.Kind == KindEdge {
			n++
		}
	}
	return n
}
