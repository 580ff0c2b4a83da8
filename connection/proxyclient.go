package connection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// ProxyVersion is the client's protocol version. Kept in sync with the
	// proxy server's api.Version.
	ProxyVersion = "6.0.0"

	// VersionHeader carries the proxy's version on every response.
	VersionHeader = "Tracecollect-Proxy-Version"
	// TokenHeader carries the security token on every request.
	TokenHeader = "Tracecollect-Token"

	// DefaultProxyURL is where a locally started proxy listens.
	DefaultProxyURL = "http://localhost:5544"
)

// ProxyError maps one failed proxy exchange to a connection state: an
// unsent request means the proxy is not running, a 403 means a bad token,
// an old version header means the proxy must be updated, anything else is
// an error with the response text attached.
type ProxyError struct {
	State   State
	Message string
}

func (e *ProxyError) Error() string {
	if e.Message == "" {
		return e.State.String()
	}
	return fmt.Sprintf("%s: %s", e.State, e.Message)
}

// proxyClient issues authenticated HTTP calls to the local proxy process.
type proxyClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func newProxyClient(baseURL, token string) *proxyClient {
	if baseURL == "" {
		baseURL = DefaultProxyURL
	}
	return &proxyClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// get fetches path, returning the raw response body.
func (c *proxyClient) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// postJSON posts a JSON body to path, returning the raw response body.
func (c *proxyClient) postJSON(ctx context.Context, path string, body interface{}) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, path, payload)
}

// getJSON fetches path and decodes the JSON response into out.
func (c *proxyClient) getJSON(ctx context.Context, path string, out interface{}) error {
	data, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (c *proxyClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &ProxyError{State: StateError, Message: err.Error()}
	}
	req.Header.Set(TokenHeader, c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// The request never reached a proxy: treat as not running.
		return nil, &ProxyError{State: StateNotFound, Message: err.Error()}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProxyError{State: StateError, Message: err.Error()}
	}

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return nil, &ProxyError{State: StateUnauthorized, Message: strings.TrimSpace(string(data))}
	case resp.StatusCode != http.StatusOK:
		return nil, &ProxyError{State: StateError, Message: strings.TrimSpace(string(data))}
	}

	if server := resp.Header.Get(VersionHeader); !versionCompatible(server, ProxyVersion) {
		return nil, &ProxyError{
			State:   StateInvalidVersion,
			Message: fmt.Sprintf("proxy version %q is older than required %q", server, ProxyVersion),
		}
	}
	return data, nil
}

// versionCompatible accepts a server version with the same major component
// and a minor.patch at or above the local one.
func versionCompatible(server, local string) bool {
	sMaj, sMin, sPat, ok := parseVersion(server)
	if !ok {
		return false
	}
	lMaj, lMin, lPat, ok := parseVersion(local)
	if !ok {
		return false
	}
	if sMaj != lMaj {
		return false
	}
	return sMin > lMin || (sMin == lMin && sPat >= lPat)
}

func parseVersion(v string) (major, minor, patch int, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(v), ".", 3)
	if len(parts) != 3 {
		return 0, 0, 0, false
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, 0, 0, false
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2], true
}

// stateOf extracts the connection state from an error returned by the
// client, defaulting to StateError.
func stateOf(err error) (State, string) {
	if pe, ok := err.(*ProxyError); ok {
		return pe.State, pe.Message
	}
	return StateError, err.Error()
}
