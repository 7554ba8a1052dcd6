package aqualink

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	resty "github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// MaxResponseSize bounds every REST response body read from a worker
// (§4.5).
const MaxResponseSize = 10 * 1024 * 1024

// HTTP2Threshold is the request-body size at or above which the RestClient may
// prefer HTTP/2 (§4.5).
const HTTP2Threshold = 1024

// http2IdleTimeout closes an idle HTTP/2 session after this long.
const http2IdleTimeout = 60 * time.Second

// RestClient is the per-Node HTTP client. It is built on
// github.com/go-resty/resty/v2 (grounded on iamprashant-voice-ai and
// glebovdev-somafm-cli in the retrieval pack), which gives pooled
// keep-alive transports and a fluent request builder without hand-rolling
// connection pooling on top of net/http the way the teacher's bare
// http.DefaultClient search call did (node.go's Search method).
type RestClient struct {
	mu        sync.RWMutex
	client    *resty.Client
	h2Client  *resty.Client
	baseURL   string
	auth      string
	sessionID string
	clientID  string
	libName   string
	useHTTP2  bool
	log       *zap.Logger
	onRequest func()

	lastH2Use time.Time
}

// OnRequest registers a hook invoked once per REST call issued, used by
// Node to feed the §4.9.3 `leastLoad` rest.calls term.
func (r *RestClient) OnRequest(fn func()) {
	r.mu.Lock()
	r.onRequest = fn
	r.mu.Unlock()
}

// NewRestClient builds a RestClient rooted at baseURL (scheme + host:port,
// no trailing slash), using cfg for auth/identity headers and decompression
// opt-ins.
func NewRestClient(baseURL string, cfg *NodeConfig, clientID string, log *zap.Logger) *RestClient {
	if log == nil {
		log = zap.NewNop()
	}
	rc := &RestClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		auth:     cfg.Password,
		clientID: clientID,
		libName:  "aqualink/1.0",
		useHTTP2: cfg.UseHTTP2,
		log:      log,
	}
	rc.client = newRestyClient(cfg.Timeout, false)
	if cfg.UseHTTP2 {
		rc.h2Client = newRestyClient(cfg.Timeout, true)
	}
	return rc
}

func newRestyClient(timeout time.Duration, http2 bool) *resty.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := resty.New()
	c.SetTimeout(timeout)
	c.SetDoNotParseResponse(true)
	transport, _ := c.GetClient().Transport.(*http.Transport)
	if transport != nil {
		transport.ForceAttemptHTTP2 = http2
		transport.DisableCompression = true // we decompress ourselves below
		transport.IdleConnTimeout = http2IdleTimeout
	}
	return c
}

// SetSessionID stores the worker-issued session id for every future
// request.
func (r *RestClient) SetSessionID(id string) {
	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()
}

// SessionID returns the currently held worker session id, if any.
func (r *RestClient) SessionID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionID
}

// ClearSessionID drops the session id, forcing the Node to wait for a
// fresh READY before issuing further player updates (§4.5 failure
// semantics).
func (r *RestClient) ClearSessionID() {
	r.SetSessionID("")
}

func (r *RestClient) pickClient(bodySize int) *resty.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.useHTTP2 && r.h2Client != nil && bodySize >= HTTP2Threshold {
		return r.h2Client
	}
	return r.client
}

func (r *RestClient) newRequest(bodySize int) *resty.Request {
	c := r.pickClient(bodySize)
	req := c.R()
	req.SetHeader("Authorization", r.auth)
	req.SetHeader("Content-Type", "application/json")
	req.SetHeader("User-Id", r.clientID)
	req.SetHeader("Client-Name", r.libName)
	req.SetHeader("Accept-Encoding", "br, gzip, deflate")
	if sid := r.SessionID(); sid != "" {
		req.SetHeader("Session-Id", sid)
	}
	return req
}

// do issues a request and returns the decompressed, size-bounded response
// body, decoding JSON into out if non-nil. A 204 leaves out untouched.
func (r *RestClient) do(method, path string, body any, out any) (*RestError, error) {
	r.mu.RLock()
	hook := r.onRequest
	r.mu.RUnlock()
	if hook != nil {
		hook()
	}
	var bodySize int
	var payload []byte
	var err error
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodySize = len(payload)
	}
	req := r.newRequest(bodySize)
	if payload != nil {
		req.SetBody(payload)
	}
	url := r.baseURL + "/v4" + path
	resp, err := req.Execute(method, url)
	if err != nil {
		r.log.Warn("rest request failed", zap.String("url", url), zap.Error(err))
		return nil, err
	}
	raw := resp.RawResponse
	defer raw.Body.Close()

	data, err := readDecompressed(raw)
	if err != nil {
		return nil, err
	}

	if raw.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if raw.StatusCode < 200 || raw.StatusCode >= 300 {
		restErr := &RestError{
			StatusCode: raw.StatusCode,
			Headers:    map[string][]string(raw.Header),
			URL:        url,
			Body:       data,
		}
		if raw.StatusCode == http.StatusNotFound && bytes404MentionsSession(data) {
			r.ClearSessionID()
		}
		return restErr, nil
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return nil, fmt.Errorf("aqualink: decode response from %s: %w", url, err)
		}
	}
	return nil, nil
}

func bytes404MentionsSession(body []byte) bool {
	return strings.Contains(strings.ToLower(string(body)), "sessionid")
}

// readDecompressed reads resp.Body applying the content-encoding-indicated
// decompressor, bounded to MaxResponseSize+1 bytes so an oversized body is
// detected rather than silently truncated.
func readDecompressed(resp *http.Response) ([]byte, error) {
	var reader io.Reader = resp.Body
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		reader = flate.NewReader(reader)
	case "br":
		reader = brotli.NewReader(reader)
	}
	limited := io.LimitReader(reader, MaxResponseSize+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxResponseSize {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}
