// Package capability is the authenticated HTTP core shared by the task
// service and issue tracker clients.
package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

var ErrFeatureUnavailable = errors.New("feature unavailable for this account")

// TokenSource hands out bearer tokens. Invalidate is called after a 401 so
// the next Token call produces a fresh one.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Classifier inspects a non-2xx response and may return a domain error in
// place of the generic *Error. Returning nil keeps the generic error.
type Classifier func(status int, body []byte) error

type Request struct {
	Method  string
	Path    string
	Query   map[string]string
	Headers map[string]string
	Body    any
}

type Response struct {
	Status int
	Body   []byte
	Empty  bool
}

// Decode unmarshals the body into out. An empty response leaves out alone.
func (r Response) Decode(out any) error {
	if r.Empty || out == nil {
		return nil
	}
	return json.Unmarshal(r.Body, out)
}

type Error struct {
	Status int
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("capability call failed: status=%d body=%s", e.Status, e.Body)
}

// FeatureError wraps ErrFeatureUnavailable with the provider's message.
type FeatureError struct {
	Code    string
	Message string
}

func (e *FeatureError) Error() string {
	if e.Message == "" {
		return ErrFeatureUnavailable.Error() + ": " + e.Code
	}
	return fmt.Sprintf("%s: %s: %s", ErrFeatureUnavailable.Error(), e.Code, e.Message)
}

func (e *FeatureError) Is(target error) bool {
	return target == ErrFeatureUnavailable
}

type Options struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	Classifier Classifier
	Limiter    *rate.Limiter
	UserAgent  string
	Headers    map[string]string
}

type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
	classifier Classifier
	limiter    *rate.Limiter
	userAgent  string
	headers    map[string]string
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	headers := make(map[string]string, len(opts.Headers))
	for k, v := range opts.Headers {
		headers[k] = v
	}
	return &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		tokens:     opts.Tokens,
		httpClient: httpClient,
		classifier: opts.Classifier,
		limiter:    opts.Limiter,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		headers:    headers,
	}
}

// Invoke sends req with a bearer token. A 401 invalidates the token and
// retries once with a fresh one; nothing else is retried.
func (c *Client) Invoke(ctx context.Context, req Request) (Response, error) {
	if c == nil {
		return Response{}, errors.New("capability client is nil")
	}
	if c.tokens == nil {
		return Response{}, errors.New("capability token source is required")
	}
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = json.Marshal(req.Body)
		if err != nil {
			return Response{}, err
		}
	}
	correlationID := uuid.NewString()

	for attempt := 0; ; attempt++ {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return Response{}, err
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return Response{}, err
			}
		}
		resp, err := c.send(ctx, req, bodyBytes, token, correlationID)
		if err != nil {
			return Response{}, err
		}
		if resp.Status == http.StatusUnauthorized && attempt == 0 {
			c.tokens.Invalidate()
			continue
		}
		if resp.Status >= 200 && resp.Status <= 299 {
			resp.Empty = resp.Status == http.StatusNoContent || len(bytes.TrimSpace(resp.Body)) == 0
			return resp, nil
		}
		if c.classifier != nil {
			if classified := c.classifier(resp.Status, resp.Body); classified != nil {
				return resp, classified
			}
		}
		return resp, &Error{Status: resp.Status, Body: strings.TrimSpace(string(resp.Body))}
	}
}

func (c *Client) send(ctx context.Context, req Request, bodyBytes []byte, token, correlationID string) (Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := req.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(target, "/")
	}
	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return Response{}, err
	}
	if len(req.Query) > 0 {
		q := httpReq.URL.Query()
		for k, v := range req.Query {
			q.Set(k, v)
		}
		httpReq.URL.RawQuery = q.Encode()
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Correlation-Id", correlationID)
	if bodyBytes != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return Response{}, readErr
	}
	return Response{Status: resp.StatusCode, Body: payload}, nil
}
