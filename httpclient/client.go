// Package httpclient provides the HTTP client core shared by the Marathon,
// marathon-lb and Vault clients. It resolves per-request URL overrides
// against a client-level base URL, renders basic auth, and converts error
// status codes into typed errors.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/praekeltfoundation/marathon-acme/errors"
)

// DefaultTimeout bounds each request, including reading the body.
const DefaultTimeout = 30 * time.Second

// RequestModifier rewrites an outgoing request just before it is sent.
// Per-service clients use it to inject headers, the typed equivalent of
// overriding request() in a subclass.
type RequestModifier func(*http.Request)

// Client is a value type wrapping an *http.Client with a base URL and an
// optional request modifier hook. The zero value is unusable; use New.
type Client struct {
	baseURL   string
	http      *http.Client
	ownClient bool
	timeout   time.Duration
	modifier  RequestModifier
}

// ClientOption customises a Client at construction.
type ClientOption func(*Client)

// WithHTTPClient substitutes the underlying *http.Client, e.g. to install
// a transport with custom TLS configuration.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
		c.ownClient = false
	}
}

// WithTimeout overrides DefaultTimeout. A zero duration disables the
// request deadline entirely, which is what the event stream needs.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithRequestModifier installs a hook run on every outgoing request.
func WithRequestModifier(m RequestModifier) ClientOption {
	return func(c *Client) {
		c.modifier = m
	}
}

// New creates a Client. baseURL may be empty, in which case every request
// must use an absolute URL.
func New(baseURL string, opts ...ClientOption) Client {
	c := Client{
		baseURL:   baseURL,
		http:      &http.Client{},
		ownClient: true,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&c)
	}
	// The timeout covers the whole request including the body read, so it
	// lives on the http.Client. A caller-supplied client keeps whatever
	// timeout it came with.
	if c.ownClient {
		c.http.Timeout = c.timeout
	}
	return c
}

// requestOptions collects the per-request overrides.
type requestOptions struct {
	scheme   string
	host     string
	port     int
	path     string
	fragment string
	params   url.Values
	username string
	password string
	hasAuth  bool
	headers  http.Header
	body     io.Reader
	jsonBody interface{}
	hasJSON  bool
}

// RequestOption customises a single request.
type RequestOption func(*requestOptions)

func WithScheme(scheme string) RequestOption {
	return func(o *requestOptions) { o.scheme = scheme }
}

func WithHost(host string) RequestOption {
	return func(o *requestOptions) { o.host = host }
}

func WithPort(port int) RequestOption {
	return func(o *requestOptions) { o.port = port }
}

func WithPath(path string) RequestOption {
	return func(o *requestOptions) { o.path = path }
}

func WithFragment(fragment string) RequestOption {
	return func(o *requestOptions) { o.fragment = fragment }
}

// WithParams merges the given values into the URL query. Keys given here
// replace same-named keys already present in the URL.
func WithParams(params url.Values) RequestOption {
	return func(o *requestOptions) { o.params = params }
}

// WithAuth sets basic auth credentials, overriding any userinfo in the
// URL.
func WithAuth(username, password string) RequestOption {
	return func(o *requestOptions) {
		o.username = username
		o.password = password
		o.hasAuth = true
	}
}

func WithHeaders(headers http.Header) RequestOption {
	return func(o *requestOptions) { o.headers = headers }
}

func WithBody(body io.Reader) RequestOption {
	return func(o *requestOptions) { o.body = body }
}

// WithJSON marshals v as the request body and sets the Content-Type.
func WithJSON(v interface{}) RequestOption {
	return func(o *requestOptions) {
		o.jsonBody = v
		o.hasJSON = true
	}
}

// Request performs an HTTP request. pathOrURL is either an absolute URL or
// a path resolved against the client's base URL; a relative path with no
// base URL is a Config error. The caller owns the response body.
func (c Client) Request(ctx context.Context, method, pathOrURL string, opts ...RequestOption) (*http.Response, error) {
	var o requestOptions
	for _, opt := range opts {
		opt(&o)
	}

	u, username, password, err := c.resolveURL(pathOrURL, &o)
	if err != nil {
		return nil, err
	}

	body := o.body
	if o.hasJSON {
		encoded, err := json.Marshal(o.jsonBody)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	for name, values := range o.headers {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	if o.hasJSON {
		req.Header.Set("Content-Type", "application/json")
	}
	if username != "" || password != "" {
		req.SetBasicAuth(username, password)
	}
	if c.modifier != nil {
		c.modifier(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.NetworkError("request to %s failed: %s", u, err)
	}
	return resp, nil
}

// resolveURL merges the client base URL, the request URL or path, and the
// explicit overrides. It returns the final URL with userinfo stripped,
// plus the credentials to render as a basic auth header.
func (c Client) resolveURL(pathOrURL string, o *requestOptions) (string, string, string, error) {
	base := c.baseURL
	var path string
	if strings.Contains(pathOrURL, "://") {
		base = pathOrURL
	} else {
		path = pathOrURL
	}
	if base == "" {
		return "", "", "", errors.ConfigError("url not provided and this client has no base url")
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", "", "", errors.ConfigError("invalid url %q: %s", base, err)
	}

	if path != "" {
		u.Path = path
	}
	if o.scheme != "" {
		u.Scheme = o.scheme
	}
	if o.host != "" {
		if port := u.Port(); port != "" {
			u.Host = o.host + ":" + port
		} else {
			u.Host = o.host
		}
	}
	if o.port != 0 {
		u.Host = u.Hostname() + ":" + strconv.Itoa(o.port)
	}
	if o.path != "" {
		u.Path = o.path
	}
	if o.fragment != "" {
		u.Fragment = o.fragment
	}
	if len(o.params) > 0 {
		query := u.Query()
		for key, values := range o.params {
			query[key] = values
		}
		u.RawQuery = query.Encode()
	}

	// Credentials come from explicit auth if given, else URL userinfo.
	// Either way they are rendered as a header, never left in the URL.
	var username, password string
	if o.hasAuth {
		username, password = o.username, o.password
	} else if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	u.User = nil

	return u.String(), username, password, nil
}

// HTTPError indicates a response with a 4xx or 5xx status code, raised
// only when the caller opts in via RaiseForStatus. It carries the drained
// response body.
type HTTPError struct {
	Status int
	URL    string
	Body   []byte
}

func (e *HTTPError) Error() string {
	kind := "Client"
	if e.Status >= 500 {
		kind = "Server"
	}
	return fmt.Sprintf("%d %s Error for url: %s", e.Status, kind, e.URL)
}

// RaiseForStatus returns an *HTTPError if the response has a 4xx or 5xx
// status code, draining and closing the body. 2xx and 3xx responses pass
// through untouched.
func RaiseForStatus(resp *http.Response) error {
	if resp.StatusCode < 400 || resp.StatusCode >= 600 {
		return nil
	}
	body, _ := ReadBody(resp)
	return &HTTPError{
		Status: resp.StatusCode,
		URL:    resp.Request.URL.String(),
		Body:   body,
	}
}

// ReadBody drains and closes a response body.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer func() {
		_ = resp.Body.Close()
	}()
	return ioutil.ReadAll(resp.Body)
}

// GetSingleHeader returns a single value for the given header name. If
// multiple values are present the last one is returned. Any parameters
// following a ";" are stripped. An absent header yields the empty string.
func GetSingleHeader(headers http.Header, name string) string {
	values := headers.Values(name)
	if len(values) == 0 {
		return ""
	}
	value, _, _ := strings.Cut(values[len(values)-1], ";")
	return strings.TrimSpace(value)
}
