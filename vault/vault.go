// Package vault implements a small Vault client covering what the
// certificate store needs: reads and writes against the KV version 2
// secret engine, including check-and-set.
package vault

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/praekeltfoundation/marathon-acme/httpclient"
)

// DefaultAddress is used when VAULT_ADDR is not set.
const DefaultAddress = "https://127.0.0.1:8200"

// DefaultMountPath is the conventional KV v2 mount.
const DefaultMountPath = "secret"

// vaultError is a Vault response error carrying the error list from the
// response body, when Vault supplied one.
type vaultError struct {
	Message    string
	Errors     []string
	StatusCode int
}

func (e *vaultError) Error() string {
	return e.Message
}

// Error is a Vault response error carrying the error list from the
// response body, when Vault supplied one.
type Error = vaultError

// CasError indicates a check-and-set mismatch: the cas option on a write
// did not match the current version of the secret.
type CasError struct {
	vaultError
}

// Client can read and write Vault paths.
type Client struct {
	http httpclient.Client
}

// TLSConfig holds the PEM file paths and server name used to talk to
// Vault over TLS.
type TLSConfig struct {
	CACertFile     string
	ClientCertFile string
	ClientKeyFile  string
	ServerName     string
}

// New creates a Client for the Vault server at addr, authenticating with
// token. A nil tlsConfig uses default transport settings.
func New(addr, token string, tlsConfig *TLSConfig, opts ...httpclient.ClientOption) (Client, error) {
	if tlsConfig != nil {
		cfg, err := tlsConfig.build()
		if err != nil {
			return Client{}, err
		}
		opts = append(opts, httpclient.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: cfg},
			Timeout:   httpclient.DefaultTimeout,
		}))
	}
	opts = append(opts, httpclient.WithRequestModifier(func(req *http.Request) {
		req.Header.Set("X-Vault-Token", token)
	}))
	return Client{http: httpclient.New(addr, opts...)}, nil
}

func (t *TLSConfig) build() (*tls.Config, error) {
	cfg := &tls.Config{ServerName: t.ServerName}
	if t.CACertFile != "" {
		pem, err := os.ReadFile(t.CACertFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no CA certificates found in %s", t.CACertFile)
		}
		cfg.RootCAs = pool
	}
	if t.ClientCertFile != "" || t.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.ClientCertFile, t.ClientKeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// FromEnv creates a Client configured from the given environment map.
//
// Supported variables: VAULT_ADDR, VAULT_TOKEN, VAULT_CACERT,
// VAULT_CLIENT_CERT, VAULT_CLIENT_KEY, VAULT_TLS_SERVER_NAME.
//
// Not currently supported, and ignored: VAULT_CAPATH,
// VAULT_CLIENT_TIMEOUT, VAULT_MAX_RETRIES, VAULT_MFA, VAULT_RATE_LIMIT,
// VAULT_SKIP_VERIFY, VAULT_WRAP_TTL.
//
// The environment is passed in rather than read from the process so tests
// can supply a stub.
func FromEnv(env map[string]string, opts ...httpclient.ClientOption) (Client, error) {
	addr := env["VAULT_ADDR"]
	if addr == "" {
		addr = DefaultAddress
	}
	// The Vault CLI itself falls back to this token value.
	token := env["VAULT_TOKEN"]
	if token == "" {
		token = "TEST"
	}

	var tlsConfig *TLSConfig
	if env["VAULT_CACERT"] != "" || env["VAULT_CLIENT_CERT"] != "" ||
		env["VAULT_CLIENT_KEY"] != "" || env["VAULT_TLS_SERVER_NAME"] != "" {
		tlsConfig = &TLSConfig{
			CACertFile:     env["VAULT_CACERT"],
			ClientCertFile: env["VAULT_CLIENT_CERT"],
			ClientKeyFile:  env["VAULT_CLIENT_KEY"],
			ServerName:     env["VAULT_TLS_SERVER_NAME"],
		}
	}
	return New(addr, token, tlsConfig, opts...)
}

// EnvFromOS converts os.Environ() style "KEY=VALUE" pairs into the map
// FromEnv expects.
func EnvFromOS(environ []string) map[string]string {
	env := make(map[string]string, len(environ))
	for _, pair := range environ {
		key, value, found := strings.Cut(pair, "=")
		if found {
			env[key] = value
		}
	}
	return env
}

// Read reads a Vault path, returning the raw JSON response. An absent path
// (404 with an empty errors list) returns nil with no error.
func (c Client) Read(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	resp, err := c.http.Request(ctx, "GET", "/v1/"+path,
		httpclient.WithParams(params))
	if err != nil {
		return nil, err
	}
	return c.handleResponse(resp, false)
}

// Write writes data to a Vault path, returning the raw JSON response (nil
// for responses with no body). A 400 response whose first error mentions
// check-and-set is reported as a *CasError.
func (c Client) Write(ctx context.Context, path string, data interface{}) (json.RawMessage, error) {
	resp, err := c.http.Request(ctx, "PUT", "/v1/"+path,
		httpclient.WithJSON(data))
	if err != nil {
		return nil, err
	}
	return c.handleResponse(resp, true)
}

func (c Client) handleResponse(resp *http.Response, checkCas bool) (json.RawMessage, error) {
	body, err := httpclient.ReadBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 600 {
		return nil, c.handleError(resp, body, checkCas)
	}
	if len(body) == 0 {
		return nil, nil
	}
	return json.RawMessage(body), nil
}

// errorBody matches Vault's error responses. The pointer distinguishes a
// present-but-empty errors list from an absent one.
type errorBody struct {
	Errors *[]string `json:"errors"`
}

func (c Client) handleError(resp *http.Response, body []byte, checkCas bool) error {
	var errorList *[]string
	if httpclient.GetSingleHeader(resp.Header, "Content-Type") == "application/json" {
		var decoded errorBody
		if err := json.Unmarshal(body, &decoded); err == nil {
			errorList = decoded.Errors
		}
	}

	// A 404 with an empty (but present) errors list means the path is
	// simply absent, which the caller sees as a nil response.
	if resp.StatusCode == http.StatusNotFound && errorList != nil && len(*errorList) == 0 {
		return nil
	}

	vaultErr := Error{
		Message:    string(body),
		StatusCode: resp.StatusCode,
	}
	if errorList != nil {
		vaultErr.Errors = *errorList
		if len(*errorList) > 0 {
			vaultErr.Message = strings.Join(*errorList, ", ")
		}
	}

	// Vault doesn't make CAS mismatches easy to distinguish from other
	// 400s, so match on the error message.
	if checkCas && resp.StatusCode == http.StatusBadRequest &&
		len(vaultErr.Errors) > 0 && strings.Contains(vaultErr.Errors[0], "check-and-set") {
		return &CasError{vaultErr}
	}
	return &vaultErr
}

// KV2Metadata is the metadata Vault returns alongside a KV v2 secret.
type KV2Metadata struct {
	CreatedTime string `json:"created_time"`
	Version     int    `json:"version"`
}

// KV2Secret is a secret read from a KV v2 engine.
type KV2Secret struct {
	Data     map[string]string `json:"data"`
	Metadata KV2Metadata       `json:"metadata"`
}

type kv2ReadResponse struct {
	Data KV2Secret `json:"data"`
}

// ReadKV2 reads a secret from a KV v2 engine at <mount>/data/<path>. A
// negative version reads the latest. Returns nil for an absent secret.
func (c Client) ReadKV2(ctx context.Context, path string, version int, mountPath string) (*KV2Secret, error) {
	if mountPath == "" {
		mountPath = DefaultMountPath
	}
	params := url.Values{}
	if version >= 0 {
		params.Set("version", strconv.Itoa(version))
	}

	raw, err := c.Read(ctx, mountPath+"/data/"+path, params)
	if err != nil || raw == nil {
		return nil, err
	}
	var decoded kv2ReadResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	return &decoded.Data, nil
}

type kv2WriteRequest struct {
	Options map[string]interface{} `json:"options"`
	Data    map[string]string      `json:"data"`
}

// CreateOrUpdateKV2 writes a secret to a KV v2 engine at
// <mount>/data/<path>. A non-negative cas requires that value to match the
// secret's current version, surfacing a *CasError when it doesn't.
func (c Client) CreateOrUpdateKV2(ctx context.Context, path string, data map[string]string, cas int, mountPath string) (json.RawMessage, error) {
	if mountPath == "" {
		mountPath = DefaultMountPath
	}
	request := kv2WriteRequest{
		Options: map[string]interface{}{},
		Data:    data,
	}
	if cas >= 0 {
		request.Options["cas"] = cas
	}
	return c.Write(ctx, mountPath+"/data/"+path, request)
}
