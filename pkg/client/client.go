package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client talks to a scriptd daemon over REST and WebSocket.
type Client struct {
	baseURL string // REST base, e.g. http://host:8080/api
	wsURL   string // WebSocket base, e.g. ws://host:8080/ws
	rootURL string
	client  *http.Client
	tls     *tls.Config
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string // REST base including the API prefix
	WSPath   string // WebSocket prefix on the same host, default "/ws"
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

const (
	DefaultBaseURL = "http://localhost:8080/api"
	DefaultWSPath  = "/ws"
)

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		WSPath:  DefaultWSPath,
		Timeout: 10 * time.Second,
	}
}

// New creates a client. TLS is configured when the config asks for it; a
// TLS setup error is returned rather than silently falling back to
// plaintext.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.WSPath == "" {
		config.WSPath = DefaultWSPath
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	u, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", config.BaseURL)
	}
	root := u.Scheme + "://" + u.Host
	wsScheme := "ws"
	if u.Scheme == "https" {
		wsScheme = "wss"
	}

	c := &Client{
		baseURL: u.String(),
		wsURL:   wsScheme + "://" + u.Host + "/" + strings.Trim(config.WSPath, "/"),
		rootURL: root,
		logger:  config.Logger,
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		c.tls, err = setupClientTLS(config)
		if err != nil {
			return nil, fmt.Errorf("TLS setup failed: %w", err)
		}
		transport.TLSClientConfig = c.tls
	}
	c.client = &http.Client{Timeout: config.Timeout, Transport: transport}
	return c, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.rootURL+"/healthz", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	c.logger.Debug("Daemon reachability check", "status", resp.StatusCode)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) ListScripts(ctx context.Context, q ScriptQuery) ([]Script, error) {
	v := url.Values{}
	if q.Tag != "" {
		v.Set("tag", q.Tag)
	}
	if q.Search != "" {
		v.Set("search", q.Search)
	}
	var out scriptList
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/scripts", v), nil, &out); err != nil {
		return nil, err
	}
	return out.Scripts, nil
}

func (c *Client) GetScript(ctx context.Context, id string) (Script, error) {
	var s Script
	err := c.doJSON(ctx, http.MethodGet, "/scripts/"+url.PathEscape(id), nil, &s)
	return s, err
}

func (c *Client) CreateScript(ctx context.Context, in ScriptInput) (Script, error) {
	c.logger.Debug("Creating script", "name", in.Name)
	var s Script
	err := c.doJSON(ctx, http.MethodPost, "/scripts", in, &s)
	return s, err
}

func (c *Client) UpdateScript(ctx context.Context, id string, p ScriptPatch) (Script, error) {
	var s Script
	err := c.doJSON(ctx, http.MethodPut, "/scripts/"+url.PathEscape(id), p, &s)
	return s, err
}

func (c *Client) DeleteScript(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/scripts/"+url.PathEscape(id), nil, nil)
}

// Execute starts a run in the background and returns its id.
func (c *Client) Execute(ctx context.Context, scriptID string) (string, error) {
	var out executeResp
	if err := c.doJSON(ctx, http.MethodPost, "/scripts/"+url.PathEscape(scriptID)+"/execute", nil, &out); err != nil {
		return "", err
	}
	c.logger.Debug("Execution started", "script_id", scriptID, "execution_id", out.ExecutionID)
	return out.ExecutionID, nil
}

// ListExecutions returns one page, newest first, and the total count.
func (c *Client) ListExecutions(ctx context.Context, q ExecutionQuery) ([]Execution, int, error) {
	v := url.Values{}
	if q.ScriptID != "" {
		v.Set("script_id", q.ScriptID)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	var out executionList
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/executions", v), nil, &out); err != nil {
		return nil, 0, err
	}
	return out.Executions, out.Total, nil
}

func (c *Client) GetExecution(ctx context.Context, id string) (Execution, error) {
	var e Execution
	err := c.doJSON(ctx, http.MethodGet, "/executions/"+url.PathEscape(id), nil, &e)
	return e, err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := c.doJSON(ctx, http.MethodGet, "/stats", nil, &s)
	return s, err
}

func withQuery(path string, v url.Values) string {
	if len(v) == 0 {
		return path
	}
	return path + "?" + v.Encode()
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		// #nosec G402 explicit operator opt-in
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}

// doJSON sends in (when non-nil) as JSON and decodes a 2xx body into out
// (when non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", req.URL.String())
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
