package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Client talks to a comfyvisor sidecar.
type Client struct {
	baseURL string
	client  *http.Client
	// upload has no overall timeout; model files take minutes to send
	upload *http.Client
	logger *slog.Logger
	token  string
	user   string
	pass   string
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
	// Credentials for a sidecar with auth enabled. Token wins over
	// Username/Password.
	Token    string
	Username string
	Password string
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
	defaultBaseURL = "http://localhost:8000"
	defaultTimeout = 10 * time.Second
)

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: defaultBaseURL,
		Timeout: defaultTimeout,
	}
}

// New creates a new sidecar API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{Proxy: http.ProxyFromEnvironment}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		upload:  &http.Client{Transport: transport},
		token:   config.Token,
		user:    config.Username,
		pass:    config.Password,
	}
}

// Login exchanges username and password for a bearer token, which the
// client uses for later requests.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	var res LoginResult
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return res, err
	}
	if err := c.doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/auth/login", bytes.NewReader(body), "application/json", &res); err != nil {
		return res, err
	}
	if res.Token != nil {
		c.token = res.Token.Value
	}
	return res, nil
}

func (c *Client) authorize(req *http.Request) {
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.user != "":
		req.SetBasicAuth(c.user, c.pass)
	}
}

// IsReachable checks whether the sidecar answers its health endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Sidecar unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Status returns the supervisor snapshot and the port probe result.
func (c *Client) Status(ctx context.Context) (BackendStatus, error) {
	var st BackendStatus
	err := c.doJSON(ctx, c.client, http.MethodGet, c.baseURL+"/status", nil, "", &st)
	return st, err
}

// Start starts the backend from stopped or failed.
func (c *Client) Start(ctx context.Context) (LifecycleResult, error) {
	var res LifecycleResult
	err := c.doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/start", nil, "", &res)
	return res, err
}

// Stop terminates the backend.
func (c *Client) Stop(ctx context.Context) (LifecycleResult, error) {
	var res LifecycleResult
	err := c.doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/stop", nil, "", &res)
	return res, err
}

// Restart restarts the backend. A waited restart uses the upload client so
// the sidecar's restart timeout, not the client timeout, bounds it.
func (c *Client) Restart(ctx context.Context, req RestartRequest) (RestartResult, error) {
	q := url.Values{}
	hc := c.client
	if req.Wait {
		q.Set("wait", "true")
		hc = c.upload
	}
	if req.Timeout > 0 {
		q.Set("timeout", req.Timeout.String())
	}
	u := c.baseURL + "/restart"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var res RestartResult
	if err := c.doJSON(ctx, hc, http.MethodPost, u, nil, "", &res); err != nil {
		return res, err
	}
	if req.Wait {
		res.Initiated = true
	}
	return res, nil
}

// ListModels returns the stored model files per model type.
func (c *Client) ListModels(ctx context.Context) (map[string][]string, error) {
	var out map[string][]string
	err := c.doJSON(ctx, c.client, http.MethodGet, c.baseURL+"/models/list", nil, "", &out)
	return out, err
}

// DeleteModel removes one model file.
func (c *Client) DeleteModel(ctx context.Context, modelType, filename string) error {
	u := c.baseURL + "/models/" + url.PathEscape(modelType) + "/" + url.PathEscape(filename)
	return c.doJSON(ctx, c.client, http.MethodDelete, u, nil, "", nil)
}

// History returns up to limit recent lifecycle events, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]Event, error) {
	u := c.baseURL + "/history"
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Events []Event `json:"events"`
	}
	err := c.doJSON(ctx, c.client, http.MethodGet, u, nil, "", &out)
	return out.Events, err
}

// UploadModel streams a local file to the sidecar without buffering it.
func (c *Client) UploadModel(ctx context.Context, req UploadRequest) (UploadResult, error) {
	var res UploadResult
	if req.ModelType == "" {
		return res, errors.New("model type required")
	}
	f, err := os.Open(filepath.Clean(req.Path))
	if err != nil {
		return res, fmt.Errorf("open model file: %w", err)
	}
	defer func() { _ = f.Close() }()
	name := req.Filename
	if name == "" {
		name = filepath.Base(req.Path)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("model_file", name)
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()
	// the server must drain the pipe or the writer goroutine stays blocked
	defer func() { _ = pr.Close() }()

	u := c.baseURL + "/upload/model/" + url.PathEscape(req.ModelType)
	if req.RestartMode != "" {
		u += "?restart_mode=" + url.QueryEscape(req.RestartMode)
	}
	c.logger.Debug("Uploading model", "type", req.ModelType, "file", name)
	err = c.doJSON(ctx, c.upload, http.MethodPost, u, pr, mw.FormDataContentType(), &res)
	return res, err
}

func (c *Client) doJSON(ctx context.Context, hc *http.Client, method, u string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.authorize(req)
	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse turns a non-2xx response into an *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", er.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: er.Error, Kind: er.Kind}
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
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
