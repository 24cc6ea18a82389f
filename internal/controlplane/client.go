package controlplane

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"mikrovm/internal/config"
)

// Client is the black-box control-plane contract. Each call may take tens of
// seconds and may fail transiently; the caller decides whether to retry.
// Failure details are human-readable and persisted verbatim into the VM's
// error message.
type Client interface {
	Start(ctx context.Context, req StartRequest) (*StartResult, error)
	Stop(ctx context.Context, vmID, host string) error
	Cleanup(ctx context.Context, vmID, host string) error
}

// HTTPClient talks to the per-host agent over HTTPS, optionally with mTLS.
type HTTPClient struct {
	httpClient  *http.Client
	defaultHost string
	agentPort   int
	scheme      string
}

// NewHTTPClient creates a control-plane client from configuration.
func NewHTTPClient(cfg *config.Config) (*HTTPClient, error) {
	timeout := time.Duration(cfg.ControlPlane.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	httpClient := &http.Client{
		Timeout: timeout,
	}

	if cfg.ControlPlane.MTLS.Enabled {
		cert, err := tls.LoadX509KeyPair(cfg.ControlPlane.MTLS.ClientCert, cfg.ControlPlane.MTLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}

		caCert, err := os.ReadFile(cfg.ControlPlane.MTLS.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate")
		}

		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{cert},
				RootCAs:      caCertPool,
				MinVersion:   tls.VersionTLS12,
			},
			TLSHandshakeTimeout: 15 * time.Second,
		}
	}

	return &HTTPClient{
		httpClient:  httpClient,
		defaultHost: cfg.ControlPlane.DefaultHost,
		agentPort:   cfg.ControlPlane.AgentPort,
		scheme:      "https",
	}, nil
}

// Start boots the VM on the hinted host, or the default host when no hint is
// given. Returns the host that actually ran it.
func (c *HTTPClient) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	host := c.resolveHost(req.Host)
	if host == "" {
		return nil, fmt.Errorf("no control-plane host available for VM %s", req.VMID)
	}

	var resp response
	if err := c.post(ctx, host, "/vms/start", req, &resp); err != nil {
		return nil, err
	}

	resultHost := resp.Data.Host
	if resultHost == "" {
		resultHost = host
	}
	return &StartResult{Host: resultHost}, nil
}

// Stop shuts the VM down on its host.
func (c *HTTPClient) Stop(ctx context.Context, vmID, host string) error {
	h := c.resolveHost(host)
	if h == "" {
		return fmt.Errorf("no control-plane host available for VM %s", vmID)
	}
	return c.post(ctx, h, "/vms/stop", stopRequest{VMID: vmID}, &response{})
}

// Cleanup destroys the VM and its host-side resources.
func (c *HTTPClient) Cleanup(ctx context.Context, vmID, host string) error {
	h := c.resolveHost(host)
	if h == "" {
		return fmt.Errorf("no control-plane host available for VM %s", vmID)
	}
	return c.post(ctx, h, "/vms/cleanup", stopRequest{VMID: vmID}, &response{})
}

func (c *HTTPClient) resolveHost(hint string) string {
	if hint != "" {
		return hint
	}
	return c.defaultHost
}

func (c *HTTPClient) post(ctx context.Context, host, path string, body interface{}, out *response) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s://%s:%d%s", c.scheme, host, c.agentPort, path)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("agent request to %s failed: %w", host, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read agent response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent %s returned HTTP %d: %s", host, httpResp.StatusCode, string(raw))
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode agent response: %w", err)
	}
	if out.Code != 0 {
		return fmt.Errorf("agent %s rejected %s: %s", host, path, out.Message)
	}

	return nil
}
