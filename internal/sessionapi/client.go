// Package sessionapi calls the control plane REST API with SigV4-signed requests.
package sessionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws/credentials"
	v4 "github.com/aws/aws-sdk-go/aws/signer/v4"
	"github.com/tidwall/gjson"

	"github.com/dan-v/plldb/internal/metrics"
	"github.com/dan-v/plldb/pkg/shared"
)

const serviceName = "execute-api"

// Client creates debugging sessions.
type Client struct {
	endpoint string
	region   string
	signer   *v4.Signer
	http     *http.Client
	now      func() time.Time
}

// New creates a client for the REST API stage URL (RestApiUrl stack output).
func New(endpoint, region string, creds *credentials.Credentials) *Client {
	return &Client{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		region:   region,
		signer:   v4.NewSigner(creds),
		http:     &http.Client{Timeout: 30 * time.Second},
		now:      time.Now,
	}
}

// CreateSession registers a PENDING session for stackName and returns its id.
func (c *Client) CreateSession(ctx context.Context, stackName string) (string, error) {
	body, err := json.Marshal(map[string]string{"stackName": stackName})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/sessions", nil)
	if err != nil {
		return "", fmt.Errorf("%w: session endpoint %q: %v", shared.ErrInvalidInput, c.endpoint, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if _, err := c.signer.Sign(req, bytes.NewReader(body), serviceName, c.region, c.now()); err != nil {
		return "", fmt.Errorf("sign session request: %w", err)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.RecordAWSAPILatency(time.Since(start))
	if err != nil {
		return "", shared.Upstream("create session", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", shared.Upstream("read session response", err)
	}

	message := gjson.GetBytes(data, "error").String()
	if message == "" {
		message = gjson.GetBytes(data, "message").String()
	}
	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK:
		id := gjson.GetBytes(data, "sessionId").String()
		if id == "" {
			return "", fmt.Errorf("create session: %w: response has no sessionId", shared.ErrUpstreamFailure)
		}
		return id, nil
	case http.StatusBadRequest:
		return "", fmt.Errorf("create session: %w: %s", shared.ErrInvalidInput, message)
	case http.StatusUnauthorized, http.StatusForbidden:
		return "", fmt.Errorf("create session: %w: %s", shared.ErrUnauthorized, message)
	case http.StatusNotFound:
		return "", fmt.Errorf("create session at %s: %w", c.endpoint, shared.ErrNotFound)
	default:
		return "", fmt.Errorf("create session: %w: status %d: %s", shared.ErrUpstreamFailure, resp.StatusCode, message)
	}
}
