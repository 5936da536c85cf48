package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// UserService resolves consumers by access key.
type UserService interface {
	// GetInvokeUser returns the consumer for accessKey, or (nil, nil) when
	// no such consumer exists. The returned secret is plaintext.
	GetInvokeUser(ctx context.Context, accessKey string) (*Consumer, error)
}

// InterfaceService resolves interface records.
type InterfaceService interface {
	// GetInterfaceInfo returns the record for (platformPath, method), or
	// (nil, nil) when none exists.
	GetInterfaceInfo(ctx context.Context, platformPath, method string) (*InterfaceInfo, error)
}

// QuotaService mutates per-(consumer, interface) quota counters.
type QuotaService interface {
	// PreConsume atomically decrements the remaining count when it is
	// positive. Returns false when the quota is exhausted or was never
	// provisioned.
	PreConsume(ctx context.Context, interfaceID, consumerID int64) (bool, error)

	// InvokeCount atomically increments the total-used counter. Never
	// restores a pre-consumed unit.
	InvokeCount(ctx context.Context, interfaceID, consumerID int64) (bool, error)
}

// Service bundles the three backend interfaces the pipeline depends on.
type Service interface {
	UserService
	InterfaceService
	QuotaService
}

// Client is the HTTP/JSON implementation of Service, speaking to the
// platform backend's inner API. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a platform client with a service-default deadline
// applied to every call.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// innerResponse is the backend's uniform reply shape.
type innerResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// GetInvokeUser implements UserService.
func (c *Client) GetInvokeUser(ctx context.Context, accessKey string) (*Consumer, error) {
	q := url.Values{"accessKey": {accessKey}}
	data, err := c.get(ctx, "/inner/user/invoke", q)
	if err != nil {
		return nil, fmt.Errorf("get invoke user: %w", err)
	}
	if isNull(data) {
		return nil, nil
	}
	var user Consumer
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("decoding consumer: %w", err)
	}
	return &user, nil
}

// GetInterfaceInfo implements InterfaceService.
func (c *Client) GetInterfaceInfo(ctx context.Context, platformPath, method string) (*InterfaceInfo, error) {
	q := url.Values{"path": {platformPath}, "method": {method}}
	data, err := c.get(ctx, "/inner/interface/info", q)
	if err != nil {
		return nil, fmt.Errorf("get interface info: %w", err)
	}
	if isNull(data) {
		return nil, nil
	}
	var info InterfaceInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("decoding interface record: %w", err)
	}
	return &info, nil
}

// quotaRequest is the body for the two quota mutations.
type quotaRequest struct {
	InterfaceID int64 `json:"interface_id"`
	UserID      int64 `json:"user_id"`
}

// PreConsume implements QuotaService.
func (c *Client) PreConsume(ctx context.Context, interfaceID, consumerID int64) (bool, error) {
	ok, err := c.postBool(ctx, "/inner/quota/pre-consume", quotaRequest{InterfaceID: interfaceID, UserID: consumerID})
	if err != nil {
		return false, fmt.Errorf("pre-consume: %w", err)
	}
	return ok, nil
}

// InvokeCount implements QuotaService.
func (c *Client) InvokeCount(ctx context.Context, interfaceID, consumerID int64) (bool, error) {
	ok, err := c.postBool(ctx, "/inner/quota/invoke-count", quotaRequest{InterfaceID: interfaceID, UserID: consumerID})
	if err != nil {
		return false, fmt.Errorf("invoke-count: %w", err)
	}
	return ok, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) postBool(ctx context.Context, path string, body any) (bool, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	data, err := c.do(req)
	if err != nil {
		return false, err
	}
	var ok bool
	if err := json.Unmarshal(data, &ok); err != nil {
		return false, fmt.Errorf("decoding result: %w", err)
	}
	return ok, nil
}

func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend returned %d", resp.StatusCode)
	}

	var inner innerResponse
	if err := json.Unmarshal(raw, &inner); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if inner.Code != 0 && inner.Code != http.StatusOK {
		return nil, fmt.Errorf("backend error %d: %s", inner.Code, inner.Message)
	}
	return inner.Data, nil
}

func isNull(data json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(data))
	return trimmed == "" || trimmed == "null"
}
