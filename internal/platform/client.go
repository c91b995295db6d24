// Package platform talks to the membership platform that owns teams,
// providers and locations. The engine only orchestrates; every side effect
// lands through this client.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/training-ops-engine/internal/models"
	"github.com/noah-isme/training-ops-engine/pkg/middleware/requestid"
)

// APIError is a non-2xx answer from the platform.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("platform %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("platform status %d", e.Status)
}

// Temporary reports whether retrying the same call may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= http.StatusInternalServerError
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// Client is a thin JSON client over the platform REST API.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates baseURL and builds a client with the given timeout.
func NewClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid platform url %q", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    u,
		token:      strings.TrimSpace(token),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}, nil
}

// AddMember puts userID on teamID. An existing membership counts as success.
func (c *Client) AddMember(ctx context.Context, teamID, userID, role string) error {
	err := c.doJSON(ctx, http.MethodPost, "/teams/"+url.PathEscape(teamID)+"/members", map[string]string{
		"user_id": userID,
		"role":    role,
	}, nil)
	if IsStatus(err, http.StatusConflict) {
		return nil
	}
	return err
}

// RemoveMember takes userID off teamID. A missing membership counts as success.
func (c *Client) RemoveMember(ctx context.Context, teamID, userID string) error {
	err := c.doJSON(ctx, http.MethodDelete, memberPath(teamID, userID), nil, nil)
	if IsStatus(err, http.StatusNotFound) {
		return nil
	}
	return err
}

// UpdateRole sets the member's role within teamID.
func (c *Client) UpdateRole(ctx context.Context, teamID, userID, role string) error {
	return c.doJSON(ctx, http.MethodPut, memberPath(teamID, userID)+"/role", map[string]string{"role": role}, nil)
}

// TransferMember moves userID from one team to another.
func (c *Client) TransferMember(ctx context.Context, fromTeamID, toTeamID, userID string) error {
	return c.doJSON(ctx, http.MethodPost, memberPath(fromTeamID, userID)+"/transfer", map[string]string{
		"target_team_id": toTeamID,
	}, nil)
}

// AssignProviderToLocation links a provider to a location. Repeating an
// existing assignment is accepted.
func (c *Client) AssignProviderToLocation(ctx context.Context, providerID, locationID string) error {
	err := c.doJSON(ctx, http.MethodPost, "/locations/"+url.PathEscape(locationID)+"/providers", map[string]string{
		"provider_id": providerID,
	}, nil)
	if IsStatus(err, http.StatusConflict) {
		return nil
	}
	return err
}

// CreateTeam creates a team at the location owned by the provider and returns its id.
func (c *Client) CreateTeam(ctx context.Context, draft models.TeamDraft, locationID, providerID string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/teams", map[string]string{
		"name":        draft.Name,
		"description": draft.Description,
		"location_id": locationID,
		"provider_id": providerID,
	}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("platform returned a team without id")
	}
	return out.ID, nil
}

// AddTeamAdmin grants providerID the admin role on teamID.
func (c *Client) AddTeamAdmin(ctx context.Context, teamID, providerID string) error {
	return c.AddMember(ctx, teamID, providerID, "admin")
}

// Ping checks that the platform answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

func memberPath(teamID, userID string) string {
	return "/teams/" + url.PathEscape(teamID) + "/members/" + url.PathEscape(userID)
}

func (c *Client) doJSON(ctx context.Context, method, path string, reqBody, out interface{}) error {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path

	var body io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode platform request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("build platform request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if reqID := requestid.FromContext(ctx); reqID != "" {
		req.Header.Set(requestid.Header, reqID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("platform %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read platform response: %w", err)
	}
	c.logger.Debug("platform call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(respBody, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode platform response: %w", err)
	}
	return nil
}
