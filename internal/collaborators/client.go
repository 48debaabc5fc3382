// Package collaborators implements the rule engine's action collaborators as
// JSON-over-HTTP clients of the services that own work items, notifications,
// carriers, entities and email.
package collaborators

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/liamcoop/automations/internal/config"
	"github.com/liamcoop/automations/rules"
)

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 4 << 10

// StatusError is returned when a collaborator answers with a non-2xx status.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Client posts JSON to one collaborator service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	headers    map[string]string
}

// NewClient creates a client for baseURL. headers are sent with every request.
func NewClient(baseURL string, timeout time.Duration, headers map[string]string) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		headers:    headers,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	target := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, URL: target, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode response from %s: %w", target, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

type created struct {
	ID string `json:"id"`
}

// WorkItems creates work items via POST /work-items.
type WorkItems struct{ c *Client }

func (w WorkItems) CreateWorkItem(ctx context.Context, req rules.WorkItemRequest) (string, error) {
	var out created
	if err := w.c.post(ctx, "/work-items", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Notifications delivers notifications and escalations.
type Notifications struct{ c *Client }

func (n Notifications) Notify(ctx context.Context, req rules.NotificationRequest) error {
	return n.c.post(ctx, "/notifications", req, nil)
}

func (n Notifications) Escalate(ctx context.Context, req rules.EscalationRequest) error {
	return n.c.post(ctx, "/escalations", req, nil)
}

// Carriers assigns carriers and creates tenders.
type Carriers struct{ c *Client }

func (cs Carriers) AssignCarrier(ctx context.Context, req rules.CarrierAssignmentRequest) error {
	return cs.c.post(ctx, "/carrier-assignments", req, nil)
}

func (cs Carriers) CreateTender(ctx context.Context, req rules.TenderRequest) (string, error) {
	var out created
	if err := cs.c.post(ctx, "/tenders", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Entities changes entity state and resolves entities for dry runs.
type Entities struct{ c *Client }

func (e Entities) UpdateStatus(ctx context.Context, req rules.StatusChangeRequest) error {
	return e.c.post(ctx, "/status-changes", req, nil)
}

func (e Entities) Approve(ctx context.Context, req rules.ApprovalRequest) error {
	return e.c.post(ctx, "/approvals", req, nil)
}

// ResolveEntity fetches GET /entities/{type}/{id}.
func (e Entities) ResolveEntity(ctx context.Context, entityType, entityID string) (map[string]any, error) {
	var out map[string]any
	path := "/entities/" + url.PathEscape(entityType) + "/" + url.PathEscape(entityID)
	if err := e.c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// Email sends email via POST /emails.
type Email struct{ c *Client }

func (m Email) SendEmail(ctx context.Context, req rules.EmailRequest) (string, error) {
	var out created
	if err := m.c.post(ctx, "/emails", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// New builds the collaborators named in cfg. Services without a base URL
// stay nil, so their actions fail with rules.ErrNoCollaborator. The entity
// resolver is nil unless the entities service is configured.
func New(cfg config.CollaboratorsConfig, timeout time.Duration) (rules.Collaborators, rules.EntityResolver) {
	client := func(base string) *Client { return NewClient(base, timeout, cfg.Headers) }

	var (
		c        rules.Collaborators
		resolver rules.EntityResolver
	)
	if cfg.WorkItemsURL != "" {
		c.WorkItems = WorkItems{client(cfg.WorkItemsURL)}
	}
	if cfg.NotificationsURL != "" {
		c.Notifications = Notifications{client(cfg.NotificationsURL)}
	}
	if cfg.CarriersURL != "" {
		c.Carriers = Carriers{client(cfg.CarriersURL)}
	}
	if cfg.EntitiesURL != "" {
		entities := Entities{client(cfg.EntitiesURL)}
		c.Entities = entities
		resolver = entities
	}
	if cfg.EmailURL != "" {
		c.Email = Email{client(cfg.EmailURL)}
	}
	return c, resolver
}
