package forgelinesdk

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
)

// Client is a minimal forgeline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "v0",
		Timeout:  10 * time.Second,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	Description          string   `json:"description,omitempty"`
	Status               string   `json:"status"`
	Progress             int      `json:"progress"`
	TotalCost            float64  `json:"total_cost"`
	TotalCarbonFootprint float64  `json:"total_carbon_footprint"`
	AllocatedMaterials   []string `json:"allocated_materials"`
	Deleted              bool     `json:"deleted"`
}

// Stage represents one manufacturing stage.
type Stage struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	StageID        string   `json:"stage_id"`
	Sequence       int      `json:"sequence"`
	Name           string   `json:"name"`
	Status         string   `json:"status"`
	Progress       int      `json:"progress"`
	EstimatedHours float64  `json:"estimated_hours"`
	ActualHours    float64  `json:"actual_hours"`
	EnergyEstimate float64  `json:"energy_estimate"`
	ActualEnergy   float64  `json:"actual_energy"`
	Workers        []string `json:"workers"`
}

// Material represents a stocked material.
type Material struct {
	ID              string  `json:"id,omitempty"`
	Name            string  `json:"name"`
	Category        string  `json:"category,omitempty"`
	Unit            string  `json:"unit,omitempty"`
	Quantity        float64 `json:"quantity"`
	CostPerUnit     float64 `json:"cost_per_unit"`
	CarbonFootprint float64 `json:"carbon_footprint"`
	Supplier        string  `json:"supplier,omitempty"`
}

// Passport represents an issued product passport.
type Passport struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"project_id"`
	CommitID        string         `json:"commit_id"`
	ProductName     string         `json:"product_name"`
	ProductType     string         `json:"product_type,omitempty"`
	Quantity        int            `json:"quantity"`
	CarbonFootprint float64        `json:"carbon_footprint"`
	TotalCost       float64        `json:"total_cost"`
	Specifications  map[string]any `json:"specifications"`
	QRPayload       string         `json:"qr_payload"`
	IssuedAt        string         `json:"issued_at"`
}

// Phase is one step of the project lifecycle.
type Phase struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	AllowAccess bool   `json:"allow_access"`
}

// Phases is the lifecycle view of a project.
type Phases struct {
	ProjectID    string  `json:"project_id"`
	Phases       []Phase `json:"phases"`
	CurrentIndex int     `json:"current_index"`
}

// StartResult is returned when production starts.
type StartResult struct {
	Project Project `json:"project"`
	Stages  []Stage `json:"stages"`
}

// StageResult is returned when a stage completes.
type StageResult struct {
	Project      Project `json:"project"`
	Stage        Stage   `json:"stage"`
	Next         *Stage  `json:"next,omitempty"`
	AllCompleted bool    `json:"all_completed"`
}

// CompleteRequest describes the finished product.
type CompleteRequest struct {
	ProductName    string            `json:"product_name"`
	ProductType    string            `json:"product_type,omitempty"`
	Quantity       int               `json:"quantity,omitempty"`
	Specifications map[string]string `json:"specifications,omitempty"`
	ImageURL       string            `json:"image_url,omitempty"`
}

// CompleteResult is returned when production completes.
type CompleteResult struct {
	Project  Project `json:"project"`
	Passport struct {
		ID        string `json:"id"`
		QRPayload string `json:"qr_payload"`
	} `json:"passport"`
	Totals struct {
		TotalCarbon float64 `json:"total_carbon"`
		TotalCost   float64 `json:"total_cost"`
	} `json:"totals"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project. An empty id lets the server generate one.
func (c *Client) CreateProject(ctx context.Context, id, name, description string) (Project, error) {
	body := map[string]any{"name": name}
	if id != "" {
		body["id"] = id
	}
	if description != "" {
		body["description"] = description
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", body, &resp)
	return resp, err
}

// GetProject fetches a live project.
func (c *Client) GetProject(ctx context.Context, id string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "projects/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SetProjectStatus moves a project forward in its lifecycle.
func (c *Client) SetProjectStatus(ctx context.Context, id, status string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPatch, "projects/"+url.PathEscape(id), map[string]any{"status": status}, &resp)
	return resp, err
}

// Phases returns the lifecycle phases computed from the persisted project.
func (c *Client) Phases(ctx context.Context, projectID string) (Phases, error) {
	var resp Phases
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("projects/%s/phases", url.PathEscape(projectID)), nil, &resp)
	return resp, err
}

// CreateMaterial adds a material to stock.
func (c *Client) CreateMaterial(ctx context.Context, m Material) (Material, error) {
	var resp Material
	err := c.do(ctx, http.MethodPost, "materials", m, &resp)
	return resp, err
}

// SetBOMLine sets the quantity of a material a project requires.
func (c *Client) SetBOMLine(ctx context.Context, projectID, materialID string, qty float64) error {
	endpoint := fmt.Sprintf("projects/%s/bom/%s", url.PathEscape(projectID), url.PathEscape(materialID))
	return c.do(ctx, http.MethodPut, endpoint, map[string]any{"quantity_required": qty}, nil)
}

// Stages lists a project's stages in sequence order.
func (c *Client) Stages(ctx context.Context, projectID string) ([]Stage, error) {
	var resp []Stage
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("projects/%s/stages", url.PathEscape(projectID)), nil, &resp)
	return resp, err
}

// StartProduction creates the stage plan and starts the first stage.
func (c *Client) StartProduction(ctx context.Context, projectID string) (StartResult, error) {
	var resp StartResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("projects/%s/production/start", url.PathEscape(projectID)), nil, &resp)
	return resp, err
}

// CompleteStage completes a stage and starts the next one.
func (c *Client) CompleteStage(ctx context.Context, stageID string) (StageResult, error) {
	var resp StageResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("stages/%s/complete", url.PathEscape(stageID)), nil, &resp)
	return resp, err
}

// CompleteProduction finishes production and issues the passport.
func (c *Client) CompleteProduction(ctx context.Context, projectID string, req CompleteRequest) (CompleteResult, error) {
	var resp CompleteResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("projects/%s/production/complete", url.PathEscape(projectID)), req, &resp)
	return resp, err
}

// LatestPassport returns the most recent passport of a project.
func (c *Client) LatestPassport(ctx context.Context, projectID string) (Passport, error) {
	var resp Passport
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("projects/%s/passport", url.PathEscape(projectID)), nil, &resp)
	return resp, err
}

// Events returns recent events of a project.
func (c *Client) Events(ctx context.Context, projectID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, projectID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
