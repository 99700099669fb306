package questlinesdk

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

// Client is a minimal Questline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no BearerToken is set. Servers
	// accept it only with allow_legacy_actor_header enabled.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// WorkItem represents the API work item model (partial).
type WorkItem struct {
	ID                      string        `json:"id"`
	Title                   string        `json:"title"`
	Description             string        `json:"description,omitempty"`
	Status                  string        `json:"status"`
	CreatorID               string        `json:"creator_id"`
	PerformerID             *string       `json:"performer_id,omitempty"`
	RewardXP                int64         `json:"reward_xp"`
	RewardReputation        int64         `json:"reward_reputation"`
	RewardPoints            int64         `json:"reward_points"`
	Attestations            []Attestation `json:"attestations"`
	HasRequestorAttestation bool          `json:"has_requestor_attestation"`
	HasPerformerAttestation bool          `json:"has_performer_attestation"`
	DeadlineAt              *string       `json:"deadline_at,omitempty"`
	CompletedAt             *string       `json:"completed_at,omitempty"`
}

// Attestation is one party's confirmation of a submission.
type Attestation struct {
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	TS        string `json:"ts"`
	Signature string `json:"signature,omitempty"`
}

// Balance is an actor's accumulated rewards.
type Balance struct {
	ActorID         string `json:"actor_id"`
	Experience      int64  `json:"experience"`
	ReputationScore int64  `json:"reputation_score"`
	SpendablePoints int64  `json:"spendable_points"`
}

// FailedReward is a credit awaiting recovery.
type FailedReward struct {
	ID         string `json:"id"`
	RewardID   string `json:"reward_id"`
	ActorID    string `json:"actor_id"`
	WorkItemID string `json:"work_item_id"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
}

// SweepResult summarizes one reconcile pass.
type SweepResult struct {
	Expired   int `json:"expired"`
	Completed int `json:"completed"`
	Credited  int `json:"credited"`
	Recovery  struct {
		Processed int `json:"processed"`
		Resolved  int `json:"resolved"`
		Failed    int `json:"failed"`
		Abandoned int `json:"abandoned"`
		Skipped   int `json:"skipped"`
	} `json:"recovery"`
}

// CreateItemRequest carries the fields accepted by CreateItem. Nil rewards
// take the server's configured defaults.
type CreateItemRequest struct {
	ID               string     `json:"id,omitempty"`
	Title            string     `json:"title"`
	Description      string     `json:"description,omitempty"`
	RewardXP         *int64     `json:"reward_xp,omitempty"`
	RewardReputation *int64     `json:"reward_reputation,omitempty"`
	RewardPoints     *int64     `json:"reward_points,omitempty"`
	DeadlineAt       *time.Time `json:"deadline_at,omitempty"`
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

// IsConflict reports whether the server rejected a transition because the
// item was not in the expected state.
func (e *APIError) IsConflict() bool { return e.StatusCode == http.StatusConflict }

// CreateItem creates a work item owned by the caller.
func (c *Client) CreateItem(ctx context.Context, req CreateItemRequest) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "items", req, &resp)
	return resp, err
}

// GetItem fetches a work item by id.
func (c *Client) GetItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, "items/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListItems returns items in status (OPEN when empty).
func (c *Client) ListItems(ctx context.Context, status string, limit int) ([]WorkItem, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "items"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []WorkItem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Claim(ctx context.Context, id string) (WorkItem, error) {
	return c.transition(ctx, http.MethodPost, id, "claim", nil)
}

func (c *Client) Unclaim(ctx context.Context, id string) (WorkItem, error) {
	return c.transition(ctx, http.MethodPost, id, "unclaim", nil)
}

func (c *Client) Submit(ctx context.Context, id, text string) (WorkItem, error) {
	return c.transition(ctx, http.MethodPost, id, "submit", map[string]any{"text": text})
}

// Attest records the caller's attestation in role ("requestor" or
// "performer"). The returned item is COMPLETE once both roles attested.
func (c *Client) Attest(ctx context.Context, id, role, signature string) (WorkItem, error) {
	return c.transition(ctx, http.MethodPost, id, "attestations", map[string]any{
		"role":      role,
		"signature": signature,
	})
}

func (c *Client) Dispute(ctx context.Context, id, reason string) (WorkItem, error) {
	return c.transition(ctx, http.MethodPost, id, "dispute", map[string]any{"reason": reason})
}

func (c *Client) Delete(ctx context.Context, id string) (WorkItem, error) {
	return c.transition(ctx, http.MethodDelete, id, "", nil)
}

// Balance returns an actor's balance.
func (c *Client) Balance(ctx context.Context, actorID string) (Balance, error) {
	var resp Balance
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("actors/%s/balance", url.PathEscape(actorID)), nil, &resp)
	return resp, err
}

// SpendResult reports whether a spend was applied or replayed.
type SpendResult struct {
	Applied          bool    `json:"applied"`
	AlreadyProcessed bool    `json:"already_processed"`
	Balance          Balance `json:"balance"`
}

// Spend debits the caller's points once per spendID.
func (c *Client) Spend(ctx context.Context, actorID, spendID string, points int64) (SpendResult, error) {
	var resp SpendResult
	body := map[string]any{"spend_id": spendID, "points": points}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("actors/%s/spend", url.PathEscape(actorID)), body, &resp)
	return resp, err
}

// Sweep triggers one reconcile pass on the server.
func (c *Client) Sweep(ctx context.Context) (SweepResult, error) {
	var resp SweepResult
	err := c.do(ctx, http.MethodPost, "recovery/sweep", nil, &resp)
	return resp, err
}

// FailedRewards lists recovery records; status "" means non-terminal ones.
func (c *Client) FailedRewards(ctx context.Context, status string) ([]FailedReward, error) {
	endpoint := "recovery/failed-rewards"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []FailedReward `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) transition(ctx context.Context, method, id, action string, body any) (WorkItem, error) {
	endpoint := "items/" + url.PathEscape(id)
	if action != "" {
		endpoint += "/" + action
	}
	var resp WorkItem
	err := c.do(ctx, method, endpoint, body, &resp)
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
