package domain

// Status is the lifecycle state of a work item.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusClaimed   Status = "CLAIMED"
	StatusSubmitted Status = "SUBMITTED"
	StatusComplete  Status = "COMPLETE"
	StatusDisputed  Status = "DISPUTED"
	StatusExpired   Status = "EXPIRED"
)

// Statuses lists every persisted work item status.
var Statuses = []Status{StatusOpen, StatusClaimed, StatusSubmitted, StatusComplete, StatusDisputed, StatusExpired}

// Valid reports whether s is one of the closed set of statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusClaimed, StatusSubmitted, StatusComplete, StatusDisputed, StatusExpired:
		return true
	}
	return false
}

// Role identifies which party an attestation speaks for.
type Role string

const (
	RoleRequestor Role = "requestor"
	RolePerformer Role = "performer"
)

func (r Role) Valid() bool {
	return r == RoleRequestor || r == RolePerformer
}

type WorkItem struct {
	ID                      string        `json:"id"`
	Title                   string        `json:"title"`
	Description             string        `json:"description,omitempty"`
	Status                  Status        `json:"status" enum:"OPEN,CLAIMED,SUBMITTED,COMPLETE,DISPUTED,EXPIRED"`
	CreatorID               string        `json:"creator_id"`
	PerformerID             *string       `json:"performer_id,omitempty"`
	RewardXP                int64         `json:"reward_xp"`
	RewardReputation        int64         `json:"reward_reputation"`
	RewardPoints            int64         `json:"reward_points"`
	Attestations            []Attestation `json:"attestations"`
	HasRequestorAttestation bool          `json:"has_requestor_attestation"`
	HasPerformerAttestation bool          `json:"has_performer_attestation"`
	AttesterIDs             []string      `json:"attester_ids"`
	SubmissionText          string        `json:"submission_text,omitempty"`
	DisputeReason           string        `json:"dispute_reason,omitempty"`
	DeadlineAt              *string       `json:"deadline_at,omitempty" format:"date-time"`
	ClaimedAt               *string       `json:"claimed_at,omitempty" format:"date-time"`
	SubmittedAt             *string       `json:"submitted_at,omitempty" format:"date-time"`
	CompletedAt             *string       `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt               string        `json:"created_at" format:"date-time"`
	UpdatedAt               string        `json:"updated_at" format:"date-time"`
}

// Performer returns the performer id or "" when the item is unclaimed.
func (w WorkItem) Performer() string {
	if w.PerformerID == nil {
		return ""
	}
	return *w.PerformerID
}

// HasAttested reports whether actorID already appears in AttesterIDs.
func (w WorkItem) HasAttested(actorID string) bool {
	for _, id := range w.AttesterIDs {
		if id == actorID {
			return true
		}
	}
	return false
}

// HasRole reports the denormalized flag for role.
func (w WorkItem) HasRole(role Role) bool {
	switch role {
	case RoleRequestor:
		return w.HasRequestorAttestation
	case RolePerformer:
		return w.HasPerformerAttestation
	}
	return false
}

type Attestation struct {
	ActorID   string `json:"actor_id"`
	Role      Role   `json:"role" enum:"requestor,performer"`
	TS        string `json:"ts" format:"date-time"`
	Signature string `json:"signature,omitempty"`
}

type Balance struct {
	ActorID            string   `json:"actor_id"`
	Experience         int64    `json:"experience"`
	ReputationScore    int64    `json:"reputation_score"`
	SpendablePoints    int64    `json:"spendable_points"`
	ProcessedRewardIDs []string `json:"processed_reward_ids"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

// Processed reports whether rewardID was already applied.
func (b Balance) Processed(rewardID string) bool {
	for _, id := range b.ProcessedRewardIDs {
		if id == rewardID {
			return true
		}
	}
	return false
}

// FailedRewardStatus is the recovery state of a failed credit.
type FailedRewardStatus string

const (
	FailedRewardPending   FailedRewardStatus = "pending"
	FailedRewardRetrying  FailedRewardStatus = "retrying"
	FailedRewardResolved  FailedRewardStatus = "resolved"
	FailedRewardAbandoned FailedRewardStatus = "abandoned"
)

// Terminal reports whether no further transitions are allowed.
func (s FailedRewardStatus) Terminal() bool {
	return s == FailedRewardResolved || s == FailedRewardAbandoned
}

type FailedReward struct {
	ID               string             `json:"id"`
	RewardID         string             `json:"reward_id"`
	ActorID          string             `json:"actor_id"`
	WorkItemID       string             `json:"work_item_id"`
	XPAmount         int64              `json:"xp_amount"`
	ReputationAmount int64              `json:"reputation_amount"`
	PointsAmount     int64              `json:"points_amount"`
	Status           FailedRewardStatus `json:"status" enum:"pending,retrying,resolved,abandoned"`
	RetryCount       int                `json:"retry_count"`
	LastError        string             `json:"last_error,omitempty"`
	LeaseOwner       *string            `json:"lease_owner,omitempty"`
	LeaseToken       *string            `json:"lease_token,omitempty"`
	LeaseExpiresAt   *string            `json:"lease_expires_at,omitempty" format:"date-time"`
	CreatedAt        string             `json:"created_at" format:"date-time"`
	UpdatedAt        string             `json:"updated_at" format:"date-time"`
	ResolvedAt       *string            `json:"resolved_at,omitempty" format:"date-time"`
}

// Event is a notification emitted after a state transition.
type Event struct {
	ID         string         `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

const (
	EventItemClaimed     = "item.claimed"
	EventItemSubmitted   = "item.submitted"
	EventItemCompleted   = "item.completed"
	EventItemDisputed    = "item.disputed"
	EventRewardAbandoned = "reward.abandoned"
)
