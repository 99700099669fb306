package server

import (
	"time"

	"questline/internal/domain"
	"questline/internal/recovery"
)

// Request payloads

type CreateItemRequest struct {
	ID               *string    `json:"id,omitempty"`
	Title            string     `json:"title" minLength:"1"`
	Description      *string    `json:"description,omitempty"`
	RewardXP         *int64     `json:"reward_xp,omitempty" minimum:"0"`
	RewardReputation *int64     `json:"reward_reputation,omitempty" minimum:"0"`
	RewardPoints     *int64     `json:"reward_points,omitempty" minimum:"0"`
	DeadlineAt       *time.Time `json:"deadline_at,omitempty"`
}

type SubmitRequest struct {
	Text string `json:"text,omitempty"`
}

type AttestRequest struct {
	Role      string `json:"role" enum:"requestor,performer"`
	Signature string `json:"signature,omitempty"`
}

type DisputeRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SpendRequest struct {
	SpendID string `json:"spend_id" minLength:"1"`
	Points  int64  `json:"points" minimum:"1"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type ItemListResponse struct {
	Items []domain.WorkItem `json:"items"`
}

type SweepResponse struct {
	Recovery  recovery.SweepResult `json:"recovery"`
	Expired   int                  `json:"expired"`
	Completed int                  `json:"completed"`
	Credited  int                  `json:"credited"`
}

type FailedRewardListResponse struct {
	Items []domain.FailedReward `json:"items"`
}

type SpendResponse struct {
	Applied          bool           `json:"applied"`
	AlreadyProcessed bool           `json:"already_processed"`
	Balance          domain.Balance `json:"balance"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func mapItems(items []domain.WorkItem) []domain.WorkItem {
	if items == nil {
		return []domain.WorkItem{}
	}
	return items
}

func mapFailedRewards(items []domain.FailedReward) []domain.FailedReward {
	if items == nil {
		return []domain.FailedReward{}
	}
	return items
}
