package server

import (
	"civicforge/internal/domain"
	"civicforge/internal/reprocess"
)

// Request payloads

type CreateQuestRequest struct {
	ID               *string `json:"id,omitempty"`
	BoardID          *string `json:"board_id,omitempty"`
	Title            string  `json:"title"`
	Description      *string `json:"description,omitempty"`
	RewardXP         int     `json:"reward_xp" minimum:"1"`
	RewardReputation int     `json:"reward_reputation" minimum:"1"`
	TTLSeconds       *int    `json:"ttl_seconds,omitempty" minimum:"0"`
}

type SubmitQuestRequest struct {
	SubmissionText string `json:"submission_text"`
}

type AttestRequest struct {
	Role      string  `json:"role" enum:"requestor,performer"`
	Signature *string `json:"signature,omitempty"`
}

type DisputeRequest struct {
	Reason string `json:"reason"`
}

type IdentityConfirmationRequest struct {
	UserID        *string `json:"user_id,omitempty"`
	Username      string  `json:"username"`
	WalletAddress *string `json:"wallet_address,omitempty"`
}

type CreateBoardRequest struct {
	ID string `json:"id"`
}

type AssignRoleRequest struct {
	Role string `json:"role" enum:"moderator,member"`
}

type TransferBoardRequest struct {
	OwnerID string `json:"owner_id"`
}

type CreateAPIKeyRequest struct {
	Name *string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
}

// Response payloads

type IdentityConfirmationResponse struct {
	UserID string `json:"user_id"`
	Result string `json:"result" enum:"created,exists,failed"`
}

type APIKeyResponse struct {
	domain.APIKey
	Key string `json:"key,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type ExpireResponse struct {
	Expired int `json:"expired"`
}

type ReprocessResponse struct {
	WorkerID string `json:"worker_id"`
	reprocess.Summary
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func optional(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
