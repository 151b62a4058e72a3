package domain

// Quest statuses.
const (
	QuestOpen      = "OPEN"
	QuestClaimed   = "CLAIMED"
	QuestSubmitted = "SUBMITTED"
	QuestComplete  = "COMPLETE"
	QuestDisputed  = "DISPUTED"
	QuestExpired   = "EXPIRED"
	QuestCancelled = "CANCELLED"
)

// Attestation roles.
const (
	RoleRequestor = "requestor"
	RolePerformer = "performer"
)

// Failed reward statuses.
const (
	RewardPending   = "pending"
	RewardResolved  = "resolved"
	RewardAbandoned = "abandoned"
)

// Board roles.
const (
	BoardOwner     = "owner"
	BoardModerator = "moderator"
	BoardMember    = "member"
)

// DefaultBoardID is used when a quest is created without a board.
const DefaultBoardID = "main"

type Attestation struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role" enum:"requestor,performer"`
	Signature string `json:"signature,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Quest struct {
	ID               string        `json:"id"`
	BoardID          string        `json:"board_id"`
	CreatorID        string        `json:"creator_id"`
	Title            string        `json:"title"`
	Description      string        `json:"description,omitempty"`
	Status           string        `json:"status" enum:"OPEN,CLAIMED,SUBMITTED,COMPLETE,DISPUTED,EXPIRED,CANCELLED"`
	PerformerID      *string       `json:"performer_id,omitempty"`
	RewardXP         int           `json:"reward_xp"`
	RewardReputation int           `json:"reward_reputation"`
	SubmissionText   string        `json:"submission_text,omitempty"`
	Attestations     []Attestation `json:"attestations"`
	DisputeReason    string        `json:"dispute_reason,omitempty"`
	CreatedAt        string        `json:"created_at" format:"date-time"`
	UpdatedAt        string        `json:"updated_at" format:"date-time"`
	ClaimedAt        *string       `json:"claimed_at,omitempty" format:"date-time"`
	SubmittedAt      *string       `json:"submitted_at,omitempty" format:"date-time"`
	CompletedAt      *string       `json:"completed_at,omitempty" format:"date-time"`
	ExpiresAt        *string       `json:"expires_at,omitempty" format:"date-time"`
	// SpendID ties the quest to the quest-point charge that paid for it.
	SpendID string `json:"-"`
}

type User struct {
	ID               string   `json:"id"`
	Username         string   `json:"username"`
	WalletAddress    *string  `json:"wallet_address,omitempty"`
	Reputation       int      `json:"reputation"`
	Experience       int      `json:"experience"`
	QuestPoints      int      `json:"quest_points"`
	ProcessedRewards []string `json:"processed_rewards"`
	CreatedAt        string   `json:"created_at" format:"date-time"`
	UpdatedAt        string   `json:"updated_at" format:"date-time"`
}

// FailedReward is a reward posting that did not apply at its call site.
// LeaseExpiresAt is unix milliseconds, zero when no lease is held.
type FailedReward struct {
	ID             string  `json:"id"`
	UserID         string  `json:"user_id"`
	QuestID        string  `json:"quest_id,omitempty"`
	Experience     int     `json:"experience"`
	Reputation     int     `json:"reputation"`
	QuestPoints    int     `json:"quest_points"`
	Source         string  `json:"source,omitempty"`
	Status         string  `json:"status" enum:"pending,resolved,abandoned"`
	RetryCount     int     `json:"retry_count"`
	LeaseOwner     string  `json:"lease_owner,omitempty"`
	LeaseExpiresAt int64   `json:"lease_expires_at,omitempty"`
	LastError      string  `json:"last_error,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	LastRetriedAt  *string `json:"last_retried_at,omitempty" format:"date-time"`
	ResolvedAt     *string `json:"resolved_at,omitempty" format:"date-time"`
}

type Board struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type BoardRole struct {
	BoardID    string `json:"board_id"`
	UserID     string `json:"user_id"`
	Role       string `json:"role" enum:"owner,moderator,member"`
	AssignedBy string `json:"assigned_by"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
