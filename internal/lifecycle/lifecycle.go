// Package lifecycle holds the quest state machine. It performs no I/O; the
// store adapter and the engine both consult it before issuing a write.
package lifecycle

import "civicforge/internal/domain"

// CanTransition reports whether from -> to is a legal quest edge.
// Same-state and backward moves are always illegal.
func CanTransition(from, to string) bool {
	switch from {
	case domain.QuestOpen:
		return to == domain.QuestClaimed || to == domain.QuestExpired || to == domain.QuestCancelled
	case domain.QuestClaimed:
		return to == domain.QuestSubmitted || to == domain.QuestExpired || to == domain.QuestCancelled
	case domain.QuestSubmitted:
		return to == domain.QuestComplete || to == domain.QuestDisputed
	default:
		return false
	}
}

// IsTerminal reports whether no edge leaves status.
func IsTerminal(status string) bool {
	switch status {
	case domain.QuestComplete, domain.QuestDisputed, domain.QuestExpired, domain.QuestCancelled:
		return true
	}
	return false
}

// ValidStatus reports whether status is a known quest status.
func ValidStatus(status string) bool {
	switch status {
	case domain.QuestOpen, domain.QuestClaimed, domain.QuestSubmitted:
		return true
	}
	return IsTerminal(status)
}

// CanUserClaim is false for the creator in every state.
func CanUserClaim(q domain.Quest, userID string) bool {
	if userID == "" || userID == q.CreatorID {
		return false
	}
	return q.Status == domain.QuestOpen && q.PerformerID == nil
}

func HasRequestorAttestation(q domain.Quest) bool {
	return hasRole(q, domain.RoleRequestor)
}

func HasPerformerAttestation(q domain.Quest) bool {
	return hasRole(q, domain.RolePerformer)
}

func hasRole(q domain.Quest, role string) bool {
	for _, a := range q.Attestations {
		if a.Role == role {
			return true
		}
	}
	return false
}

// CanAttest reports whether userID may append an attestation with role.
// The requestor role belongs to the creator and the performer role to the
// claimed performer; each user attests at most once.
func CanAttest(q domain.Quest, userID, role string) bool {
	if q.Status != domain.QuestSubmitted || userID == "" || len(q.Attestations) >= 2 {
		return false
	}
	for _, a := range q.Attestations {
		if a.UserID == userID || a.Role == role {
			return false
		}
	}
	switch role {
	case domain.RoleRequestor:
		return userID == q.CreatorID
	case domain.RolePerformer:
		return q.PerformerID != nil && *q.PerformerID == userID
	default:
		return false
	}
}

// CanComplete reports whether a SUBMITTED quest may move to COMPLETE.
func CanComplete(q domain.Quest, requireAttestation bool) bool {
	if q.Status != domain.QuestSubmitted {
		return false
	}
	if !requireAttestation {
		return true
	}
	return HasRequestorAttestation(q) && HasPerformerAttestation(q)
}
