package lifecycle

import (
	"testing"

	"civicforge/internal/domain"
)

var allStatuses = []string{
	domain.QuestOpen,
	domain.QuestClaimed,
	domain.QuestSubmitted,
	domain.QuestComplete,
	domain.QuestDisputed,
	domain.QuestExpired,
	domain.QuestCancelled,
}

func TestCanTransitionTable(t *testing.T) {
	legal := map[[2]string]bool{
		{domain.QuestOpen, domain.QuestClaimed}:       true,
		{domain.QuestOpen, domain.QuestExpired}:       true,
		{domain.QuestOpen, domain.QuestCancelled}:     true,
		{domain.QuestClaimed, domain.QuestSubmitted}:  true,
		{domain.QuestClaimed, domain.QuestExpired}:    true,
		{domain.QuestClaimed, domain.QuestCancelled}:  true,
		{domain.QuestSubmitted, domain.QuestComplete}: true,
		{domain.QuestSubmitted, domain.QuestDisputed}: true,
	}
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			want := legal[[2]string{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestValidStatus(t *testing.T) {
	for _, status := range allStatuses {
		if !ValidStatus(status) {
			t.Fatalf("%s not valid", status)
		}
		terminal := status != domain.QuestOpen && status != domain.QuestClaimed && status != domain.QuestSubmitted
		if IsTerminal(status) != terminal {
			t.Fatalf("IsTerminal(%s) = %v", status, !terminal)
		}
	}
	for _, status := range []string{"", "open", "DONE"} {
		if ValidStatus(status) {
			t.Fatalf("%q accepted", status)
		}
	}
}

func TestCreatorNeverClaims(t *testing.T) {
	performer := "u2"
	for _, status := range allStatuses {
		for _, p := range []*string{nil, &performer} {
			q := domain.Quest{CreatorID: "u1", Status: status, PerformerID: p}
			if CanUserClaim(q, "u1") {
				t.Fatalf("creator could claim quest in status %s", status)
			}
		}
	}
	q := domain.Quest{CreatorID: "u1", Status: domain.QuestOpen}
	if !CanUserClaim(q, "u2") {
		t.Fatalf("expected u2 to be able to claim open quest")
	}
	q.PerformerID = &performer
	if CanUserClaim(q, "u3") {
		t.Fatalf("claimed quest must not be claimable")
	}
}

func TestAttestationCompleteness(t *testing.T) {
	performer := "u2"
	q := domain.Quest{CreatorID: "u1", Status: domain.QuestSubmitted, PerformerID: &performer}
	if CanComplete(q, true) {
		t.Fatalf("complete without attestations")
	}
	if !CanComplete(q, false) {
		t.Fatalf("complete should be allowed when attestation policy is off")
	}
	if !CanAttest(q, "u1", domain.RoleRequestor) {
		t.Fatalf("creator should attest as requestor")
	}
	if CanAttest(q, "u1", domain.RolePerformer) {
		t.Fatalf("creator must not attest as performer")
	}
	q.Attestations = append(q.Attestations, domain.Attestation{UserID: "u1", Role: domain.RoleRequestor})
	if !HasRequestorAttestation(q) || HasPerformerAttestation(q) {
		t.Fatalf("unexpected flags after requestor attestation")
	}
	if CanAttest(q, "u1", domain.RoleRequestor) {
		t.Fatalf("duplicate attestation allowed")
	}
	if CanComplete(q, true) {
		t.Fatalf("complete with only requestor attestation")
	}
	q.Attestations = append(q.Attestations, domain.Attestation{UserID: "u2", Role: domain.RolePerformer})
	if !CanComplete(q, true) {
		t.Fatalf("expected complete with both attestations")
	}
	q.Status = domain.QuestComplete
	if CanComplete(q, true) {
		t.Fatalf("complete quest cannot complete again")
	}
}
