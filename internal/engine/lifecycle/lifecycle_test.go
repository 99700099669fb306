package lifecycle_test

import (
	"testing"

	"questline/internal/domain"
	"questline/internal/engine/lifecycle"
)

func ptr(s string) *string { return &s }

func item(status domain.Status, performer string) domain.WorkItem {
	it := domain.WorkItem{ID: "w1", Status: status, CreatorID: "alice"}
	if performer != "" {
		it.PerformerID = ptr(performer)
	}
	return it
}

func TestTransitionTable(t *testing.T) {
	ready := item(domain.StatusSubmitted, "bob")
	ready.HasRequestorAttestation = true
	ready.HasPerformerAttestation = true
	half := item(domain.StatusSubmitted, "bob")
	half.HasRequestorAttestation = true

	cases := []struct {
		name   string
		item   domain.WorkItem
		actor  string
		from   domain.Status
		to     domain.Status
		ok     bool
		reason string
	}{
		{"claim by other", item(domain.StatusOpen, ""), "bob", domain.StatusOpen, domain.StatusClaimed, true, ""},
		{"claim by creator", item(domain.StatusOpen, ""), "alice", domain.StatusOpen, domain.StatusClaimed, false, lifecycle.ReasonCreatorCannot},
		{"claim with performer set", item(domain.StatusOpen, "carol"), "bob", domain.StatusOpen, domain.StatusClaimed, false, lifecycle.ReasonAlreadyClaimed},
		{"claim stale", item(domain.StatusClaimed, "carol"), "bob", domain.StatusOpen, domain.StatusClaimed, false, lifecycle.ReasonWrongState},
		{"unclaim by performer", item(domain.StatusClaimed, "bob"), "bob", domain.StatusClaimed, domain.StatusOpen, true, ""},
		{"unclaim by other", item(domain.StatusClaimed, "bob"), "carol", domain.StatusClaimed, domain.StatusOpen, false, lifecycle.ReasonNotPerformer},
		{"submit by performer", item(domain.StatusClaimed, "bob"), "bob", domain.StatusClaimed, domain.StatusSubmitted, true, ""},
		{"submit by creator", item(domain.StatusClaimed, "bob"), "alice", domain.StatusClaimed, domain.StatusSubmitted, false, lifecycle.ReasonNotPerformer},
		{"complete ready", ready, lifecycle.System, domain.StatusSubmitted, domain.StatusComplete, true, ""},
		{"complete half", half, lifecycle.System, domain.StatusSubmitted, domain.StatusComplete, false, lifecycle.ReasonNotReady},
		{"complete by user", ready, "alice", domain.StatusSubmitted, domain.StatusComplete, false, lifecycle.ReasonSystemOnly},
		{"dispute by creator", item(domain.StatusSubmitted, "bob"), "alice", domain.StatusSubmitted, domain.StatusDisputed, true, ""},
		{"dispute by performer", item(domain.StatusSubmitted, "bob"), "bob", domain.StatusSubmitted, domain.StatusDisputed, true, ""},
		{"dispute by stranger", item(domain.StatusSubmitted, "bob"), "mallory", domain.StatusSubmitted, domain.StatusDisputed, false, lifecycle.ReasonNotParty},
		{"expire open", item(domain.StatusOpen, ""), lifecycle.System, domain.StatusOpen, domain.StatusExpired, true, ""},
		{"expire claimed", item(domain.StatusClaimed, "bob"), lifecycle.System, domain.StatusClaimed, domain.StatusExpired, true, ""},
		{"expire by user", item(domain.StatusOpen, ""), "alice", domain.StatusOpen, domain.StatusExpired, false, lifecycle.ReasonSystemOnly},
		{"expire submitted", item(domain.StatusSubmitted, "bob"), lifecycle.System, domain.StatusSubmitted, domain.StatusExpired, false, lifecycle.ReasonInvalidTransition},
		{"reopen complete", item(domain.StatusComplete, "bob"), "bob", domain.StatusComplete, domain.StatusOpen, false, lifecycle.ReasonInvalidTransition},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ok, reason := lifecycle.ValidateTransition(tc.item, tc.actor, tc.from, tc.to)
			if ok != tc.ok || reason != tc.reason {
				t.Fatalf("got (%v, %q), want (%v, %q)", ok, reason, tc.ok, tc.reason)
			}
		})
	}
}

func TestEveryUnlistedPairIsInvalid(t *testing.T) {
	listed := map[[2]domain.Status]bool{
		{domain.StatusOpen, domain.StatusClaimed}:       true,
		{domain.StatusClaimed, domain.StatusOpen}:       true,
		{domain.StatusClaimed, domain.StatusSubmitted}:  true,
		{domain.StatusSubmitted, domain.StatusComplete}: true,
		{domain.StatusSubmitted, domain.StatusDisputed}: true,
		{domain.StatusOpen, domain.StatusExpired}:       true,
		{domain.StatusClaimed, domain.StatusExpired}:    true,
	}
	for _, from := range domain.Statuses {
		for _, to := range domain.Statuses {
			if listed[[2]domain.Status{from, to}] {
				if !lifecycle.Legal(from, to) {
					t.Fatalf("%s -> %s should be legal", from, to)
				}
				continue
			}
			ok, reason := lifecycle.ValidateTransition(item(from, "bob"), lifecycle.System, from, to)
			if ok || reason != lifecycle.ReasonInvalidTransition {
				t.Fatalf("%s -> %s: got (%v, %q)", from, to, ok, reason)
			}
		}
	}
}

func TestCanAttest(t *testing.T) {
	it := item(domain.StatusSubmitted, "bob")
	if ok, _ := lifecycle.CanAttestAs(it, "alice", domain.RoleRequestor); !ok {
		t.Fatalf("creator should attest as requestor")
	}
	if ok, reason := lifecycle.CanAttestAs(it, "alice", domain.RolePerformer); ok || reason != lifecycle.ReasonRoleMismatch {
		t.Fatalf("creator attesting as performer: %v %q", ok, reason)
	}
	if ok, reason := lifecycle.CanAttest(it, "mallory"); ok || reason != lifecycle.ReasonNotParty {
		t.Fatalf("stranger attest: %v %q", ok, reason)
	}
	it.AttesterIDs = []string{"bob"}
	it.HasPerformerAttestation = true
	if ok, reason := lifecycle.CanAttest(it, "bob"); ok || reason != lifecycle.ReasonAlreadyAttested {
		t.Fatalf("double attest: %v %q", ok, reason)
	}
	claimed := item(domain.StatusClaimed, "bob")
	if ok, reason := lifecycle.CanAttest(claimed, "bob"); ok || reason != lifecycle.ReasonWrongState {
		t.Fatalf("attest before submit: %v %q", ok, reason)
	}
}

func TestReadyForCompletion(t *testing.T) {
	it := item(domain.StatusSubmitted, "bob")
	if lifecycle.ReadyForCompletion(it) {
		t.Fatalf("no attestations yet")
	}
	it.HasRequestorAttestation = true
	it.HasPerformerAttestation = true
	if !lifecycle.ReadyForCompletion(it) {
		t.Fatalf("both flags set")
	}
	it.Status = domain.StatusDisputed
	if lifecycle.ReadyForCompletion(it) {
		t.Fatalf("disputed item is not ready")
	}
}

func TestCanDelete(t *testing.T) {
	if ok, _ := lifecycle.CanDelete(item(domain.StatusOpen, ""), "alice"); !ok {
		t.Fatalf("creator deletes open item")
	}
	if ok, reason := lifecycle.CanDelete(item(domain.StatusOpen, ""), "bob"); ok || reason != lifecycle.ReasonNotCreator {
		t.Fatalf("non-creator delete: %v %q", ok, reason)
	}
	if ok, reason := lifecycle.CanDelete(item(domain.StatusClaimed, "bob"), "alice"); ok || reason != lifecycle.ReasonWrongState {
		t.Fatalf("delete claimed: %v %q", ok, reason)
	}
}
