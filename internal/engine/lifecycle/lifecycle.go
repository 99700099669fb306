// Package lifecycle decides which work item transitions are legal and who may
// request them. It holds no state and performs no I/O; the work item store
// evaluates these rules inside its conditional writes.
package lifecycle

import "questline/internal/domain"

// System is the actor id used for transitions no user may request.
const System = "system"

const (
	ReasonInvalidTransition = "invalid transition"
	ReasonWrongState        = "not in expected state"
	ReasonCreatorCannot     = "creator cannot claim own item"
	ReasonAlreadyClaimed    = "performer already set"
	ReasonNotPerformer      = "actor is not the performer"
	ReasonNotParty          = "actor is neither creator nor performer"
	ReasonSystemOnly        = "transition reserved for system"
	ReasonNotReady          = "both attestations required"
	ReasonAlreadyAttested   = "actor already attested"
	ReasonRoleMismatch      = "role does not match actor"
	ReasonRoleTaken         = "role already attested"
	ReasonNotCreator        = "actor is not the creator"
)

type edge struct {
	from, to domain.Status
}

// rule checks the actor and extra condition of one edge.
type rule func(item domain.WorkItem, actorID string) (bool, string)

var table = map[edge]rule{
	{domain.StatusOpen, domain.StatusClaimed}: func(item domain.WorkItem, actorID string) (bool, string) {
		if actorID == "" || actorID == System {
			return false, ReasonInvalidTransition
		}
		if actorID == item.CreatorID {
			return false, ReasonCreatorCannot
		}
		if item.PerformerID != nil {
			return false, ReasonAlreadyClaimed
		}
		return true, ""
	},
	{domain.StatusClaimed, domain.StatusOpen}:      performerOnly,
	{domain.StatusClaimed, domain.StatusSubmitted}: performerOnly,
	{domain.StatusSubmitted, domain.StatusComplete}: func(item domain.WorkItem, actorID string) (bool, string) {
		if actorID != System {
			return false, ReasonSystemOnly
		}
		if !item.HasRequestorAttestation || !item.HasPerformerAttestation {
			return false, ReasonNotReady
		}
		return true, ""
	},
	{domain.StatusSubmitted, domain.StatusDisputed}: func(item domain.WorkItem, actorID string) (bool, string) {
		if actorID == "" || (actorID != item.CreatorID && actorID != item.Performer()) {
			return false, ReasonNotParty
		}
		return true, ""
	},
	{domain.StatusOpen, domain.StatusExpired}:    systemOnly,
	{domain.StatusClaimed, domain.StatusExpired}: systemOnly,
}

func performerOnly(item domain.WorkItem, actorID string) (bool, string) {
	if actorID == "" || item.PerformerID == nil || *item.PerformerID != actorID {
		return false, ReasonNotPerformer
	}
	return true, ""
}

func systemOnly(_ domain.WorkItem, actorID string) (bool, string) {
	if actorID != System {
		return false, ReasonSystemOnly
	}
	return true, ""
}

// ValidateTransition reports whether actorID may move item from -> to. A
// caller whose view of the item is stale gets ReasonWrongState.
func ValidateTransition(item domain.WorkItem, actorID string, from, to domain.Status) (bool, string) {
	check, ok := table[edge{from, to}]
	if !ok {
		return false, ReasonInvalidTransition
	}
	if item.Status != from {
		return false, ReasonWrongState
	}
	return check(item, actorID)
}

// Legal reports whether from -> to appears in the transition table at all.
func Legal(from, to domain.Status) bool {
	_, ok := table[edge{from, to}]
	return ok
}

// RoleFor returns the attestation role actorID holds on item.
func RoleFor(item domain.WorkItem, actorID string) (domain.Role, bool) {
	switch {
	case actorID == "":
		return "", false
	case actorID == item.CreatorID:
		return domain.RoleRequestor, true
	case actorID == item.Performer():
		return domain.RolePerformer, true
	}
	return "", false
}

// CanAttest reports whether actorID may attest now.
func CanAttest(item domain.WorkItem, actorID string) (bool, string) {
	if item.Status != domain.StatusSubmitted {
		return false, ReasonWrongState
	}
	if _, ok := RoleFor(item, actorID); !ok {
		return false, ReasonNotParty
	}
	if item.HasAttested(actorID) {
		return false, ReasonAlreadyAttested
	}
	return true, ""
}

// CanAttestAs extends CanAttest with the requested role: it must be the
// actor's own role and its flag must still be unset.
func CanAttestAs(item domain.WorkItem, actorID string, role domain.Role) (bool, string) {
	if ok, reason := CanAttest(item, actorID); !ok {
		return false, reason
	}
	if own, _ := RoleFor(item, actorID); own != role {
		return false, ReasonRoleMismatch
	}
	if item.HasRole(role) {
		return false, ReasonRoleTaken
	}
	return true, ""
}

// ReadyForCompletion is true once both attestation flags are set.
func ReadyForCompletion(item domain.WorkItem) bool {
	return item.Status == domain.StatusSubmitted && item.HasRequestorAttestation && item.HasPerformerAttestation
}

// CanDelete allows only the creator to delete, and only while OPEN.
func CanDelete(item domain.WorkItem, actorID string) (bool, string) {
	if item.Status != domain.StatusOpen {
		return false, ReasonWrongState
	}
	if actorID == "" || actorID != item.CreatorID {
		return false, ReasonNotCreator
	}
	return true, ""
}

// IsStateReason reports whether reason describes a state mismatch rather
// than an authorization failure.
func IsStateReason(reason string) bool {
	switch reason {
	case ReasonWrongState, ReasonInvalidTransition, ReasonAlreadyClaimed, ReasonRoleTaken, ReasonAlreadyAttested, ReasonNotReady:
		return true
	}
	return false
}
