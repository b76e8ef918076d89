package rbac

// Roles carried in access tokens.
const (
	RoleParty      = "party"
	RoleArbiter    = "arbiter"
	RoleAdmin      = "admin"
	RoleOracle     = "oracle"
	RoleSettlement = "settlement"
)

// Permissions
const (
	PermCreateEscrow      = "create_escrow"
	PermViewEscrow        = "view_escrow"
	PermManageEscrow      = "manage_escrow" // allocations, release, cancel
	PermSubmitApproval    = "submit_approval"
	PermOpenDispute       = "open_dispute"
	PermSubmitEvidence    = "submit_evidence"
	PermVerifyEvidence    = "verify_evidence"
	PermVote              = "vote"
	PermAssignArbiters    = "assign_arbiters"
	PermResolveDispute    = "resolve_dispute"
	PermManageArbiters    = "manage_arbiters"
	PermSubmitFacts       = "submit_facts"
	PermConfirmSettlement = "confirm_settlement"
	PermRunJobs           = "run_jobs"
	PermIssueTokens       = "issue_tokens"
)

var partyPerms = []string{
	PermCreateEscrow, PermViewEscrow, PermManageEscrow, PermSubmitApproval,
	PermOpenDispute, PermSubmitEvidence,
}

// RolePermissions defines what each role can do. Arbiters may also be
// parties to their own escrows.
var RolePermissions = map[string][]string{
	RoleParty:   partyPerms,
	RoleArbiter: append([]string{PermVerifyEvidence, PermVote}, partyPerms...),
	RoleAdmin: append([]string{
		PermVerifyEvidence, PermAssignArbiters, PermResolveDispute,
		PermManageArbiters, PermRunJobs, PermIssueTokens,
	}, partyPerms...),
	RoleOracle:     {PermViewEscrow, PermSubmitFacts},
	RoleSettlement: {PermViewEscrow, PermConfirmSettlement},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// IsServiceRole reports whether role belongs to a machine client rather
// than a wallet holder.
func IsServiceRole(role string) bool {
	return role == RoleOracle || role == RoleSettlement
}

// Valid reports whether role is known.
func Valid(role string) bool {
	_, ok := RolePermissions[role]
	return ok
}
