package rbac

import "testing"

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role string
		perm string
		want bool
	}{
		{RoleParty, PermCreateEscrow, true},
		{RoleParty, PermVote, false},
		{RoleArbiter, PermVote, true},
		{RoleArbiter, PermOpenDispute, true},
		{RoleArbiter, PermResolveDispute, false},
		{RoleAdmin, PermResolveDispute, true},
		{RoleAdmin, PermVote, false},
		{RoleOracle, PermSubmitFacts, true},
		{RoleOracle, PermCreateEscrow, false},
		{RoleSettlement, PermConfirmSettlement, true},
		{"unknown", PermViewEscrow, false},
	}
	for _, tt := range tests {
		if got := HasPermission(tt.role, tt.perm); got != tt.want {
			t.Errorf("HasPermission(%s, %s) = %v, want %v", tt.role, tt.perm, got, tt.want)
		}
	}
}

func TestIsServiceRole(t *testing.T) {
	if !IsServiceRole(RoleOracle) || !IsServiceRole(RoleSettlement) || IsServiceRole(RoleParty) {
		t.Error("service role classification wrong")
	}
}
