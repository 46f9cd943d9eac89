package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "anonymous aggregate", role: RoleAnonymous, action: ActionReadAggregate, allow: true},
		{name: "anonymous submit", role: RoleAnonymous, action: ActionSubmit, allow: true},
		{name: "anonymous zone", role: RoleAnonymous, action: ActionDeclareZone, allow: false},
		{name: "anonymous vote", role: RoleAnonymous, action: ActionVote, allow: false},
		{name: "member zone", role: RoleMember, action: ActionDeclareZone, allow: true},
		{name: "member annotate", role: RoleMember, action: ActionAnnotate, allow: true},
		{name: "member vote", role: RoleMember, action: ActionVote, allow: true},
		{name: "member exact", role: RoleMember, action: ActionReadExact, allow: false},
		{name: "member seed", role: RoleMember, action: ActionSeed, allow: false},
		{name: "operator exact", role: RoleOperator, action: ActionReadExact, allow: true},
		{name: "operator seed", role: RoleOperator, action: ActionSeed, allow: true},
		{name: "unknown role", role: Role("root"), action: ActionReadAggregate, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}
