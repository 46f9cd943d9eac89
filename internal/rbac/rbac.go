package rbac

type Role string
type Action string

const (
	RoleAnonymous Role = "anonymous"
	RoleMember    Role = "member"
	RoleOperator  Role = "operator"
)

const (
	ActionReadAggregate Action = "read_aggregate"
	ActionSubmit        Action = "submit"
	ActionDeclareZone   Action = "declare_zone"
	ActionAnnotate      Action = "annotate"
	ActionVote          Action = "vote"
	ActionReadExact     Action = "read_exact"
	ActionSeed          Action = "seed"
)

// Can reports whether role may perform action. Submitting signals and
// reading the suppressed aggregate need no credential.
func Can(role Role, action Action) bool {
	switch role {
	case RoleOperator:
		return true
	case RoleMember:
		return action == ActionReadAggregate || action == ActionSubmit || action == ActionDeclareZone ||
			action == ActionAnnotate || action == ActionVote
	case RoleAnonymous:
		return action == ActionReadAggregate || action == ActionSubmit
	default:
		return false
	}
}
