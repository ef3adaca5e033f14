package auth

// Action is a capability checked at the point of use.
type Action string

const (
	ActionCommandExecute Action = "command:execute"
	ActionAgentControl   Action = "agent:control"
	ActionEmergencyStop  Action = "system:emergency-stop"
)

// roleCapabilities maps each role to its capability tags. The table is
// immutable after init; single-tenant deployments grant operators everything.
var roleCapabilities = map[Role]map[Action]bool{
	RoleOperator: {
		ActionCommandExecute: true,
		ActionAgentControl:   true,
		ActionEmergencyStop:  true,
	},
	RoleViewer: {},
	RoleAgent:  {},
}

// Authorizer answers permission checks and reports denials.
type Authorizer struct {
	onEvent SecurityEventFunc
}

// NewAuthorizer creates an Authorizer. onEvent may be nil.
func NewAuthorizer(onEvent SecurityEventFunc) *Authorizer {
	if onEvent == nil {
		onEvent = func(SecurityEvent) {}
	}
	return &Authorizer{onEvent: onEvent}
}

// Can reports whether role may perform action. Denials emit a
// permission_denied event attributed to subject.
func (a *Authorizer) Can(subject string, role Role, action Action) bool {
	if caps, ok := roleCapabilities[role]; ok && caps[action] {
		return true
	}
	a.onEvent(SecurityEvent{Kind: "permission_denied", Subject: subject,
		Detail: map[string]any{"role": string(role), "action": string(action)}})
	return false
}
