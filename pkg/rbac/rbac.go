package rbac

const (
	PermissionReadAccounts     = "accounts:read"
	PermissionLinkAccounts     = "accounts:link"
	PermissionTriggerOwnSync   = "sync:trigger"
	PermissionTriggerAnySync   = "sync:trigger_any"
	PermissionDeleteItems      = "items:delete"
	PermissionUnsubscribeItems = "items:unsubscribe"
	PermissionReplayOutbox     = "outbox:replay"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"

	// RoleOAuthState marks the signed state of a consent round trip. It
	// grants nothing.
	RoleOAuthState = "oauth_state"
)

var rolePermissions = map[string][]string{
	RoleUser: {
		PermissionReadAccounts,
		PermissionLinkAccounts,
		PermissionTriggerOwnSync,
		PermissionDeleteItems,
		PermissionUnsubscribeItems,
	},
	RoleAdmin: {
		PermissionReadAccounts,
		PermissionLinkAccounts,
		PermissionTriggerOwnSync,
		PermissionTriggerAnySync,
		PermissionDeleteItems,
		PermissionUnsubscribeItems,
		PermissionReplayOutbox,
	},
	RoleOAuthState: {},
}

// RoleOf maps a token's role claim to a known role. Tokens without a role
// act as plain users.
func RoleOf(claim string) string {
	if _, ok := rolePermissions[claim]; ok {
		return claim
	}
	return RoleUser
}

func HasPermission(role, permission string) bool {
	for _, p := range rolePermissions[RoleOf(role)] {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission is HasPermission returning an error for handlers.
func CheckPermission(role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{Role: RoleOf(role), Permission: permission}
	}
	return nil
}

type PermissionDeniedError struct {
	Role       string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions"
}
