package credential

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Role is one of the fixed authorities a subject can hold.
type Role string

const (
	RoleUser     Role = "ROLE_USER"
	RoleExecutor Role = "ROLE_EXECUTOR"
	RoleAdmin    Role = "ROLE_ADMIN"
)

var knownRoles = map[Role]struct{}{
	RoleUser:     {},
	RoleExecutor: {},
	RoleAdmin:    {},
}

// ParseRole resolves a role name. Unknown names are rejected.
func ParseRole(name string) (Role, error) {
	candidate := Role(strings.TrimSpace(name))
	if _, ok := knownRoles[candidate]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, name)
	}
	return candidate, nil
}

// RoleSet is a sorted, de-duplicated collection of known roles.
type RoleSet []Role

// NewRoleSet normalizes the supplied roles.
func NewRoleSet(roles ...Role) RoleSet {
	seen := make(map[Role]struct{}, len(roles))
	normalized := make(RoleSet, 0, len(roles))
	for _, role := range roles {
		if _, duplicate := seen[role]; duplicate {
			continue
		}
		seen[role] = struct{}{}
		normalized = append(normalized, role)
	}
	sort.Slice(normalized, func(left, right int) bool { return normalized[left] < normalized[right] })
	return normalized
}

// ParseRoleList decodes a comma-separated role list as stored by the
// persistence layer.
func ParseRoleList(joined string) (RoleSet, error) {
	if strings.TrimSpace(joined) == "" {
		return RoleSet{}, nil
	}
	parts := strings.Split(joined, ",")
	roles := make([]Role, 0, len(parts))
	for _, part := range parts {
		role, err := ParseRole(part)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return NewRoleSet(roles...), nil
}

// Has reports whether the set contains role.
func (roles RoleSet) Has(role Role) bool {
	for _, candidate := range roles {
		if candidate == role {
			return true
		}
	}
	return false
}

// HasAny reports whether the set contains at least one of the given roles.
func (roles RoleSet) HasAny(wanted ...Role) bool {
	for _, role := range wanted {
		if roles.Has(role) {
			return true
		}
	}
	return false
}

// Strings returns the role names in order.
func (roles RoleSet) Strings() []string {
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, string(role))
	}
	return names
}

// Join renders the set as a comma-separated list.
func (roles RoleSet) Join() string {
	return strings.Join(roles.Strings(), ",")
}

// MarshalJSON always emits an array, never null.
func (roles RoleSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(roles.Strings())
}

// UnmarshalJSON accepts only an array of known role names.
func (roles *RoleSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("%w: roles must be an array of strings", ErrUnknownRole)
	}
	parsed := make([]Role, 0, len(names))
	for _, name := range names {
		role, err := ParseRole(name)
		if err != nil {
			return err
		}
		parsed = append(parsed, role)
	}
	*roles = NewRoleSet(parsed...)
	return nil
}
