package moderation

import (
	"strconv"
	"time"
)

// UserRecord is the per-user moderation counter for the moderated group.
type UserRecord struct {
	UserID       int64     `json:"user_id"`
	GroupID      int64     `json:"group_id"`
	MessageCount int       `json:"message_count"`
	IsRestricted bool      `json:"is_restricted"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Stats is the aggregate view shown on the status page.
type Stats struct {
	TotalUsers      int
	RestrictedUsers int
	AverageCount    float64
}

// Permission represents an administrative action in the group
type Permission string

const (
	PermissionAdjustCount     Permission = "adjust_count"
	PermissionTogglePanel     Permission = "toggle_panel"
	PermissionConfigureTopics Permission = "configure_topics"
)

// AllPermissions returns all available permissions
func AllPermissions() []Permission {
	return []Permission{
		PermissionAdjustCount,
		PermissionTogglePanel,
		PermissionConfigureTopics,
	}
}

// RoleName represents the name of a moderation role
type RoleName string

const (
	RoleAdmin     RoleName = "admin"
	RoleModerator RoleName = "moderator"
)

// Role defines a set of permissions for moderators
type Role struct {
	Name        RoleName     `yaml:"-"`
	Description string       `yaml:"description"`
	Permissions []Permission `yaml:"permissions"`
}

// HasPermission checks if this role has the given permission
func (r *Role) HasPermission(perm Permission) bool {
	for _, p := range r.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// ModeratorUser is a Telegram user granted a role regardless of their chat status.
type ModeratorUser struct {
	UserID   int64    `yaml:"user_id"`
	Username string   `yaml:"username,omitempty"`
	Role     RoleName `yaml:"role"`
	Note     string   `yaml:"note,omitempty"`
}

// Config is the roles file.
type Config struct {
	Roles map[RoleName]*Role `yaml:"roles"`
	Users []ModeratorUser    `yaml:"users"`
}

// Validate checks that the config is valid
func (c *Config) Validate() error {
	if c.Roles == nil {
		c.Roles = make(map[RoleName]*Role)
	}

	known := make(map[Permission]bool)
	for _, p := range AllPermissions() {
		known[p] = true
	}

	for name, role := range c.Roles {
		if role == nil {
			return &ConfigError{Field: "roles", Message: "role " + string(name) + " is empty"}
		}
		for _, p := range role.Permissions {
			if !known[p] {
				return &ConfigError{
					Field:   "roles",
					Message: "role " + string(name) + " grants unknown permission: " + string(p),
				}
			}
		}
		role.Name = name
	}

	for _, user := range c.Users {
		if user.UserID == 0 {
			return &ConfigError{Field: "users", Message: "user entry without user_id"}
		}
		if _, ok := c.Roles[user.Role]; !ok {
			return &ConfigError{
				Field:   "users",
				Message: "user " + strconv.FormatInt(user.UserID, 10) + " references unknown role: " + string(user.Role),
			}
		}
	}

	return nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "moderation config error in " + e.Field + ": " + e.Message
}
