package moderation

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Policy grants administrative permissions to configured Telegram users.
// Chat administrators are authorized separately by the caller; the policy
// only covers users listed in the roles file.
type Policy struct {
	mu         sync.RWMutex
	config     *Config
	configPath string

	// Quick lookup maps built from config
	userRoles map[int64]*Role
	userInfos map[int64]*ModeratorUser
}

// NewPolicy loads the roles file at configPath.
// If configPath is empty, the policy grants nothing.
func NewPolicy(configPath string) (*Policy, error) {
	p := &Policy{
		configPath: configPath,
		userRoles:  make(map[int64]*Role),
		userInfos:  make(map[int64]*ModeratorUser),
	}

	if configPath == "" {
		log.Info().Msg("moderation: no roles file provided, only chat admins are authorized")
		return p, nil
	}

	if err := p.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load roles file: %w", err)
	}

	return p, nil
}

func (p *Policy) loadConfig() error {
	data, err := os.ReadFile(p.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("path", p.configPath).Msg("moderation: roles file not found, only chat admins are authorized")
			return nil
		}
		return fmt.Errorf("failed to read roles file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse roles file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid roles file: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.config = &config
	p.rebuildLookupMaps()

	log.Info().
		Int("roles", len(config.Roles)).
		Int("users", len(config.Users)).
		Str("path", p.configPath).
		Msg("moderation: roles loaded")

	return nil
}

// rebuildLookupMaps rebuilds the quick lookup maps from config
// Caller must hold the write lock
func (p *Policy) rebuildLookupMaps() {
	p.userRoles = make(map[int64]*Role)
	p.userInfos = make(map[int64]*ModeratorUser)

	if p.config == nil {
		return
	}

	for i := range p.config.Users {
		user := &p.config.Users[i]
		if role, ok := p.config.Roles[user.Role]; ok {
			p.userRoles[user.UserID] = role
			p.userInfos[user.UserID] = user
		}
	}
}

// Reload reloads the roles file from disk
func (p *Policy) Reload() error {
	if p.configPath == "" {
		return nil
	}
	return p.loadConfig()
}

// IsEnabled returns true if at least one user is configured
func (p *Policy) IsEnabled() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config != nil && len(p.config.Users) > 0
}

// IsAdmin returns true if the user has the admin role
func (p *Policy) IsAdmin(userID int64) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	role, ok := p.userRoles[userID]
	return ok && role.Name == RoleAdmin
}

// HasPermission returns true if the user has the specified permission
func (p *Policy) HasPermission(userID int64, permission Permission) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	role, ok := p.userRoles[userID]
	if !ok {
		return false
	}
	return role.HasPermission(permission)
}

// GetModeratorUser returns the configured entry for the user, if any
func (p *Policy) GetModeratorUser(userID int64) (*ModeratorUser, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	user, ok := p.userInfos[userID]
	if !ok {
		return nil, false
	}
	userCopy := *user
	return &userCopy, true
}

// ListModerators returns all configured users
func (p *Policy) ListModerators() []ModeratorUser {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.config == nil {
		return nil
	}

	result := make([]ModeratorUser, len(p.config.Users))
	copy(result, p.config.Users)
	return result
}
