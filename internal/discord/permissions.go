package discord

import (
	"slices"

	"github.com/bwmarrin/discordgo"
)

// PermissionChecker validates that a Discord user has the recorder role
// before starting or stopping a recording.
type PermissionChecker struct {
	roleID string
}

// NewPermissionChecker creates a PermissionChecker with the given role ID.
func NewPermissionChecker(roleID string) *PermissionChecker {
	return &PermissionChecker{roleID: roleID}
}

// IsRecorder checks whether the interaction author has the configured role.
// If no role is configured, everyone may record.
// Returns false if the interaction has no Member (e.g., DM channel interactions).
func (p *PermissionChecker) IsRecorder(i *discordgo.InteractionCreate) bool {
	if p.roleID == "" {
		return true
	}
	if i.Member == nil {
		return false
	}
	return slices.Contains(i.Member.Roles, p.roleID)
}
