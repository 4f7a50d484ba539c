package auth

import (
	"fmt"

	"github.com/satriahrh/voicechat/domain"
	"github.com/satriahrh/voicechat/domain/entities"
)

// Feature is a dashboard area guarded by role
type Feature string

const (
	FeatureDashboard     Feature = "dashboard"
	FeatureCallCenter    Feature = "call-center"
	FeatureRealTime      Feature = "real-time"
	FeatureSessions      Feature = "sessions"
	FeatureContentFilter Feature = "content-filter"
	FeatureConversations Feature = "conversations"
	FeatureVoiceChat     Feature = "voice-chat"
	FeatureMetrics       Feature = "metrics"
	FeatureUsers         Feature = "users"
	FeatureGenesys       Feature = "genesys"
	FeatureDatabase      Feature = "database"
	FeatureProfile       Feature = "profile"
)

var (
	allRoles    = []entities.Role{entities.RoleAdministrator, entities.RoleManager, entities.RoleAgent}
	supervisors = []entities.Role{entities.RoleAdministrator, entities.RoleManager}
	adminOnly   = []entities.Role{entities.RoleAdministrator}
)

var permissions = map[Feature][]entities.Role{
	FeatureDashboard:     supervisors,
	FeatureCallCenter:    allRoles,
	FeatureRealTime:      allRoles,
	FeatureSessions:      allRoles,
	FeatureContentFilter: allRoles,
	FeatureConversations: supervisors,
	FeatureVoiceChat:     adminOnly,
	FeatureMetrics:       adminOnly,
	FeatureUsers:         supervisors,
	FeatureGenesys:       adminOnly,
	FeatureDatabase:      adminOnly,
	FeatureProfile:       allRoles,
}

// Allowed reports whether role may use feature. Unknown features are denied.
func Allowed(role entities.Role, feature Feature) bool {
	for _, r := range permissions[feature] {
		if r == role {
			return true
		}
	}
	return false
}

// Authorize returns domain.ErrForbidden when role may not use feature
func Authorize(role entities.Role, feature Feature) error {
	if !Allowed(role, feature) {
		return fmt.Errorf("%s may not use %s: %w", role, feature, domain.ErrForbidden)
	}
	return nil
}

// Features lists what role may use, in table order
func Features(role entities.Role) []Feature {
	order := []Feature{
		FeatureDashboard, FeatureCallCenter, FeatureRealTime, FeatureSessions,
		FeatureContentFilter, FeatureConversations, FeatureVoiceChat, FeatureMetrics,
		FeatureUsers, FeatureGenesys, FeatureDatabase, FeatureProfile,
	}
	var out []Feature
	for _, f := range order {
		if Allowed(role, f) {
			out = append(out, f)
		}
	}
	return out
}
