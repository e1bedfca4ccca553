package identity

import (
	"github.com/goliatone/go-persistence-bun"
)

// RegisterModels registers this package's models with the persistence
// client so fixtures and relations resolve.
func RegisterModels() {
	persistence.RegisterModel((*Profile)(nil))
	persistence.RegisterModel((*Organization)(nil))
	persistence.RegisterModel((*Membership)(nil))
	persistence.RegisterModel((*AgentRelationship)(nil))
	persistence.RegisterModel((*LocalState)(nil))
}
