package repositories

import (
	"context"

	"github.com/satriahrh/voicechat/domain/entities"
)

// Identity is the result of a successful login
type Identity struct {
	User  entities.User `json:"user"`
	Token string        `json:"token"`
}

// IdentityProvider is the external authentication collaborator
type IdentityProvider interface {
	Login(ctx context.Context, email, password string) (*Identity, error)
}
