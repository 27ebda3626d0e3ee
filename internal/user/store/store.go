// Package store persists user accounts.
package store

import (
	"context"

	"github.com/novahq/nova/internal/user/models"
)

// Repository is the storage contract for user accounts.
type Repository interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByIngestToken(ctx context.Context, token string) (*models.User, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
	UpdateUser(ctx context.Context, user *models.User) error
	Close() error
}
