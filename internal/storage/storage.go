// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"

	"torrent_pins/internal/model"
)

// ErrNotFound is returned when a requested user does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateUser(ctx context.Context, user *model.User) error
	GetUser(ctx context.Context, token string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	DeleteUser(ctx context.Context, token string) error

	ListPins(ctx context.Context, userToken string) (map[string]model.PinRecord, error)
	SavePin(ctx context.Context, userToken, hash string, rec model.PinRecord) error
	DeletePin(ctx context.Context, userToken, hash string) error
	UpdatePins(ctx context.Context, userToken string, pins map[string]model.PinRecord) error

	Ping(ctx context.Context) error
	Close() error
}
