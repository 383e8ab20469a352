package services

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/Gopher0727/GhostRoom/internal/models"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) CreateWithinLimit(ctx context.Context, g *models.Group, limit int) error {
	return m.Called(ctx, g, limit).Error(0)
}

func (m *mockStore) List(ctx context.Context, limit int) ([]models.Group, error) {
	args := m.Called(ctx, limit)
	groups, _ := args.Get(0).([]models.Group)
	return groups, args.Error(1)
}

func (m *mockStore) Get(ctx context.Context, id string) (*models.Group, error) {
	args := m.Called(ctx, id)
	g, _ := args.Get(0).(*models.Group)
	return g, args.Error(1)
}

func (m *mockStore) Increment(ctx context.Context, id string) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) Decrement(ctx context.Context, id string) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) SetCount(ctx context.Context, id string, count int) error {
	return m.Called(ctx, id, count).Error(0)
}

func (m *mockStore) DeleteIfEmpty(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) Touch(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *mockStore) FindIdle(ctx context.Context, cutoff time.Time) ([]models.Group, error) {
	args := m.Called(ctx, cutoff)
	groups, _ := args.Get(0).([]models.Group)
	return groups, args.Error(1)
}

func (m *mockStore) DeleteIdle(ctx context.Context, cutoff time.Time) ([]models.Group, error) {
	args := m.Called(ctx, cutoff)
	groups, _ := args.Get(0).([]models.Group)
	return groups, args.Error(1)
}
