package services

import (
	"context"
	"time"

	"github.com/Gopher0727/GhostRoom/internal/models"
)

// GroupStore 群组存储接口，由 repositories.GroupRepository 实现。
// 未找到记录时返回 gorm.ErrRecordNotFound
type GroupStore interface {
	CreateWithinLimit(ctx context.Context, group *models.Group, limit int) error
	List(ctx context.Context, limit int) ([]models.Group, error)
	Get(ctx context.Context, id string) (*models.Group, error)
	Increment(ctx context.Context, id string) (int, error)
	Decrement(ctx context.Context, id string) (int, error)
	SetCount(ctx context.Context, id string, count int) error
	DeleteIfEmpty(ctx context.Context, id string) (bool, error)
	Touch(ctx context.Context, id string) error
	FindIdle(ctx context.Context, cutoff time.Time) ([]models.Group, error)
	DeleteIdle(ctx context.Context, cutoff time.Time) ([]models.Group, error)
}

// SessionSet 记录每个群组中已计数的会话，使同一会话的重复 join/leave 不影响计数
type SessionSet interface {
	Add(ctx context.Context, groupID, sessionID string) (bool, error)
	Remove(ctx context.Context, groupID, sessionID string) (bool, error)
	Forget(ctx context.Context, groupIDs ...string) error
}
