package repositories

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/Gopher0727/GhostRoom/internal/models"
)

// ErrLimitReached 群组总数已达上限
var ErrLimitReached = errors.New("群组数量已达上限")

// GroupRepository 群组仓储。所有计数修改只走 Increment/Decrement（原子）或 SetCount（降级路径）
type GroupRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGroupRepository 创建群组仓储实例
func NewGroupRepository(db *gorm.DB) *GroupRepository {
	return &GroupRepository{db: db, now: utcNow}
}

func utcNow() time.Time { return time.Now().UTC() }

// CreateWithinLimit 在事务中先计数再插入，总数 >= limit 时返回 ErrLimitReached
func (r *GroupRepository) CreateWithinLimit(ctx context.Context, group *models.Group, limit int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var total int64
		if err := tx.Model(&models.Group{}).Count(&total).Error; err != nil {
			return err
		}
		if total >= int64(limit) {
			return ErrLimitReached
		}
		now := r.now()
		group.CreatedAt = now
		group.UpdatedAt = now
		group.LastActiveAt = now
		return tx.Create(group).Error
	})
}

// List 按创建时间倒序
func (r *GroupRepository) List(ctx context.Context, limit int) ([]models.Group, error) {
	var groups []models.Group
	err := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&groups).Error
	return groups, err
}

// Get 根据ID获取群组
func (r *GroupRepository) Get(ctx context.Context, id string) (*models.Group, error) {
	var group models.Group
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&group).Error; err != nil {
		return nil, err
	}
	return &group, nil
}

// Increment 原子加一，返回新值
func (r *GroupRepository) Increment(ctx context.Context, id string) (int, error) {
	return r.adjust(ctx, id, gorm.Expr("active_user_count + 1"))
}

// Decrement 原子减一（不低于 0），返回新值
func (r *GroupRepository) Decrement(ctx context.Context, id string) (int, error) {
	return r.adjust(ctx, id, gorm.Expr("CASE WHEN active_user_count > 0 THEN active_user_count - 1 ELSE 0 END"))
}

func (r *GroupRepository) adjust(ctx context.Context, id string, expr any) (int, error) {
	var count int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Group{}).Where("id = ?", id).Updates(map[string]any{
			"active_user_count": expr,
			"updated_at":        r.now(),
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.Model(&models.Group{}).Select("active_user_count").Where("id = ?", id).Scan(&count).Error
	})
	return count, err
}

// SetCount 直接写入计数，仅供读-改-写降级路径使用
func (r *GroupRepository) SetCount(ctx context.Context, id string, count int) error {
	res := r.db.WithContext(ctx).Model(&models.Group{}).Where("id = ?", id).Updates(map[string]any{
		"active_user_count": count,
		"updated_at":        r.now(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// DeleteIfEmpty 条件删除：只有计数 <= 0 时才删除，并发 join 抢先时不删
func (r *GroupRepository) DeleteIfEmpty(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Where("id = ? AND active_user_count <= 0", id).Delete(&models.Group{})
	return res.RowsAffected > 0, res.Error
}

// Touch 更新 last_active_at（心跳）
func (r *GroupRepository) Touch(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&models.Group{}).Where("id = ?", id).UpdateColumn("last_active_at", r.now())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func idleScope(cutoff time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("active_user_count = 0 AND last_active_at < ? AND updated_at < ?", cutoff, cutoff)
	}
}

// FindIdle 列出可被清理的群组（dry run）
func (r *GroupRepository) FindIdle(ctx context.Context, cutoff time.Time) ([]models.Group, error) {
	var groups []models.Group
	err := r.db.WithContext(ctx).Scopes(idleScope(cutoff)).Order("created_at").Find(&groups).Error
	return groups, err
}

// DeleteIdle 删除空闲群组，返回真正被本次调用删除的记录。
// 每行删除时重新校验条件，已被别人删除或重新活跃的行不计入
func (r *GroupRepository) DeleteIdle(ctx context.Context, cutoff time.Time) ([]models.Group, error) {
	candidates, err := r.FindIdle(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	deleted := make([]models.Group, 0, len(candidates))
	for _, g := range candidates {
		res := r.db.WithContext(ctx).Scopes(idleScope(cutoff)).Where("id = ?", g.ID).Delete(&models.Group{})
		if res.Error != nil {
			return deleted, res.Error
		}
		if res.RowsAffected > 0 {
			deleted = append(deleted, g)
		}
	}
	return deleted, nil
}
