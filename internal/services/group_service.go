package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Gopher0727/GhostRoom/config"
	"github.com/Gopher0727/GhostRoom/internal/models"
	"github.com/Gopher0727/GhostRoom/internal/observability"
	"github.com/Gopher0727/GhostRoom/internal/repositories"
	logger "github.com/Gopher0727/GhostRoom/middleware/log"
)

type CreateGroupRequest struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
	Key  string   `json:"key"`
}

// GroupService 群组生命周期：创建（全局上限）、心跳、清理、列表
type GroupService struct {
	store   GroupStore
	members *MembershipService
	limits  config.LifecycleConfig
	log     *logger.Logger
	now     func() time.Time
}

func NewGroupService(store GroupStore, members *MembershipService, limits config.LifecycleConfig, log *logger.Logger) *GroupService {
	return &GroupService{
		store:   store,
		members: members,
		limits:  limits,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *GroupService) MaxGroups() int { return s.limits.MaxGroups }

// Create 创建群组。名称去空白后截断到 NameMax 个字符，标签最多 TagsMax 个，计数从 0 开始
func (s *GroupService) Create(ctx context.Context, req CreateGroupRequest) (*models.Group, error) {
	name := truncateRunes(strings.TrimSpace(req.Name), s.limits.NameMax)
	if name == "" {
		return nil, validation("Group name is required")
	}
	if strings.TrimSpace(req.Key) == "" {
		return nil, validation("Group key is required")
	}

	group := &models.Group{
		ID:              uuid.NewString(),
		Name:            name,
		Tags:            normalizeTags(req.Tags, s.limits.TagsMax),
		Key:             req.Key,
		ActiveUserCount: 0,
	}

	err := s.store.CreateWithinLimit(ctx, group, s.limits.MaxGroups)
	if errors.Is(err, repositories.ErrLimitReached) {
		return nil, ErrCapacityExceeded
	}
	if err != nil {
		return nil, transient("create group", err)
	}

	observability.IncGroupCreated()
	s.log.InfoContext(logger.WithGroupID(ctx, group.ID), "group created",
		zap.Int("tags", len(group.Tags)),
		logger.Secret("key", group.Key),
	)
	return group, nil
}

// List 最新创建的群组在前
func (s *GroupService) List(ctx context.Context) ([]models.Group, error) {
	groups, err := s.store.List(ctx, s.limits.ListLimit)
	if err != nil {
		return nil, transient("list groups", err)
	}
	return groups, nil
}

// Heartbeat 更新 last_active_at
func (s *GroupService) Heartbeat(ctx context.Context, groupID string) error {
	if groupID == "" {
		return validation("Missing groupId")
	}
	err := s.store.Touch(ctx, groupID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrGroupNotFound
	}
	if err != nil {
		return transient("heartbeat", err)
	}
	return nil
}

// Sweep 删除计数为 0 且超过宽限期未活跃的群组，返回本次删除的群组。
// 可被任意客户端重复、并发调用，已删除的行不会再被计入。
// 中途出错时同时返回已删除的部分和错误
func (s *GroupService) Sweep(ctx context.Context) ([]models.Group, error) {
	deleted, err := s.store.DeleteIdle(ctx, s.cutoff())
	if len(deleted) > 0 {
		ids := make([]string, len(deleted))
		for i, g := range deleted {
			ids[i] = g.ID
		}
		observability.AddGroupsDeleted("sweep", len(deleted))
		s.log.InfoContext(ctx, "idle groups swept", zap.Strings("group_ids", ids))
		if s.members != nil {
			s.members.forget(ctx, ids...)
		}
	}
	if err != nil {
		return deleted, transient("sweep", err)
	}
	return deleted, nil
}

// PreviewSweep 只读：列出 Sweep 现在会删除的群组
func (s *GroupService) PreviewSweep(ctx context.Context) ([]models.Group, error) {
	groups, err := s.store.FindIdle(ctx, s.cutoff())
	if err != nil {
		return nil, transient("preview sweep", err)
	}
	return groups, nil
}

func (s *GroupService) cutoff() time.Time {
	return s.now().Add(-s.limits.GraceWindow)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func normalizeTags(tags []string, max int) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if max > 0 && len(out) == max {
			break
		}
		out = append(out, t)
	}
	return out
}
