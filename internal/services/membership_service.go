package services

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Gopher0727/GhostRoom/internal/observability"
	logger "github.com/Gopher0727/GhostRoom/middleware/log"
)

const (
	ActionJoin  = "join"
	ActionLeave = "leave"
)

// MembershipService 维护每个群组的在线人数。
//
// 优先使用存储的原子加减；原子操作出错时降级为读-改-写，结果钳制到 >= 0。
// 降级路径不是无竞争的：两个并发请求可能读到同一个旧值，各自写回后少算或多算一次。
// 计数归零时立即删除群组，漏掉的情况由 GroupService.Sweep 兜底。
type MembershipService struct {
	store    GroupStore
	sessions SessionSet
	log      *logger.Logger
}

// NewMembershipService sessions 可以为 nil，此时每次调用都计数
func NewMembershipService(store GroupStore, sessions SessionSet, log *logger.Logger) *MembershipService {
	return &MembershipService{store: store, sessions: sessions, log: log}
}

// Apply dispatches a membership signal by action name.
func (s *MembershipService) Apply(ctx context.Context, groupID, action, sessionID string) (int, error) {
	switch action {
	case ActionJoin:
		return s.Join(ctx, groupID, sessionID)
	case ActionLeave:
		return s.Leave(ctx, groupID, sessionID)
	default:
		return 0, validation("Invalid action")
	}
}

// Join increments the member count and returns the new value.
// A repeated join for the same sessionID is a no-op and returns the stored count.
func (s *MembershipService) Join(ctx context.Context, groupID, sessionID string) (int, error) {
	if groupID == "" {
		return 0, validation("Missing groupId")
	}
	ctx = logger.WithGroupID(ctx, groupID)

	first, tracked := s.markSession(ctx, groupID, sessionID, true)
	if tracked && !first {
		return s.currentCount(ctx, groupID)
	}

	n, err := s.adjust(ctx, groupID, +1)
	if err != nil && tracked {
		// 计数没有写入，撤销会话标记，重试的 join 才会再次计数
		s.markSession(ctx, groupID, sessionID, false)
	}
	return n, err
}

// Leave decrements the member count and deletes the group once it reaches zero.
// A leave for a session that never joined, or already left, is a no-op.
func (s *MembershipService) Leave(ctx context.Context, groupID, sessionID string) (int, error) {
	if groupID == "" {
		return 0, validation("Missing groupId")
	}
	ctx = logger.WithGroupID(ctx, groupID)

	present, tracked := s.markSession(ctx, groupID, sessionID, false)
	if tracked && !present {
		return s.currentCount(ctx, groupID)
	}

	n, err := s.adjust(ctx, groupID, -1)
	if errors.Is(err, ErrTransient) && tracked {
		// 恢复会话标记，重投的 leave 才会再次扣减
		s.markSession(ctx, groupID, sessionID, true)
	}
	return n, err
}

// adjust 原子加减，失败时走降级路径；减到 0 时删除群组
func (s *MembershipService) adjust(ctx context.Context, groupID string, delta int) (int, error) {
	action, atomic := ActionJoin, s.store.Increment
	if delta < 0 {
		action, atomic = ActionLeave, s.store.Decrement
	}

	n, err := atomic(ctx, groupID)
	switch {
	case err == nil:
		if delta < 0 && n <= 0 {
			s.deleteIfEmpty(ctx, groupID)
		}
		return n, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return 0, ErrGroupNotFound
	}

	s.log.WarnContext(ctx, "atomic "+action+" failed, using fallback", zap.Error(err))
	observability.IncMembershipFallback(action)
	return s.fallback(ctx, groupID, delta)
}

// fallback 读-改-写，钳制到 0；减到 0 时删除群组
func (s *MembershipService) fallback(ctx context.Context, groupID string, delta int) (int, error) {
	group, err := s.store.Get(ctx, groupID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrGroupNotFound
	}
	if err != nil {
		return 0, transient("read count", err)
	}

	n := max(0, group.ActiveUserCount+delta)
	if err := s.store.SetCount(ctx, groupID, n); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, ErrGroupNotFound
		}
		return 0, transient("write count", err)
	}
	if n == 0 && delta < 0 {
		s.deleteIfEmpty(ctx, groupID)
	}
	return n, nil
}

func (s *MembershipService) deleteIfEmpty(ctx context.Context, groupID string) {
	deleted, err := s.store.DeleteIfEmpty(ctx, groupID)
	if err != nil {
		// sweep 会兜底
		s.log.WarnContext(ctx, "cascading delete failed", zap.Error(err))
		return
	}
	if !deleted {
		return
	}
	observability.AddGroupsDeleted("leave", 1)
	s.log.InfoContext(ctx, "group deleted after last member left")
	s.forget(ctx, groupID)
}

func (s *MembershipService) forget(ctx context.Context, groupIDs ...string) {
	if s.sessions == nil || len(groupIDs) == 0 {
		return
	}
	if err := s.sessions.Forget(ctx, groupIDs...); err != nil {
		s.log.WarnContext(ctx, "drop session sets failed", zap.Error(err))
	}
}

// markSession 记录会话加入/离开。ok=false 表示无法判断（无会话ID、未配置或 redis 出错），调用方照常计数
func (s *MembershipService) markSession(ctx context.Context, groupID, sessionID string, join bool) (changed, ok bool) {
	if s.sessions == nil || sessionID == "" {
		return false, false
	}
	var err error
	if join {
		changed, err = s.sessions.Add(ctx, groupID, sessionID)
	} else {
		changed, err = s.sessions.Remove(ctx, groupID, sessionID)
	}
	if err != nil {
		s.log.WarnContext(ctx, "session set unavailable, counting anyway", zap.Error(err))
		return false, false
	}
	return changed, true
}

func (s *MembershipService) currentCount(ctx context.Context, groupID string) (int, error) {
	group, err := s.store.Get(ctx, groupID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrGroupNotFound
	}
	if err != nil {
		return 0, transient("read count", err)
	}
	return group.ActiveUserCount, nil
}
