package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/GhostRoom/internal/models"
	"github.com/Gopher0727/GhostRoom/internal/services"
	logger "github.com/Gopher0727/GhostRoom/middleware/log"
)

type GroupHandler struct {
	GroupService      *services.GroupService
	MembershipService *services.MembershipService
	Log               *logger.Logger
}

func NewGroupHandler(groupService *services.GroupService, membershipService *services.MembershipService, log *logger.Logger) *GroupHandler {
	return &GroupHandler{
		GroupService:      groupService,
		MembershipService: membershipService,
		Log:               log,
	}
}

type membershipRequest struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId"`
}

type heartbeatRequest struct {
	GroupID string `json:"groupId"`
}

// ListGroups 最新的群组在前，最多 list_limit 个
func (h *GroupHandler) ListGroups(c *gin.Context) {
	groups, err := h.GroupService.List(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, groups)
}

// CreateGroup 解析 {name, tags, key}，创建群组
func (h *GroupHandler) CreateGroup(c *gin.Context) {
	var req services.CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	group, err := h.GroupService.Create(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, group)
}

// Membership 处理 join/leave 信号
func (h *GroupHandler) Membership(c *gin.Context) {
	var req membershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	groupID := c.Param("groupId")
	ctx := logger.WithGroupID(c.Request.Context(), groupID)
	count, err := h.MembershipService.Apply(ctx, groupID, req.Action, req.SessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "active_user_count": count})
}

// Heartbeat 更新群组活跃时间
func (h *GroupHandler) Heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := h.GroupService.Heartbeat(c.Request.Context(), req.GroupID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Cleanup 删除空闲群组
func (h *GroupHandler) Cleanup(c *gin.Context) {
	deleted, err := h.GroupService.Sweep(c.Request.Context())
	if err != nil {
		// 部分删除也要报告，调用方据此知道哪些群组已不存在
		status, msg := statusFor(err, h.GroupService.MaxGroups())
		h.Log.ErrorContext(c.Request.Context(), "cleanup failed", zap.Int("deleted", len(deleted)), zap.Error(err))
		c.JSON(status, gin.H{
			"success": false,
			"error":   msg,
			"deleted": len(deleted),
			"groups":  summarize(deleted),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"deleted": len(deleted),
		"groups":  summarize(deleted),
	})
}

// CleanupPreview dry run，只报告将被删除的群组
func (h *GroupHandler) CleanupPreview(c *gin.Context) {
	idle, err := h.GroupService.PreviewSweep(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":  len(idle),
		"groups": summarize(idle),
	})
}

type groupSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// summarize 清理结果中不带 key
func summarize(groups []models.Group) []groupSummary {
	out := make([]groupSummary, len(groups))
	for i, g := range groups {
		out[i] = groupSummary{ID: g.ID, Name: g.Name, LastActiveAt: g.LastActiveAt}
	}
	return out
}

func (h *GroupHandler) fail(c *gin.Context, err error) {
	status, msg := statusFor(err, h.GroupService.MaxGroups())
	if status >= http.StatusInternalServerError {
		h.Log.ErrorContext(c.Request.Context(), "request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": msg})
}

func statusFor(err error, maxGroups int) (int, string) {
	switch {
	case errors.Is(err, services.ErrValidation):
		// "invalid request: Group name is required" -> "Group name is required"
		msg := err.Error()
		if i := strings.Index(msg, ": "); i >= 0 {
			msg = msg[i+2:]
		}
		return http.StatusBadRequest, msg
	case errors.Is(err, services.ErrCapacityExceeded):
		return http.StatusForbidden, services.CapacityMessage(maxGroups)
	case errors.Is(err, services.ErrGroupNotFound):
		return http.StatusNotFound, "Group not found"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}
