package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"pgregory.net/rapid"

	"github.com/Gopher0727/GhostRoom/internal/models"
	logger "github.com/Gopher0727/GhostRoom/middleware/log"
)

var epoch = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func seedGroup(t testing.TB, store *memStore, id string) {
	t.Helper()
	require.NoError(t, store.CreateWithinLimit(context.Background(), &models.Group{ID: id, Name: id, Key: "k"}, 1000))
}

func TestMembership_AtomicJoinLeaveCascades(t *testing.T) {
	ctx := context.Background()
	store := newMemStore(epoch)
	seedGroup(t, store, "g1")
	svc := NewMembershipService(store, nil, logger.NewNop())

	n, err := svc.Join(ctx, "g1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.Join(ctx, "g1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = svc.Leave(ctx, "g1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, exists := store.count("g1")
	assert.True(t, exists)

	n, err = svc.Leave(ctx, "g1", "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, exists = store.count("g1")
	assert.False(t, exists, "last leave deletes the group")

	groups, err := store.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestMembership_UnknownGroup(t *testing.T) {
	svc := NewMembershipService(newMemStore(epoch), nil, logger.NewNop())

	_, err := svc.Join(context.Background(), "nope", "")
	assert.ErrorIs(t, err, ErrGroupNotFound)

	_, err = svc.Leave(context.Background(), "nope", "")
	assert.ErrorIs(t, err, ErrGroupNotFound)

	_, err = svc.Join(context.Background(), "", "")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Apply(context.Background(), "g", "dance", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestMembership_FallbackJoin(t *testing.T) {
	ctx := context.Background()
	store := new(mockStore)
	store.On("Increment", mock.Anything, "g1").Return(0, errors.New("function increment_user_count does not exist"))
	store.On("Get", mock.Anything, "g1").Return(&models.Group{ID: "g1", ActiveUserCount: 2}, nil)
	store.On("SetCount", mock.Anything, "g1", 3).Return(nil)

	svc := NewMembershipService(store, nil, logger.NewNop())
	n, err := svc.Join(ctx, "g1", "")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	store.AssertExpectations(t)
}

func TestMembership_FallbackLeaveToZeroDeletes(t *testing.T) {
	ctx := context.Background()
	store := new(mockStore)
	store.On("Decrement", mock.Anything, "g1").Return(0, errors.New("timeout"))
	store.On("Get", mock.Anything, "g1").Return(&models.Group{ID: "g1", ActiveUserCount: 1}, nil)
	store.On("SetCount", mock.Anything, "g1", 0).Return(nil)
	store.On("DeleteIfEmpty", mock.Anything, "g1").Return(true, nil)

	svc := NewMembershipService(store, nil, logger.NewNop())
	n, err := svc.Leave(ctx, "g1", "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	store.AssertExpectations(t)
}

func TestMembership_FallbackClampsAtZero(t *testing.T) {
	ctx := context.Background()
	store := new(mockStore)
	store.On("Decrement", mock.Anything, "g1").Return(0, errors.New("timeout"))
	store.On("Get", mock.Anything, "g1").Return(&models.Group{ID: "g1", ActiveUserCount: 0}, nil)
	store.On("SetCount", mock.Anything, "g1", 0).Return(nil)
	store.On("DeleteIfEmpty", mock.Anything, "g1").Return(true, nil)

	svc := NewMembershipService(store, nil, logger.NewNop())
	n, err := svc.Leave(ctx, "g1", "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	store.AssertNotCalled(t, "SetCount", mock.Anything, "g1", -1)
}

func TestMembership_FallbackReadFailureIsTransient(t *testing.T) {
	store := new(mockStore)
	store.On("Increment", mock.Anything, "g1").Return(0, errors.New("conn reset"))
	store.On("Get", mock.Anything, "g1").Return(nil, errors.New("conn reset"))

	svc := NewMembershipService(store, nil, logger.NewNop())
	_, err := svc.Join(context.Background(), "g1", "")
	assert.ErrorIs(t, err, ErrTransient)
}

func TestMembership_AtomicDecrementRaceKeepsGroup(t *testing.T) {
	// 原子减到 0 后，并发 join 抢先，条件删除不生效
	store := new(mockStore)
	store.On("Decrement", mock.Anything, "g1").Return(0, nil)
	store.On("DeleteIfEmpty", mock.Anything, "g1").Return(false, nil)

	svc := NewMembershipService(store, nil, logger.NewNop())
	n, err := svc.Leave(context.Background(), "g1", "")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	store.AssertExpectations(t)
}

func TestMembership_SessionIdempotency(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := newMemStore(epoch)
	seedGroup(t, store, "g1")
	svc := NewMembershipService(store, NewRedisSessionSet(rdb), logger.NewNop())

	n, err := svc.Join(ctx, "g1", "s-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// 重复 join 不计数
	n, err = svc.Join(ctx, "g1", "s-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.Join(ctx, "g1", "s-b")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// 未知会话的 leave 不计数
	n, err = svc.Leave(ctx, "g1", "s-ghost")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = svc.Leave(ctx, "g1", "s-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.Leave(ctx, "g1", "s-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = svc.Leave(ctx, "g1", "s-b")
	require.NoError(t, err)
	_, exists := store.count("g1")
	assert.False(t, exists)
	assert.False(t, mr.Exists("group:g1:sessions"), "session set dropped with the group")
}

func TestMembership_SessionSetDownCountsAnyway(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	store := newMemStore(epoch)
	seedGroup(t, store, "g1")
	svc := NewMembershipService(store, NewRedisSessionSet(rdb), logger.NewNop())

	n, err := svc.Join(context.Background(), "g1", "s-a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMembership_CountNeverNegative(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		store := newMemStore(epoch)
		require.NoError(rt, store.CreateWithinLimit(ctx, &models.Group{ID: "g", Name: "g", Key: "k"}, 1))
		svc := NewMembershipService(store, nil, logger.NewNop())

		steps := rapid.IntRange(1, 60).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			store.failAtomic = rapid.Bool().Draw(rt, "failAtomic")
			var (
				n   int
				err error
			)
			if rapid.Bool().Draw(rt, "join") {
				n, err = svc.Join(ctx, "g", "")
			} else {
				n, err = svc.Leave(ctx, "g", "")
			}
			if errors.Is(err, ErrGroupNotFound) {
				return
			}
			require.NoError(rt, err)
			if n < 0 {
				rt.Fatalf("count went negative: %d", n)
			}
			if c, ok := store.count("g"); ok && c < 0 {
				rt.Fatalf("stored count went negative: %d", c)
			}
		}
	})
}

func TestMembership_BalancedSequenceDeletesGroup(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("n joins followed by n leaves end with the group deleted", prop.ForAll(
		func(joins int) bool {
			ctx := context.Background()
			store := newMemStore(epoch)
			if err := store.CreateWithinLimit(ctx, &models.Group{ID: "g", Name: "g", Key: "k"}, 1); err != nil {
				return false
			}
			svc := NewMembershipService(store, nil, logger.NewNop())

			for i := 0; i < joins; i++ {
				if _, err := svc.Join(ctx, "g", ""); err != nil {
					return false
				}
			}
			for i := 0; i < joins-1; i++ {
				if _, err := svc.Leave(ctx, "g", ""); err != nil {
					return false
				}
				if c, ok := store.count("g"); !ok || c != joins-1-i {
					return false
				}
			}
			if _, err := svc.Leave(ctx, "g", ""); err != nil {
				return false
			}
			_, exists := store.count("g")
			return !exists
		},
		gen.IntRange(1, 30),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestMembership_NotFoundIsGormAware(t *testing.T) {
	store := new(mockStore)
	store.On("Increment", mock.Anything, "g1").Return(0, gorm.ErrRecordNotFound)

	svc := NewMembershipService(store, nil, logger.NewNop())
	_, err := svc.Join(context.Background(), "g1", "")
	assert.ErrorIs(t, err, ErrGroupNotFound)
	store.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestMembership_FailedLeaveCanBeRetried(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := new(mockStore)
	store.On("Increment", mock.Anything, "g1").Return(1, nil).Once()
	store.On("Decrement", mock.Anything, "g1").Return(0, errors.New("db down")).Once()
	store.On("Get", mock.Anything, "g1").Return(nil, errors.New("db down")).Once()
	svc := NewMembershipService(store, NewRedisSessionSet(rdb), logger.NewNop())

	_, err := svc.Join(ctx, "g1", "s1")
	require.NoError(t, err)

	_, err = svc.Leave(ctx, "g1", "s1")
	assert.ErrorIs(t, err, ErrTransient)
	ok, err := mr.SIsMember("group:g1:sessions", "s1")
	require.NoError(t, err)
	assert.True(t, ok, "session still counted after the failed leave")

	// 存储恢复后重投的 leave 真正扣减并删除群组
	store.On("Decrement", mock.Anything, "g1").Return(0, nil).Once()
	store.On("DeleteIfEmpty", mock.Anything, "g1").Return(true, nil).Once()
	n, err := svc.Leave(ctx, "g1", "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	store.AssertExpectations(t)
}

func TestMembership_FailedJoinCanBeRetried(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := new(mockStore)
	store.On("Increment", mock.Anything, "g1").Return(0, errors.New("db down")).Once()
	store.On("Get", mock.Anything, "g1").Return(nil, errors.New("db down")).Once()
	svc := NewMembershipService(store, NewRedisSessionSet(rdb), logger.NewNop())

	_, err := svc.Join(ctx, "g1", "s1")
	assert.ErrorIs(t, err, ErrTransient)
	assert.False(t, mr.Exists("group:g1:sessions"))

	store.On("Increment", mock.Anything, "g1").Return(1, nil).Once()
	n, err := svc.Join(ctx, "g1", "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	store.AssertExpectations(t)
}
