// Package redisstore backs the store contract with Redis. The chat backend
// mirrors topic relationships into Redis on every write, so reads here are
// cheap enough to sit on the notification path.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jhhom/chatter-sub002/internal/store"
	"github.com/jhhom/chatter-sub002/pkg/permission"
	"github.com/jhhom/chatter-sub002/pkg/presence"
)

// Key layout:
//
//	perm:{owner}:{peer}   string  permission owner holds over peer
//	grp:{groupID}:members set     member user ids
//	usr:{userID}:groups   set     group topic ids of the user
//	usr:{userID}          hash    user metadata, field "fullname"
type Store struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func New(rdb *redis.Client, logger *slog.Logger) *Store {
	return &Store{
		rdb:    rdb,
		logger: logger.With(slog.String("component", "redis_store")),
	}
}

var _ store.Store = (*Store)(nil)

func permKey(owner, peer presence.UserID) string {
	return fmt.Sprintf("perm:%s:%s", owner, peer)
}

func (s *Store) PermissionForPair(ctx context.Context, owner, peer presence.UserID) (permission.Permission, error) {
	val, err := s.rdb.Get(ctx, permKey(owner, peer)).Result()
	if errors.Is(err, redis.Nil) {
		// No topic exists between this pair yet.
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read permission for pair %s->%s: %w", owner, peer, err)
	}
	return permission.Parse(val), nil
}

func (s *Store) SubscribersOfGroup(ctx context.Context, groupID presence.GroupTopicID) ([]presence.UserID, error) {
	members, err := s.rdb.SMembers(ctx, fmt.Sprintf("grp:%s:members", groupID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read members of group %s: %w", groupID, err)
	}
	if len(members) == 0 {
		return nil, store.ErrNotFound
	}
	ids := make([]presence.UserID, len(members))
	for i, m := range members {
		ids[i] = presence.UserID(m)
	}
	return ids, nil
}

func (s *Store) GroupsOfUser(ctx context.Context, userID presence.UserID) ([]presence.GroupTopicID, error) {
	groups, err := s.rdb.SMembers(ctx, fmt.Sprintf("usr:%s:groups", userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read groups of user %s: %w", userID, err)
	}
	ids := make([]presence.GroupTopicID, len(groups))
	for i, g := range groups {
		ids[i] = presence.GroupTopicID(g)
	}
	return ids, nil
}

func (s *Store) FullnameOfUsers(ctx context.Context, ids []presence.UserID) ([]store.UserFullname, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, fmt.Sprintf("usr:%s", id), "fullname")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read fullnames: %w", err)
	}

	names := make([]store.UserFullname, 0, len(ids))
	for i, cmd := range cmds {
		name, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			s.logger.Warn("No fullname stored for user", slog.String("userID", string(ids[i])))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read fullname of user %s: %w", ids[i], err)
		}
		names = append(names, store.UserFullname{ID: ids[i], Fullname: name})
	}
	return names, nil
}
