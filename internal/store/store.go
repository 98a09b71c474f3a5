// Package store defines the persistence collaborator consumed by the
// notification router: per-pair permission strings, group membership, and
// user metadata. Lookups are non-blocking cache reads from the core's
// perspective; they are never interleaved with a registry mutation.
package store

import (
	"context"
	"errors"

	"github.com/jhhom/chatter-sub002/pkg/permission"
	"github.com/jhhom/chatter-sub002/pkg/presence"
)

// ErrNotFound marks a lookup whose subject legitimately does not exist, e.g.
// a permission for a pair with no topic between them yet. Callers treat it
// as "no notification", never as a failure.
var ErrNotFound = errors.New("store: not found")

type UserFullname struct {
	ID       presence.UserID
	Fullname string
}

type Store interface {
	// PermissionForPair returns the permission owner holds over peer in a
	// P2P topic. Directional: swapping the arguments reads the other side.
	PermissionForPair(ctx context.Context, owner, peer presence.UserID) (permission.Permission, error)

	// SubscribersOfGroup returns the user ids subscribed to a group topic.
	SubscribersOfGroup(ctx context.Context, groupID presence.GroupTopicID) ([]presence.UserID, error)

	// GroupsOfUser returns the group topics the user is a member of, used to
	// seed a fresh presence entry at login.
	GroupsOfUser(ctx context.Context, userID presence.UserID) ([]presence.GroupTopicID, error)

	// FullnameOfUsers resolves display names for the given ids. Unknown ids
	// are omitted from the result rather than failing the whole lookup.
	FullnameOfUsers(ctx context.Context, ids []presence.UserID) ([]UserFullname, error)
}
