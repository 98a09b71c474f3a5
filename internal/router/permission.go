package router

import (
	"context"
	"time"

	"github.com/jhhom/chatter-sub002/pkg/permission"
	"github.com/jhhom/chatter-sub002/pkg/presence"
)

// NotifyPermissionUpdated tells both parties of a P2P topic that the
// permission between them changed. updated is the new permission peerID
// holds over updaterID, already persisted by the caller. The peer's copy
// carries the updater's live online status iff the new permission grants
// presence visibility, so the peer's UI can reflect the change without
// waiting for a future on/off event.
func (r *Router) NotifyPermissionUpdated(ctx context.Context, updaterID, peerID presence.UserID, updated permission.Permission, updatedOn time.Time) error {
	r.pushToUser(updaterID, presence.P2PPermissionUpdate{
		TopicID:             peerID.Topic(),
		UpdatedPermission:   updated.String(),
		PermissionUpdatedOn: updatedOn,
	})

	peerCopy := presence.P2PPermissionUpdate{
		TopicID:             updaterID.Topic(),
		UpdatedPermission:   updated.String(),
		PermissionUpdatedOn: updatedOn,
	}
	if updated.CanGetNotifiedOfPresence() {
		peerCopy.Status = &presence.OnlineStatus{Online: r.registry.IsUserOnline(updaterID)}
	}
	r.pushToUser(peerID, peerCopy)
	return nil
}

// NotifyGroupMemberRemoved strips a removed member's group subscription,
// refreshes live-roster snapshots, and, in the degenerate case where that
// member was the only reason the group appeared online, tells the
// registry-designated recipients the group went offline.
func (r *Router) NotifyGroupMemberRemoved(ctx context.Context, userID presence.UserID, groupID presence.GroupTopicID) error {
	res := r.registry.RemoveOnlineUserFromGroup(userID, groupID)
	if !res.Removed {
		return nil
	}
	if res.GroupWentOffline {
		off := presence.TopicOffline{TopicID: groupID.Topic(), LastOnline: time.Now()}
		for _, recipient := range res.ToNotify {
			r.pushToUser(recipient, off)
		}
	}
	// Even without an aggregate flip, live rosters lose a member.
	r.pushRosterSnapshot(groupID)
	return nil
}
