package router

import (
	"context"
	"errors"
	"sort"

	"github.com/jhhom/chatter-sub002/internal/store"
	"github.com/jhhom/chatter-sub002/pkg/presence"
)

// NotifyTypingP2P tells one peer that their conversation partner started or
// stopped typing. The event is gated on the peer's own permission to be
// notified of the typer's presence; an ungated or not-yet-related pair is a
// silent drop.
func (r *Router) NotifyTypingP2P(ctx context.Context, typer, peer presence.UserID, action presence.TypingAction) error {
	perm, err := r.store.PermissionForPair(ctx, peer, typer)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !perm.CanGetNotifiedOfPresence() {
		return nil
	}
	r.pushToUser(peer, presence.TypingP2P{
		Type:    presence.TypingKindP2P,
		TopicID: typer.Topic(),
		Action:  action,
	})
	return nil
}

// NotifyTypingGroup recomputes the full set of members currently typing in a
// group and pushes it, with the single longest-running typer, to every
// online subscriber of the group.
func (r *Router) NotifyTypingGroup(ctx context.Context, groupID presence.GroupTopicID) error {
	// Scan the snapshot for entries whose single typing slot targets this
	// group.
	var typerIDs []presence.UserID
	typingSince := make(map[presence.UserID]int64)
	for _, entry := range r.registry.Entries() {
		if entry.Typing == nil || entry.Typing.Topic != groupID.Topic() {
			continue
		}
		typerIDs = append(typerIDs, entry.UserID)
		typingSince[entry.UserID] = entry.Typing.StartedAt.UnixNano()
	}

	sort.Slice(typerIDs, func(i, j int) bool { return typerIDs[i] < typerIDs[j] })

	var typing []presence.TypingMember
	if len(typerIDs) > 0 {
		names, err := r.store.FullnameOfUsers(ctx, typerIDs)
		if err != nil {
			return err
		}
		typing = make([]presence.TypingMember, len(names))
		for i, n := range names {
			typing[i] = presence.TypingMember{ID: n.ID, Fullname: n.Fullname}
		}
	}

	// The longest-running typer: smallest start time, ties broken by the
	// lexicographically smallest id so the result is stable.
	var latest *presence.TypingMember
	for i := range typing {
		m := &typing[i]
		if latest == nil {
			latest = m
			continue
		}
		since, latestSince := typingSince[m.ID], typingSince[latest.ID]
		if since < latestSince || (since == latestSince && m.ID < latest.ID) {
			latest = m
		}
	}

	event := presence.TypingGroup{
		Type:         presence.TypingKindGroup,
		TopicID:      groupID.Topic(),
		Typing:       typing,
		LatestTyping: latest,
	}
	return r.pushToGroupSubscribers(ctx, groupID, "", event)
}
