// Package router computes who must hear about a presence state change and
// pushes one typed event per recipient channel. It holds no state of its
// own: every procedure reads the registry, filters through the permission
// evaluator where presence visibility applies, and delivers best-effort.
// A recipient with no open channel is skipped, never queued.
package router

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jhhom/chatter-sub002/internal/store"
	"github.com/jhhom/chatter-sub002/pkg/presence"
)

type Router struct {
	logger   *slog.Logger
	registry presence.Registry
	store    store.Store
}

func New(logger *slog.Logger, registry presence.Registry, st store.Store) *Router {
	return &Router{
		logger:   logger.With(slog.String("component", "notification_router")),
		registry: registry,
		store:    st,
	}
}

// pushToUser fans an event out to every open channel of a user. Offline
// recipients are a silent skip.
func (r *Router) pushToUser(userID presence.UserID, e presence.Event) {
	entry, online := r.registry.Get(userID)
	if !online {
		return
	}
	for _, ch := range entry.Channels {
		ch.Send(e)
	}
	r.logger.Debug("Pushed event",
		slog.String("event", e.EventName()),
		slog.String("recipient", string(userID)),
		slog.Int("channels", len(entry.Channels)))
}

// NotifyOnline fans out a user's offline→online transition: a P-gated "on"
// to each online P2P contact, a group-scoped "on" for every group whose
// aggregate flipped, and fresh roster snapshots to live-roster subscribers.
//
// The returned error aggregates genuine collaborator failures; missing
// relationships and offline recipients are not failures. Callers must treat
// the error as diagnostic only: presence fan-out never fails a login.
//
// A no-op unless the registration was an offline→online transition: a
// second device changes nothing peers can observe.
func (r *Router) NotifyOnline(ctx context.Context, userID presence.UserID, res presence.AddResult) error {
	if !res.UserCameOnline {
		return nil
	}
	var errs []error

	// P2P contacts: every other online user with presence permission over
	// the newly-online user hears about them.
	for _, peer := range r.registry.Entries() {
		if peer.UserID == userID {
			continue
		}
		perm, err := r.store.PermissionForPair(ctx, peer.UserID, userID)
		if errors.Is(err, store.ErrNotFound) {
			// No topic between this pair yet.
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if perm.CanGetNotifiedOfPresence() {
			r.pushToUser(peer.UserID, presence.TopicOnline{TopicID: userID.Topic()})
		}
	}

	// Groups whose aggregate flipped online. No per-peer permission gate:
	// membership alone gates visibility, so recipients come straight from
	// the group's subscriber list.
	for _, groupID := range res.GroupsNewlyOnline {
		if err := r.pushToGroupSubscribers(ctx, groupID, userID, presence.TopicOnline{TopicID: groupID.Topic()}); err != nil {
			errs = append(errs, err)
		}
	}

	// Live-roster subscribers of every group the user belongs to get an
	// updated member snapshot.
	if entry, online := r.registry.Get(userID); online {
		for groupID := range entry.Groups {
			r.pushRosterSnapshot(groupID)
		}
	}

	return errors.Join(errs...)
}

// NotifyOffline is the symmetric fan-out for an online→offline transition,
// with "off" events carrying the last-seen timestamp. A no-op unless the
// removal was the user's last channel.
func (r *Router) NotifyOffline(ctx context.Context, res presence.RemoveResult) error {
	if !res.UserWentOffline {
		return nil
	}
	var errs []error

	for _, peer := range r.registry.Entries() {
		perm, err := r.store.PermissionForPair(ctx, peer.UserID, res.UserID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if perm.CanGetNotifiedOfPresence() {
			r.pushToUser(peer.UserID, presence.TopicOffline{
				TopicID:    res.UserID.Topic(),
				LastOnline: res.LastOnline,
			})
		}
	}

	for _, groupID := range res.GroupsWentOffline {
		off := presence.TopicOffline{TopicID: groupID.Topic(), LastOnline: res.LastOnline}
		if err := r.pushToGroupSubscribers(ctx, groupID, res.UserID, off); err != nil {
			errs = append(errs, err)
		}
	}

	// Roster subscribers of every group the user belonged to see the member
	// list shrink, whether or not the group's aggregate flipped.
	for _, groupID := range res.Groups {
		r.pushRosterSnapshot(groupID)
	}

	return errors.Join(errs...)
}

// pushToGroupSubscribers delivers one event to every online subscriber of a
// group topic except the triggering user.
func (r *Router) pushToGroupSubscribers(ctx context.Context, groupID presence.GroupTopicID, except presence.UserID, e presence.Event) error {
	subscribers, err := r.store.SubscribersOfGroup(ctx, groupID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, sub := range subscribers {
		if sub == except {
			continue
		}
		r.pushToUser(sub, e)
	}
	return nil
}

// pushRosterSnapshot sends the current online-member list of a group to each
// of its live-roster subscribers.
func (r *Router) pushRosterSnapshot(groupID presence.GroupTopicID) {
	subscribers := r.registry.RosterSubscribers(groupID)
	if len(subscribers) == 0 {
		return
	}
	snapshot := presence.GroupOnlineMembers{
		TopicID:       groupID.Topic(),
		OnlineMembers: r.registry.OnlineMembersOfGroup(groupID),
	}
	for _, sub := range subscribers {
		r.pushToUser(sub, snapshot)
	}
}
