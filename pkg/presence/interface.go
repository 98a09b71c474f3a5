package presence

import (
	"time"

	"github.com/google/uuid"
)

// Registry is the single source of truth for "who is online right now". All
// state is transient and rebuilt fresh on process restart; it is never
// reconciled against the database. Implementations must apply every mutation
// atomically with respect to the read operations: a reader must never observe
// a half-applied add or remove.
type Registry interface {
	// --- Connection Lifecycle ---
	// Add registers a new delivery channel for a user, creating their entry
	// on the offline→online transition. groups is the user's current topic
	// membership, fetched by the caller before registration.
	Add(userID UserID, groups []GroupTopicID, ch Channel) AddResult
	// Remove closes one channel, deleting the entry (and clearing typing
	// state) when it was the user's last. Unknown connection ids are a no-op.
	Remove(connID uuid.UUID) RemoveResult

	// --- Queries ---
	// Get returns a copy of the user's entry.
	Get(userID UserID) (Entry, bool)
	// Entries returns a snapshot of all entries at call time, unaffected by
	// subsequent mutations.
	Entries() []Entry
	IsUserOnline(userID UserID) bool
	// IsP2PUserOnline reports whether a peer is online and whether their
	// single typing slot targets the caller's direct topic.
	IsP2PUserOnline(selfID, peerID UserID) P2PStatus
	// IsGroupTopicOnline reports the group's aggregate online state: true iff
	// any online user's membership mirror contains the group.
	IsGroupTopicOnline(groupID GroupTopicID) bool
	OnlineMembersOfGroup(groupID GroupTopicID) []UserID

	// --- Typing ---
	// SetTyping sets or replaces the user's single typing slot. Stale events
	// for users with no entry are silently ignored.
	SetTyping(userID UserID, topic TopicID, startedAt time.Time)
	StopTyping(userID UserID)

	// --- Live-roster subscriptions ---
	// Roster subscriptions are an opt-in to incremental online-member pushes,
	// independent from group membership itself.
	SubscribeToRoster(userID UserID, groupID GroupTopicID)
	UnsubscribeFromRoster(userID UserID, groupID GroupTopicID)
	RosterSubscribers(groupID GroupTopicID) []UserID

	// --- Membership change ---
	// RemoveOnlineUserFromGroup strips a group from a still-connected user's
	// membership mirror, e.g. after a kick.
	RemoveOnlineUserFromGroup(userID UserID, groupID GroupTopicID) GroupRemovalResult
}
