package presence

import (
	"time"

	"github.com/google/uuid"
)

// UserID is a stable user identity.
type UserID string

// GroupTopicID identifies a group conversation topic.
type GroupTopicID string

// TopicID identifies any conversation topic a user can signal typing in: for
// a P2P conversation it is the peer's UserID, for a group it is the
// GroupTopicID.
type TopicID string

func (u UserID) Topic() TopicID       { return TopicID(u) }
func (g GroupTopicID) Topic() TopicID { return TopicID(g) }

// Channel is one delivery channel to a connected device. The concrete
// implementation is a websocket connection (pkg/transport); tests substitute
// recording stubs.
type Channel interface {
	ID() uuid.UUID
	Send(Event)
}

// TypingState is a user's single typing slot. Setting typing on another
// topic silently replaces it; there is no multi-target typing.
type TypingState struct {
	Topic     TopicID
	StartedAt time.Time
}

// Entry is the registry's record for one currently-connected user. A user
// has an entry iff they have at least one open channel.
type Entry struct {
	UserID   UserID
	Channels []Channel
	// Groups mirrors the user's topic memberships. It is supplied by the
	// caller at registration and adjusted through explicit calls on
	// membership change; the registry does not verify it against storage.
	Groups map[GroupTopicID]struct{}
	Typing *TypingState
}

// InGroup reports whether the entry's membership mirror contains the group.
func (e Entry) InGroup(groupID GroupTopicID) bool {
	_, ok := e.Groups[groupID]
	return ok
}

// AddResult reports the outcome of registering one channel.
type AddResult struct {
	ConnID uuid.UUID
	// UserCameOnline is true when this registration was the user's first open
	// channel. A second device joining an already-online user leaves it false.
	UserCameOnline bool
	// GroupsNewlyOnline lists the caller-supplied groups that had zero other
	// online members before this registration, i.e. whose aggregate online
	// state flips because of it. Empty when the user was already online.
	GroupsNewlyOnline []GroupTopicID
}

// RemoveResult reports the outcome of closing one channel.
type RemoveResult struct {
	// UserWentOffline is true when the removed channel was the user's last.
	UserWentOffline bool
	UserID          UserID
	LastOnline      time.Time
	// Groups lists every group the departed user belonged to, regardless of
	// whether other members keep it online. Roster subscribers of each of
	// these need a fresh member snapshot.
	Groups []GroupTopicID
	// GroupsWentOffline lists the groups whose aggregate online state flipped
	// to empty because this user went offline. Always a subset of Groups.
	GroupsWentOffline []GroupTopicID
}

// P2PStatus is the answer to "is this peer online, and typing to me".
type P2PStatus struct {
	Online bool
	Typing bool
}

// GroupRemovalResult reports the outcome of stripping a group from a
// still-connected user's membership mirror.
type GroupRemovalResult struct {
	// Removed is true when the user was actually an online member of the
	// group and the membership mirror changed.
	Removed bool
	// GroupWentOffline is true only in the degenerate case where the removed
	// member was the sole reason the group appeared online.
	GroupWentOffline bool
	// ToNotify lists the roster subscribers that must be told the group's
	// aggregate state flipped.
	ToNotify []UserID
}
