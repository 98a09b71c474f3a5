package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jhhom/chatter-sub002/pkg/presence"
)

// entry is the mutable registry record. Copies of it cross the API boundary,
// never the record itself.
type entry struct {
	userID   presence.UserID
	channels []presence.Channel
	groups   map[presence.GroupTopicID]struct{}
	typing   *presence.TypingState
}

// InMemory is the in-process presence registry. One mutex serializes every
// operation: critical sections are O(1)–O(group size) and never block on
// I/O, so a coarse lock keeps the invariants simple without becoming a
// bottleneck for a working set that fits in memory.
type InMemory struct {
	mu      sync.Mutex
	entries map[presence.UserID]*entry
	conns   map[uuid.UUID]presence.UserID
	// roster holds the live-roster opt-ins per group, independent from the
	// membership mirror in each entry.
	roster map[presence.GroupTopicID]map[presence.UserID]struct{}

	logger *slog.Logger
}

func NewInMemory(logger *slog.Logger) *InMemory {
	return &InMemory{
		entries: make(map[presence.UserID]*entry),
		conns:   make(map[uuid.UUID]presence.UserID),
		roster:  make(map[presence.GroupTopicID]map[presence.UserID]struct{}),
		logger:  logger.With(slog.String("component", "presence_registry")),
	}
}

// compile-time check to ensure InMemory implements Registry.
var _ presence.Registry = (*InMemory)(nil)

func (r *InMemory) Add(userID presence.UserID, groups []presence.GroupTopicID, ch presence.Channel) presence.AddResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := ch.ID()
	if _, exists := r.conns[connID]; exists {
		r.logger.Warn("Connection is already registered", slog.String("connID", connID.String()))
		return presence.AddResult{ConnID: connID}
	}

	if e, online := r.entries[userID]; online {
		// Already online from another device. Append the channel; no group
		// aggregate can flip.
		e.channels = append(e.channels, ch)
		r.conns[connID] = userID
		r.logger.Debug("Appended channel to online user",
			slog.String("userID", string(userID)), slog.String("connID", connID.String()))
		return presence.AddResult{ConnID: connID}
	}

	// Offline→online transition. Groups with no other online member flip
	// because of this registration; compute that before inserting the entry.
	var newlyOnline []presence.GroupTopicID
	groupSet := make(map[presence.GroupTopicID]struct{}, len(groups))
	for _, g := range groups {
		if _, dup := groupSet[g]; dup {
			continue
		}
		groupSet[g] = struct{}{}
		if !r.groupOnlineLocked(g) {
			newlyOnline = append(newlyOnline, g)
		}
	}

	sortGroups(newlyOnline)

	r.entries[userID] = &entry{
		userID:   userID,
		channels: []presence.Channel{ch},
		groups:   groupSet,
	}
	r.conns[connID] = userID

	r.logger.Debug("User came online",
		slog.String("userID", string(userID)),
		slog.String("connID", connID.String()),
		slog.Int("groups", len(groupSet)))
	return presence.AddResult{ConnID: connID, UserCameOnline: true, GroupsNewlyOnline: newlyOnline}
}

func (r *InMemory) Remove(connID uuid.UUID) presence.RemoveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.conns[connID]
	if !ok {
		// Stale close event; nothing to do.
		r.logger.Debug("Remove of unknown connection ignored", slog.String("connID", connID.String()))
		return presence.RemoveResult{}
	}
	delete(r.conns, connID)

	e := r.entries[userID]
	for i, ch := range e.channels {
		if ch.ID() == connID {
			e.channels = append(e.channels[:i], e.channels[i+1:]...)
			break
		}
	}
	if len(e.channels) > 0 {
		// Other devices keep the user online.
		return presence.RemoveResult{UserID: userID}
	}

	delete(r.entries, userID)
	r.dropRosterSubscriptionsLocked(userID)

	groups := make([]presence.GroupTopicID, 0, len(e.groups))
	var wentOffline []presence.GroupTopicID
	for g := range e.groups {
		groups = append(groups, g)
		if !r.groupOnlineLocked(g) {
			wentOffline = append(wentOffline, g)
		}
	}
	sortGroups(groups)
	sortGroups(wentOffline)

	r.logger.Debug("User went offline", slog.String("userID", string(userID)))
	return presence.RemoveResult{
		UserWentOffline:   true,
		UserID:            userID,
		LastOnline:        time.Now(),
		Groups:            groups,
		GroupsWentOffline: wentOffline,
	}
}

func (r *InMemory) Get(userID presence.UserID) (presence.Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		return presence.Entry{}, false
	}
	return copyEntry(e), true
}

func (r *InMemory) Entries() []presence.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make([]presence.Entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, copyEntry(e))
	}
	return snapshot
}

func (r *InMemory) IsUserOnline(userID presence.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries[userID]
	return ok
}

func (r *InMemory) IsP2PUserOnline(selfID, peerID presence.UserID) presence.P2PStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.entries[peerID]
	if !ok {
		return presence.P2PStatus{}
	}
	return presence.P2PStatus{
		Online: true,
		Typing: peer.typing != nil && peer.typing.Topic == selfID.Topic(),
	}
}

func (r *InMemory) IsGroupTopicOnline(groupID presence.GroupTopicID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.groupOnlineLocked(groupID)
}

func (r *InMemory) OnlineMembersOfGroup(groupID presence.GroupTopicID) []presence.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var members []presence.UserID
	for id, e := range r.entries {
		if _, ok := e.groups[groupID]; ok {
			members = append(members, id)
		}
	}
	sortUsers(members)
	return members
}

func (r *InMemory) SetTyping(userID presence.UserID, topic presence.TopicID, startedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		// Typing event raced with a disconnect; drop it.
		return
	}
	// Single slot: typing elsewhere is replaced without a stop for the old
	// topic.
	e.typing = &presence.TypingState{Topic: topic, StartedAt: startedAt}
}

func (r *InMemory) StopTyping(userID presence.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[userID]; ok {
		e.typing = nil
	}
}

func (r *InMemory) SubscribeToRoster(userID presence.UserID, groupID presence.GroupTopicID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.roster[groupID]
	if !ok {
		subs = make(map[presence.UserID]struct{})
		r.roster[groupID] = subs
	}
	subs[userID] = struct{}{}
}

func (r *InMemory) UnsubscribeFromRoster(userID presence.UserID, groupID presence.GroupTopicID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.roster[groupID]
	if !ok {
		return
	}
	delete(subs, userID)
	if len(subs) == 0 {
		delete(r.roster, groupID)
	}
}

func (r *InMemory) RosterSubscribers(groupID presence.GroupTopicID) []presence.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var subscribers []presence.UserID
	for id := range r.roster[groupID] {
		subscribers = append(subscribers, id)
	}
	sortUsers(subscribers)
	return subscribers
}

func (r *InMemory) RemoveOnlineUserFromGroup(userID presence.UserID, groupID presence.GroupTopicID) presence.GroupRemovalResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[userID]
	if !ok {
		// The removed member was not connected; nothing to strip.
		return presence.GroupRemovalResult{}
	}
	if _, member := e.groups[groupID]; !member {
		return presence.GroupRemovalResult{}
	}
	delete(e.groups, groupID)
	if subs, ok := r.roster[groupID]; ok {
		delete(subs, userID)
		if len(subs) == 0 {
			delete(r.roster, groupID)
		}
	}

	if r.groupOnlineLocked(groupID) {
		// Other members keep the group online; nobody needs an off event,
		// but roster snapshots shrink by one member.
		return presence.GroupRemovalResult{Removed: true}
	}

	// The stripped member was the only reason the group appeared online.
	// Tell the remaining online roster subscribers the aggregate flipped.
	var toNotify []presence.UserID
	for id := range r.roster[groupID] {
		if id == userID {
			continue
		}
		if _, online := r.entries[id]; online {
			toNotify = append(toNotify, id)
		}
	}
	sortUsers(toNotify)

	r.logger.Debug("Group aggregate went offline after member removal",
		slog.String("userID", string(userID)), slog.String("groupID", string(groupID)))
	return presence.GroupRemovalResult{Removed: true, GroupWentOffline: true, ToNotify: toNotify}
}

// groupOnlineLocked reports the group's aggregate online state. Callers must
// hold the mutex.
func (r *InMemory) groupOnlineLocked(groupID presence.GroupTopicID) bool {
	for _, e := range r.entries {
		if _, ok := e.groups[groupID]; ok {
			return true
		}
	}
	return false
}

// dropRosterSubscriptionsLocked clears the user's live-roster opt-ins once
// they are fully offline; the UI re-subscribes on demand after reconnecting.
func (r *InMemory) dropRosterSubscriptionsLocked(userID presence.UserID) {
	for groupID, subs := range r.roster {
		delete(subs, userID)
		if len(subs) == 0 {
			delete(r.roster, groupID)
		}
	}
}

func copyEntry(e *entry) presence.Entry {
	out := presence.Entry{
		UserID:   e.userID,
		Channels: make([]presence.Channel, len(e.channels)),
		Groups:   make(map[presence.GroupTopicID]struct{}, len(e.groups)),
	}
	copy(out.Channels, e.channels)
	for g := range e.groups {
		out.Groups[g] = struct{}{}
	}
	if e.typing != nil {
		typing := *e.typing
		out.Typing = &typing
	}
	return out
}

func sortUsers(ids []presence.UserID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

func sortGroups(ids []presence.GroupTopicID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
