package router_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jhhom/chatter-sub002/internal/router"
	"github.com/jhhom/chatter-sub002/internal/store"
	"github.com/jhhom/chatter-sub002/pkg/permission"
	"github.com/jhhom/chatter-sub002/pkg/presence"
	"github.com/jhhom/chatter-sub002/pkg/presence/registry"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// recordingChannel captures every event pushed to one device.
type recordingChannel struct {
	id     uuid.UUID
	mu     sync.Mutex
	events []presence.Event
}

func newRecordingChannel() *recordingChannel {
	return &recordingChannel{id: uuid.New()}
}

func (c *recordingChannel) ID() uuid.UUID { return c.id }

func (c *recordingChannel) Send(e presence.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *recordingChannel) recorded() []presence.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]presence.Event, len(c.events))
	copy(out, c.events)
	return out
}

// fakeStore serves permission, membership and fullname lookups from maps.
type fakeStore struct {
	perms     map[string]permission.Permission // "owner|peer"
	groups    map[presence.GroupTopicID][]presence.UserID
	fullnames map[presence.UserID]string
	failWith  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		perms:     make(map[string]permission.Permission),
		groups:    make(map[presence.GroupTopicID][]presence.UserID),
		fullnames: make(map[presence.UserID]string),
	}
}

func (s *fakeStore) grant(owner, peer presence.UserID, perm string) {
	s.perms[string(owner)+"|"+string(peer)] = permission.Parse(perm)
}

func (s *fakeStore) PermissionForPair(_ context.Context, owner, peer presence.UserID) (permission.Permission, error) {
	if s.failWith != nil {
		return 0, s.failWith
	}
	perm, ok := s.perms[string(owner)+"|"+string(peer)]
	if !ok {
		return 0, store.ErrNotFound
	}
	return perm, nil
}

func (s *fakeStore) SubscribersOfGroup(_ context.Context, groupID presence.GroupTopicID) ([]presence.UserID, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	members, ok := s.groups[groupID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return members, nil
}

func (s *fakeStore) GroupsOfUser(_ context.Context, userID presence.UserID) ([]presence.GroupTopicID, error) {
	var out []presence.GroupTopicID
	for g, members := range s.groups {
		for _, m := range members {
			if m == userID {
				out = append(out, g)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) FullnameOfUsers(_ context.Context, ids []presence.UserID) ([]store.UserFullname, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	out := make([]store.UserFullname, 0, len(ids))
	for _, id := range ids {
		name, ok := s.fullnames[id]
		if !ok {
			continue
		}
		out = append(out, store.UserFullname{ID: id, Fullname: name})
	}
	return out, nil
}

type fixture struct {
	registry *registry.InMemory
	store    *fakeStore
	router   *router.Router
}

func newFixture() *fixture {
	logger := newTestLogger()
	reg := registry.NewInMemory(logger)
	st := newFakeStore()
	return &fixture{
		registry: reg,
		store:    st,
		router:   router.New(logger, reg, st),
	}
}

func (f *fixture) connect(userID presence.UserID, groups ...presence.GroupTopicID) (*recordingChannel, presence.AddResult) {
	ch := newRecordingChannel()
	res := f.registry.Add(userID, groups, ch)
	return ch, res
}

// --- Login / Logout Fan-Out ---

func TestLoginNotifiesPeerWithPresencePermission(t *testing.T) {
	f := newFixture()
	chB, _ := f.connect("usr-b")
	f.store.grant("usr-b", "usr-a", "JRP")

	_, res := f.connect("usr-a")
	if err := f.router.NotifyOnline(context.Background(), "usr-a", res); err != nil {
		t.Fatalf("NotifyOnline failed: %v", err)
	}

	events := chB.recorded()
	if len(events) != 1 {
		t.Fatalf("Expected exactly 1 event for usr-b, got %d", len(events))
	}
	on, ok := events[0].(presence.TopicOnline)
	if !ok {
		t.Fatalf("Expected TopicOnline, got %T", events[0])
	}
	if on.TopicID != presence.UserID("usr-a").Topic() {
		t.Errorf("Expected topicId usr-a, got %s", on.TopicID)
	}
}

func TestLoginSilentWithoutPresencePermission(t *testing.T) {
	f := newFixture()
	chB, _ := f.connect("usr-b")
	// usr-b can read and write but was never granted P over usr-a.
	f.store.grant("usr-b", "usr-a", "JRW")

	_, res := f.connect("usr-a")
	if err := f.router.NotifyOnline(context.Background(), "usr-a", res); err != nil {
		t.Fatalf("NotifyOnline failed: %v", err)
	}
	if events := chB.recorded(); len(events) != 0 {
		t.Errorf("Expected zero events without P permission, got %v", events)
	}
}

func TestLoginOwnerPermissionImpliesPresence(t *testing.T) {
	f := newFixture()
	chB, _ := f.connect("usr-b")
	f.store.grant("usr-b", "usr-a", "O")

	_, res := f.connect("usr-a")
	f.router.NotifyOnline(context.Background(), "usr-a", res)
	if events := chB.recorded(); len(events) != 1 {
		t.Errorf("Owner flag must imply presence visibility, got %d events", len(events))
	}
}

func TestLoginToleratesUnrelatedPeers(t *testing.T) {
	f := newFixture()
	chB, _ := f.connect("usr-b")
	// No permission row between usr-b and usr-a at all.

	_, res := f.connect("usr-a")
	if err := f.router.NotifyOnline(context.Background(), "usr-a", res); err != nil {
		t.Fatalf("A missing relationship must not be an error: %v", err)
	}
	if events := chB.recorded(); len(events) != 0 {
		t.Errorf("Expected zero events for unrelated peer, got %v", events)
	}
}

func TestLoginSurfacesGenuineStoreFailure(t *testing.T) {
	f := newFixture()
	f.connect("usr-b")
	f.store.failWith = errors.New("connection refused")

	_, res := f.connect("usr-a")
	if err := f.router.NotifyOnline(context.Background(), "usr-a", res); err == nil {
		t.Error("Expected a genuine store failure to surface")
	}
}

func TestLoginPushesRosterSnapshotToSubscribers(t *testing.T) {
	f := newFixture()
	f.store.groups["grp-1"] = []presence.UserID{"usr-a", "usr-c"}

	chA, _ := f.connect("usr-a", "grp-1")
	f.registry.SubscribeToRoster("usr-a", "grp-1")

	_, res := f.connect("usr-c", "grp-1")
	if err := f.router.NotifyOnline(context.Background(), "usr-c", res); err != nil {
		t.Fatalf("NotifyOnline failed: %v", err)
	}

	var snapshot *presence.GroupOnlineMembers
	for _, e := range chA.recorded() {
		if s, ok := e.(presence.GroupOnlineMembers); ok {
			snapshot = &s
		}
	}
	if snapshot == nil {
		t.Fatal("Expected a roster snapshot for usr-a")
	}
	found := false
	for _, m := range snapshot.OnlineMembers {
		if m == "usr-c" {
			found = true
		}
	}
	if !found {
		t.Errorf("Roster snapshot must include the newly-online member, got %v", snapshot.OnlineMembers)
	}
}

func TestSecondDeviceLoginIsSilentToPeers(t *testing.T) {
	f := newFixture()
	chB, _ := f.connect("usr-b")
	f.store.grant("usr-b", "usr-a", "JRP")

	_, res1 := f.connect("usr-a")
	if err := f.router.NotifyOnline(context.Background(), "usr-a", res1); err != nil {
		t.Fatalf("NotifyOnline failed: %v", err)
	}
	_, res2 := f.connect("usr-a")
	if err := f.router.NotifyOnline(context.Background(), "usr-a", res2); err != nil {
		t.Fatalf("NotifyOnline failed: %v", err)
	}

	var onEvents int
	for _, e := range chB.recorded() {
		if _, ok := e.(presence.TopicOnline); ok {
			onEvents++
		}
	}
	if onEvents != 1 {
		t.Errorf("A second device must not re-announce the user, got %d on events", onEvents)
	}
}

func TestLogoutNotifiesPeerWithLastSeen(t *testing.T) {
	f := newFixture()
	chB, _ := f.connect("usr-b")
	f.store.grant("usr-b", "usr-a", "JRWP")

	chA, _ := f.connect("usr-a")
	rem := f.registry.Remove(chA.ID())
	if err := f.router.NotifyOffline(context.Background(), rem); err != nil {
		t.Fatalf("NotifyOffline failed: %v", err)
	}

	events := chB.recorded()
	if len(events) != 1 {
		t.Fatalf("Expected exactly 1 event, got %d", len(events))
	}
	off, ok := events[0].(presence.TopicOffline)
	if !ok {
		t.Fatalf("Expected TopicOffline, got %T", events[0])
	}
	if off.TopicID != presence.UserID("usr-a").Topic() {
		t.Errorf("Expected topicId usr-a, got %s", off.TopicID)
	}
	if off.LastOnline.IsZero() {
		t.Error("Off event must carry a last-online timestamp")
	}
}

func TestDeviceCloseWithoutOfflineTransitionIsSilent(t *testing.T) {
	f := newFixture()
	chB, _ := f.connect("usr-b")
	f.store.grant("usr-b", "usr-a", "P")

	chA1, _ := f.connect("usr-a")
	f.connect("usr-a") // second device keeps usr-a online

	rem := f.registry.Remove(chA1.ID())
	f.router.NotifyOffline(context.Background(), rem)
	if events := chB.recorded(); len(events) != 0 {
		t.Errorf("Closing one of several devices must not fan out, got %v", events)
	}
}

func TestLogoutRefreshesRosterWhileGroupStaysOnline(t *testing.T) {
	f := newFixture()
	chA, _ := f.connect("usr-a")
	f.registry.SubscribeToRoster("usr-a", "grp-1")

	f.connect("usr-b", "grp-1")
	chC, _ := f.connect("usr-c", "grp-1")

	rem := f.registry.Remove(chC.ID())
	if err := f.router.NotifyOffline(context.Background(), rem); err != nil {
		t.Fatalf("NotifyOffline failed: %v", err)
	}

	var snapshot *presence.GroupOnlineMembers
	for _, e := range chA.recorded() {
		if s, ok := e.(presence.GroupOnlineMembers); ok {
			snapshot = &s
		}
	}
	if snapshot == nil {
		t.Fatal("Roster subscriber must get a snapshot when a member goes offline")
	}
	if len(snapshot.OnlineMembers) != 1 || snapshot.OnlineMembers[0] != "usr-b" {
		t.Errorf("Expected shrunken roster [usr-b], got %v", snapshot.OnlineMembers)
	}
}

// --- Typing Fan-Out ---

func TestTypingP2PGatedOnTargetPermission(t *testing.T) {
	f := newFixture()
	chB, _ := f.connect("usr-b")
	f.connect("usr-a")
	f.store.grant("usr-b", "usr-a", "JP")

	if err := f.router.NotifyTypingP2P(context.Background(), "usr-a", "usr-b", presence.TypingActionTyping); err != nil {
		t.Fatalf("NotifyTypingP2P failed: %v", err)
	}
	events := chB.recorded()
	if len(events) != 1 {
		t.Fatalf("Expected 1 typing event, got %d", len(events))
	}
	typing, ok := events[0].(presence.TypingP2P)
	if !ok {
		t.Fatalf("Expected TypingP2P, got %T", events[0])
	}
	if typing.Type != presence.TypingKindP2P || typing.Action != presence.TypingActionTyping {
		t.Errorf("Unexpected typing payload: %+v", typing)
	}
	if typing.TopicID != presence.UserID("usr-a").Topic() {
		t.Errorf("Typing event must carry the typer's topic, got %s", typing.TopicID)
	}
}

func TestTypingP2PDroppedWithoutPermissionOrRelationship(t *testing.T) {
	f := newFixture()
	chB, _ := f.connect("usr-b")
	f.connect("usr-a")

	// No relationship at all.
	if err := f.router.NotifyTypingP2P(context.Background(), "usr-a", "usr-b", presence.TypingActionTyping); err != nil {
		t.Fatalf("Missing relationship must not error: %v", err)
	}
	// Relationship without P.
	f.store.grant("usr-b", "usr-a", "JRW")
	if err := f.router.NotifyTypingP2P(context.Background(), "usr-a", "usr-b", presence.TypingActionTyping); err != nil {
		t.Fatalf("Ungated typing must not error: %v", err)
	}
	if events := chB.recorded(); len(events) != 0 {
		t.Errorf("Expected silent drops, got %v", events)
	}
}

func TestTypingGroupListAndLatestTyper(t *testing.T) {
	f := newFixture()
	f.store.groups["grp-1"] = []presence.UserID{"usr-a", "usr-b", "usr-c"}
	f.store.fullnames["usr-a"] = "Alice"
	f.store.fullnames["usr-b"] = "Bob"

	f.connect("usr-a", "grp-1")
	f.connect("usr-b", "grp-1")
	chC, _ := f.connect("usr-c", "grp-1")

	base := time.Now()
	f.registry.SetTyping("usr-b", presence.GroupTopicID("grp-1").Topic(), base)
	f.registry.SetTyping("usr-a", presence.GroupTopicID("grp-1").Topic(), base.Add(time.Second))

	if err := f.router.NotifyTypingGroup(context.Background(), "grp-1"); err != nil {
		t.Fatalf("NotifyTypingGroup failed: %v", err)
	}

	events := chC.recorded()
	if len(events) != 1 {
		t.Fatalf("Expected 1 group typing event, got %d", len(events))
	}
	typing, ok := events[0].(presence.TypingGroup)
	if !ok {
		t.Fatalf("Expected TypingGroup, got %T", events[0])
	}
	if len(typing.Typing) != 2 {
		t.Fatalf("Expected 2 typing members, got %v", typing.Typing)
	}
	// usr-b started earlier, so it is the longest-running typer.
	if typing.LatestTyping == nil || typing.LatestTyping.ID != "usr-b" {
		t.Errorf("Expected latest typer usr-b, got %+v", typing.LatestTyping)
	}
	if typing.LatestTyping.Fullname != "Bob" {
		t.Errorf("Expected resolved fullname Bob, got %q", typing.LatestTyping.Fullname)
	}
}

func TestTypingGroupTieBreaksOnSmallestID(t *testing.T) {
	f := newFixture()
	f.store.groups["grp-1"] = []presence.UserID{"usr-a", "usr-b"}
	f.store.fullnames["usr-a"] = "Alice"
	f.store.fullnames["usr-b"] = "Bob"

	chA, _ := f.connect("usr-a", "grp-1")
	f.connect("usr-b", "grp-1")

	at := time.Now()
	f.registry.SetTyping("usr-b", presence.GroupTopicID("grp-1").Topic(), at)
	f.registry.SetTyping("usr-a", presence.GroupTopicID("grp-1").Topic(), at)

	f.router.NotifyTypingGroup(context.Background(), "grp-1")

	events := chA.recorded()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	typing := events[0].(presence.TypingGroup)
	if typing.LatestTyping == nil || typing.LatestTyping.ID != "usr-a" {
		t.Errorf("Equal start times must break ties on the smallest id, got %+v", typing.LatestTyping)
	}
}

func TestTypingGroupEmptyListAfterStop(t *testing.T) {
	f := newFixture()
	f.store.groups["grp-1"] = []presence.UserID{"usr-a", "usr-b"}
	f.connect("usr-a", "grp-1")
	chB, _ := f.connect("usr-b", "grp-1")

	f.registry.SetTyping("usr-a", presence.GroupTopicID("grp-1").Topic(), time.Now())
	f.registry.StopTyping("usr-a")

	f.router.NotifyTypingGroup(context.Background(), "grp-1")
	events := chB.recorded()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	typing := events[0].(presence.TypingGroup)
	if len(typing.Typing) != 0 || typing.LatestTyping != nil {
		t.Errorf("Expected empty typing list after stop, got %+v", typing)
	}
}

// --- Permission Updates ---

func TestPermissionUpdateCarriesStatusWhenPresenceGranted(t *testing.T) {
	f := newFixture()
	chA, _ := f.connect("usr-a")
	chB, _ := f.connect("usr-b")

	updated := permission.Parse("JRWP")
	updatedOn := time.Now()
	if err := f.router.NotifyPermissionUpdated(context.Background(), "usr-a", "usr-b", updated, updatedOn); err != nil {
		t.Fatalf("NotifyPermissionUpdated failed: %v", err)
	}

	eventsA := chA.recorded()
	if len(eventsA) != 1 {
		t.Fatalf("Expected 1 event for the updater, got %d", len(eventsA))
	}
	updaterCopy := eventsA[0].(presence.P2PPermissionUpdate)
	if updaterCopy.Status != nil {
		t.Error("The updater's copy must not carry a status")
	}
	if updaterCopy.TopicID != presence.UserID("usr-b").Topic() {
		t.Errorf("Updater's copy must reference the peer topic, got %s", updaterCopy.TopicID)
	}

	eventsB := chB.recorded()
	if len(eventsB) != 1 {
		t.Fatalf("Expected 1 event for the peer, got %d", len(eventsB))
	}
	peerCopy := eventsB[0].(presence.P2PPermissionUpdate)
	if peerCopy.UpdatedPermission != "JRWP" {
		t.Errorf("Expected permission string JRWP, got %q", peerCopy.UpdatedPermission)
	}
	if peerCopy.Status == nil || !peerCopy.Status.Online {
		t.Errorf("Peer's copy must carry the updater's live status, got %+v", peerCopy.Status)
	}
}

func TestPermissionUpdateOmitsStatusWithoutPresence(t *testing.T) {
	f := newFixture()
	f.connect("usr-a")
	chB, _ := f.connect("usr-b")

	f.router.NotifyPermissionUpdated(context.Background(), "usr-a", "usr-b", permission.Parse("JRW"), time.Now())

	events := chB.recorded()
	if len(events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(events))
	}
	peerCopy := events[0].(presence.P2PPermissionUpdate)
	if peerCopy.Status != nil {
		t.Errorf("Status must be omitted when P is not granted, got %+v", peerCopy.Status)
	}
}

// --- Group Member Removal ---

func TestGroupMemberRemovalNotifiesOnAggregateFlip(t *testing.T) {
	f := newFixture()
	f.store.groups["grp-1"] = []presence.UserID{"usr-a", "usr-b"}

	f.connect("usr-a", "grp-1")
	chB, _ := f.connect("usr-b") // online, not an online member of grp-1
	f.registry.SubscribeToRoster("usr-b", "grp-1")

	if err := f.router.NotifyGroupMemberRemoved(context.Background(), "usr-a", "grp-1"); err != nil {
		t.Fatalf("NotifyGroupMemberRemoved failed: %v", err)
	}

	var sawOff bool
	for _, e := range chB.recorded() {
		if off, ok := e.(presence.TopicOffline); ok && off.TopicID == presence.GroupTopicID("grp-1").Topic() {
			sawOff = true
		}
	}
	if !sawOff {
		t.Error("Expected an off event for the group after its last online member was removed")
	}
}

func TestGroupMemberRemovalSilentWhileOthersOnline(t *testing.T) {
	f := newFixture()
	f.store.groups["grp-1"] = []presence.UserID{"usr-a", "usr-b"}
	f.connect("usr-a", "grp-1")
	chB, _ := f.connect("usr-b", "grp-1")

	f.router.NotifyGroupMemberRemoved(context.Background(), "usr-a", "grp-1")
	if events := chB.recorded(); len(events) != 0 {
		t.Errorf("Expected no events while other members keep the group online, got %v", events)
	}
}

func TestGroupMemberRemovalRefreshesRosterWhileOthersOnline(t *testing.T) {
	f := newFixture()
	chA, _ := f.connect("usr-a")
	f.registry.SubscribeToRoster("usr-a", "grp-1")
	f.connect("usr-b", "grp-1")
	f.connect("usr-c", "grp-1")

	if err := f.router.NotifyGroupMemberRemoved(context.Background(), "usr-c", "grp-1"); err != nil {
		t.Fatalf("NotifyGroupMemberRemoved failed: %v", err)
	}

	events := chA.recorded()
	if len(events) != 1 {
		t.Fatalf("Expected exactly 1 event, got %d", len(events))
	}
	snapshot, ok := events[0].(presence.GroupOnlineMembers)
	if !ok {
		t.Fatalf("Expected GroupOnlineMembers, got %T", events[0])
	}
	if len(snapshot.OnlineMembers) != 1 || snapshot.OnlineMembers[0] != "usr-b" {
		t.Errorf("Expected shrunken roster [usr-b], got %v", snapshot.OnlineMembers)
	}
}
