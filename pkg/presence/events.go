package presence

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is one typed notification variant pushed onto a delivery channel.
// Each trigger constructs exactly one fully-populated variant; there is no
// generic partially-filled payload.
type Event interface {
	EventName() string
}

// Envelope is the wire shape of every pushed notification.
type Envelope struct {
	Event   string `json:"event"`
	Payload Event  `json:"payload"`
}

// Encode wraps an event in its envelope and marshals it for the transport.
func Encode(e Event) ([]byte, error) {
	b, err := json.Marshal(Envelope{Event: e.EventName(), Payload: e})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s event: %w", e.EventName(), err)
	}
	return b, nil
}

// TopicOnline tells a recipient that a topic (peer or group) came online.
type TopicOnline struct {
	TopicID TopicID `json:"topicId"`
}

func (TopicOnline) EventName() string { return "on" }

// TopicOffline tells a recipient that a topic went offline, with the moment
// it was last seen.
type TopicOffline struct {
	TopicID    TopicID   `json:"topicId"`
	LastOnline time.Time `json:"lastOnline"`
}

func (TopicOffline) EventName() string { return "off" }

type TypingAction string

const (
	TypingActionTyping TypingAction = "typing"
	TypingActionStop   TypingAction = "stop-typing"
)

const (
	TypingKindP2P   = "p2p"
	TypingKindGroup = "grp"
)

// TypingP2P tells one peer that their conversation partner started or
// stopped typing.
type TypingP2P struct {
	Type    string       `json:"type"`
	TopicID TopicID      `json:"topicId"`
	Action  TypingAction `json:"action"`
}

func (TypingP2P) EventName() string { return "notification.typing" }

// TypingMember is one currently-typing member of a group.
type TypingMember struct {
	ID       UserID `json:"id"`
	Fullname string `json:"fullname"`
}

// TypingGroup carries the full set of currently-typing members of a group
// plus the single member typing the longest.
type TypingGroup struct {
	Type         string         `json:"type"`
	TopicID      TopicID        `json:"topicId"`
	Typing       []TypingMember `json:"typing"`
	LatestTyping *TypingMember  `json:"latestTyping"`
}

func (TypingGroup) EventName() string { return "notification.typing" }

// GroupOnlineMembers is the live-roster snapshot pushed to subscribers of a
// group's online-member panel.
type GroupOnlineMembers struct {
	TopicID       TopicID  `json:"topicId"`
	OnlineMembers []UserID `json:"onlineMembers"`
}

func (GroupOnlineMembers) EventName() string { return "group-chat-notification.online-members" }

// OnlineStatus is a point-in-time presence snapshot attached to a permission
// update, so the recipient's UI can reflect visibility changes immediately.
type OnlineStatus struct {
	Online     bool       `json:"online"`
	LastOnline *time.Time `json:"lastOnline,omitempty"`
}

// P2PPermissionUpdate tells both parties of a P2P topic that the permission
// between them changed. Status is present only on the affected peer's copy,
// and only when the new permission grants presence visibility.
type P2PPermissionUpdate struct {
	TopicID             TopicID       `json:"topicId"`
	UpdatedPermission   string        `json:"updatedPermission"`
	PermissionUpdatedOn time.Time     `json:"permissionUpdatedOn"`
	Status              *OnlineStatus `json:"status,omitempty"`
}

func (P2PPermissionUpdate) EventName() string { return "notification.p2p-topic-permission-update" }
