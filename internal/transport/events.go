package transport

// Outbound event names.
const (
	EventUserJoined           = "userJoined"
	EventPrivateMessage       = "privateMessage"
	EventMessageDelivered     = "messageDelivered"
	EventNotificationReceived = "notificationReceived"
	EventMessageRead          = "messageRead"
	EventSelectUser           = "selectUser"
	EventRegisterFCMToken     = "registerFCMToken"
)

// Inbound event names.
const (
	EventNewMessage    = "newMessage"
	EventMessageStatus = "messageStatus"
	EventUserList      = "userList"
)

// UserJoined announces the local identity after connecting.
type UserJoined struct {
	Username string `json:"username"`
}

// PrivateMessage is an outbound chat message.
type PrivateMessage struct {
	To       string  `json:"to"`
	Message  string  `json:"message,omitempty"`
	Type     string  `json:"type"`
	Image    string  `json:"image,omitempty"`
	Audio    string  `json:"audio,omitempty"`
	Video    string  `json:"video,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// MessageDelivered is the delivery receipt. The same receipt may be
// emitted more than once for a message id; the backend tolerates it.
type MessageDelivered struct {
	MessageID  string `json:"messageId"`
	Username   string `json:"username"`
	SenderName string `json:"senderName"`
}

// MessageRead reports that a message was read in the focused conversation.
type MessageRead struct {
	MessageID string `json:"messageId"`
}

// SelectUser reports the focused conversation partner.
type SelectUser struct {
	Username string `json:"username"`
}

// RegisterFCMToken forwards a push token the host app obtained for us.
type RegisterFCMToken struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

// NewMessage is an inbound chat message. Timestamp is the sender's
// RFC 3339 creation time; the router converts it to the store's sort key.
type NewMessage struct {
	ID        string  `json:"id"`
	From      string  `json:"from"`
	To        string  `json:"to"`
	Message   string  `json:"message"`
	Timestamp string  `json:"timestamp"`
	Status    string  `json:"status"`
	Type      string  `json:"type,omitempty"`
	Image     string  `json:"image,omitempty"`
	Audio     string  `json:"audio,omitempty"`
	Video     string  `json:"video,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
}

// MessageStatus is an inbound status advance for a message id.
type MessageStatus struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// UserEntry is one row of the inbound userList presence snapshot.
type UserEntry struct {
	Username string `json:"username"`
	IsOnline bool   `json:"isOnline"`
}
