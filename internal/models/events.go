package models

// InboundEvent is an event delivered by a messaging gateway.
type InboundEvent interface {
	// Actor returns the ID of the actor that produced the event.
	Actor() string
	// MessageID returns the transport message ID used for deduplication.
	// It may be empty.
	MessageID() string
}

// FileUploaded is an inbound file. FileRef is opaque to the core and is
// resolved by the gateway that produced it.
type FileUploaded struct {
	ActorID  string
	MsgID    string
	FileRef  string
	MimeType string
	FileName string
}

func (e FileUploaded) Actor() string     { return e.ActorID }
func (e FileUploaded) MessageID() string { return e.MsgID }

// TextReceived is an inbound text message.
type TextReceived struct {
	ActorID string
	MsgID   string
	Text    string
}

func (e TextReceived) Actor() string     { return e.ActorID }
func (e TextReceived) MessageID() string { return e.MsgID }

// CallbackReceived is a button or list selection.
type CallbackReceived struct {
	ActorID    string
	MsgID      string
	CallbackID string
	Data       string
}

func (e CallbackReceived) Actor() string     { return e.ActorID }
func (e CallbackReceived) MessageID() string { return e.MsgID }

// Media is an outbound file. When RemoveAfterSend is set the sender deletes
// Path once delivery succeeded.
type Media struct {
	Path            string `json:"path"`
	MimeType        string `json:"mime_type"`
	FileName        string `json:"file_name,omitempty"`
	Caption         string `json:"caption,omitempty"`
	RemoveAfterSend bool   `json:"remove_after_send,omitempty"`
}

// OutboundText is the payload of a queued text reply.
type OutboundText struct {
	Text    string   `json:"text"`
	Buttons []Button `json:"buttons,omitempty"`
}

// Button is a quick-reply option offered with an outbound text. Gateways
// that cannot render buttons append the titles to the text.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}
