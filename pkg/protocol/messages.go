// Package protocol defines the wire protocol messages exchanged between relay
// clients and the relay server over WebSocket.
//
// Every frame is a JSON object with exactly one key naming the variant, whose
// value is that variant's payload:
//
//	{"Login":{"username":"alice","password":"pw","signature":"..."}}
//	{"Users":["alice","bob"]}
package protocol

// Message is implemented by every wire variant.
type Message interface {
	// Tag is the variant name used as the single top-level JSON key.
	Tag() string
}

// Variant tags.
const (
	TagLogin                   = "Login"
	TagIn                      = "In"
	TagBroadcast               = "Broadcast"
	TagAntiReplayToken         = "AntiReplayToken"
	TagOut                     = "Out"
	TagUsers                   = "Users"
	TagNotify                  = "Notify"
	TagLoginResponse           = "LoginResponse"
	TagAntiReplayTokenResponse = "AntiReplayTokenResponse"
)

// --- Client → server ---

// Login authenticates the connection. Signature is the lowercase hex
// sha384 of username+password+anti-replay token.
type Login struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Signature string `json:"signature"`
}

// In sends content to a single identity.
type In struct {
	Token   string `json:"token"`
	To      string `json:"to"`
	Content string `json:"content"`
}

// Broadcast sends content to every online identity except the sender.
type Broadcast struct {
	Token   string `json:"token"`
	Content string `json:"content"`
}

// AntiReplayToken asks for the connection's current anti-replay token.
type AntiReplayToken struct{}

// --- Server → client ---

// Out carries a routed message.
type Out struct {
	From    string `json:"from"`
	Content string `json:"content"`
}

// Users is a presence snapshot of known identities.
type Users []string

// NotifyLevel is the severity of a Notify.
type NotifyLevel string

const (
	LevelNotify  NotifyLevel = "Notify"
	LevelWarning NotifyLevel = "Warning"
	LevelError   NotifyLevel = "Error"
)

// Notify reports a condition to the client. Every per-request failure is
// surfaced this way.
type Notify struct {
	Level   NotifyLevel `json:"level"`
	Content string      `json:"content"`
}

// LoginResponse is sent after a successful login.
type LoginResponse struct {
	Token           string `json:"token"`
	AntiReplayToken string `json:"anti_replay_token"`
}

// AntiReplayTokenResponse answers AntiReplayToken.
type AntiReplayTokenResponse struct {
	Token string `json:"token"`
}

func (Login) Tag() string                   { return TagLogin }
func (In) Tag() string                      { return TagIn }
func (Broadcast) Tag() string               { return TagBroadcast }
func (AntiReplayToken) Tag() string         { return TagAntiReplayToken }
func (Out) Tag() string                     { return TagOut }
func (Users) Tag() string                   { return TagUsers }
func (Notify) Tag() string                  { return TagNotify }
func (LoginResponse) Tag() string           { return TagLoginResponse }
func (AntiReplayTokenResponse) Tag() string { return TagAntiReplayTokenResponse }

// IsClientMessage reports whether m is a variant clients may send.
func IsClientMessage(m Message) bool {
	switch m.(type) {
	case Login, In, Broadcast, AntiReplayToken:
		return true
	}
	return false
}
