package dispatcher

import "github.com/amurg-ai/relay/pkg/protocol"

// Message is an in-process routing message exchanged between sessions and
// the dispatcher. It never crosses the wire.
type Message interface {
	inner()
}

// --- Session → dispatcher ---

// Register installs Handle as the live session for Identity.
type Register struct {
	Identity string
	Handle   *Handle
}

// Deregister marks Identity offline if HandleID is still its live handle.
type Deregister struct {
	Identity string
	HandleID string
}

// Send routes Content from one identity to another.
type Send struct {
	From    string
	To      string
	Content string
}

// Broadcast routes Content to every live identity except From.
type Broadcast struct {
	From    string
	Content string
}

// AddKnown records an identity that exists but has never logged in.
type AddKnown struct {
	Identity string
}

type onlineQuery struct {
	reply chan []string
}

// --- Dispatcher (or login worker) → session ---

// Out is a routed message for the receiving session's client.
type Out struct {
	From    string
	Content string
}

// Users is a snapshot of known identities, sorted.
type Users []string

// Notify is a condition to report to the client.
type Notify struct {
	Level   protocol.NotifyLevel
	Content string
}

// LoginResponse is the result of a login attempt. Token is empty on failure.
type LoginResponse struct {
	Identity string
	Token    string
	Err      error
}

// RepeatLoginWarning tells a session that another connection logged in with
// its identity and took over its registration.
type RepeatLoginWarning struct{}

func (Register) inner()           {}
func (Deregister) inner()         {}
func (Send) inner()               {}
func (Broadcast) inner()          {}
func (AddKnown) inner()           {}
func (onlineQuery) inner()        {}
func (Out) inner()                {}
func (Users) inner()              {}
func (Notify) inner()             {}
func (LoginResponse) inner()      {}
func (RepeatLoginWarning) inner() {}
