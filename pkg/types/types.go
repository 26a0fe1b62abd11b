package types

import (
	"encoding/json"
)

// Role decides routing eligibility only, never permissions.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Event names outside the request catalog. These names are the stable wire
// contract shared with deployed clients.
const (
	EventRegister          = "register"
	EventRegisterError     = "registerError"
	EventUserRegister      = "userRegister"
	EventUserVerify        = "userVerify"
	EventAdminRegister     = "adminRegister"
	EventAdminLoginID      = "adminLoginId"
	EventAdminPasswordCode = "adminPasswordCode"
	EventReceiveMessage    = "receiveMessage"
	EventMessageSent       = "messageSent"
	EventDisconnect        = "disconnect"
)

// Failure reasons surfaced to clients inside an Ack.
const (
	ReasonNoAdmin        = "No admin available"
	ReasonUserNotFound   = "User not found"
	ReasonInternal       = "Internal server error"
	ReasonDeliveryFailed = "Message delivery failed"
	ReasonRateLimited    = "Rate limit exceeded"
	ReasonInvalidPayload = "Invalid payload"
)

// Envelope is one named message on the wire: {"event": "...", "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack is the success/failure acknowledgment emitted for requests and routed
// messages.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// OK returns a successful acknowledgment.
func OK() Ack {
	return Ack{Success: true}
}

// Fail returns a failed acknowledgment carrying reason.
func Fail(reason string) Ack {
	return Ack{Success: false, Error: reason}
}

// RegisterPayload is the body of a register event.
type RegisterPayload struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// UserMessage is sent by a user and routed to an admin.
type UserMessage struct {
	UserID  string          `json:"userId"`
	Message json.RawMessage `json:"message"`
}

// AdminMessage is sent by an admin and routed to the named user.
// The receiveuserId spelling is part of the deployed contract.
type AdminMessage struct {
	ReceiveUserID string          `json:"receiveuserId"`
	Message       json.RawMessage `json:"message"`
}

// EventRecord is appended to a connection's event log for audit and replay.
type EventRecord struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}
