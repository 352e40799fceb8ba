// Package v1 defines the collab relay socket protocol v1 contract.
//
// It is shared between the server, the smoke client and tests so the wire
// format has a single authoritative definition.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier. Clients may omit it.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeJoinNote subscribes the connection to a room (client -> server).
	TypeJoinNote = "join_note"
	// TypeEditNote sends new content for a room (client -> server).
	TypeEditNote = "edit_note"
	// TypeLeaveNote unsubscribes from a room (client -> server).
	TypeLeaveNote = "leave_note"

	// TypeConnected greets a new connection with its id (server -> client).
	TypeConnected = "connected"
	// TypeNoteUpdated delivers an edit made by another connection (server -> room members).
	TypeNoteUpdated = "note_updated"
	// TypeJoinSuccess acknowledges join_note to the caller only.
	TypeJoinSuccess = "join_success"
	// TypeLeaveSuccess acknowledges leave_note to the caller only.
	TypeLeaveSuccess = "leave_success"

	// TypeError reports a rejected request to the originating connection.
	TypeError = "error"
)

// Error codes carried by ErrorPayload.Code.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	CodeNotInRoom        = "NOT_IN_ROOM"
	CodeTransport        = "TRANSPORT_ERROR"
	CodeBadJSON          = "BAD_JSON"
	CodeBadEnvelope      = "BAD_ENVELOPE"
	CodeUnsupportedEvent = "UNSUPPORTED_EVENT"
	CodeInternal         = "INTERNAL_ERROR"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v,omitempty"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation for an inbound Envelope.
func (e Envelope) Validate() error {
	if e.V != "" && e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	if len(e.Payload) == 0 {
		return errors.New("missing field: payload")
	}
	return nil
}

// IsClientType reports whether typ may be sent by a client.
func IsClientType(typ string) bool {
	switch typ {
	case TypeJoinNote, TypeEditNote, TypeLeaveNote:
		return true
	default:
		return false
	}
}

// ---- client payloads ----

type JoinNotePayload struct {
	RoomKey string `json:"roomKey"`
}

type EditNotePayload struct {
	RoomKey string `json:"roomKey"`
	Content string `json:"content"`
}

type LeaveNotePayload struct {
	RoomKey string `json:"roomKey"`
}

// ---- server payloads ----

// ConnectedPayload carries the connection id used as originId on edits.
type ConnectedPayload struct {
	ConnectionID string    `json:"connectionId"`
	InstanceID   string    `json:"instanceId"`
	Timestamp    time.Time `json:"timestamp"`
}

// NoteUpdatedPayload is the fan-out form of an accepted edit.
type NoteUpdatedPayload struct {
	RoomKey   string    `json:"roomKey"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	OriginID  string    `json:"originId"`
}

type JoinSuccessPayload struct {
	RoomKey   string    `json:"roomKey"`
	Timestamp time.Time `json:"timestamp"`
}

type LeaveSuccessPayload struct {
	RoomKey   string    `json:"roomKey"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload is sent only to the connection whose request failed.
type ErrorPayload struct {
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ---- bus ----

// DefaultBusChannel is the logical channel shared by all relay instances.
const DefaultBusChannel = "note_updates"

// BusMessage is the serialized body exchanged over the bus.
// InstanceID is empty for producers that are not relay instances.
type BusMessage struct {
	RoomKey    string    `json:"roomKey"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	OriginID   string    `json:"originId"`
	InstanceID string    `json:"instanceId,omitempty"`
}
