package ws

import (
	"encoding/json"
	"fmt"

	"github.com/DoyleJ11/lobby-client/internal/types"
)

// ProtocolVersion is the frame version this client speaks.
const ProtocolVersion = 1

const (
	TypePing                  = "PING"
	TypePong                  = "PONG"
	TypeHeartbeat             = "heartbeat"
	TypeHeartbeatAck          = "heartbeat_ack"
	TypeConnectionEstablished = "connection_established"
	TypeRoomList              = "ROOM_LIST"
	TypeRoomUpdate            = "ROOM_UPDATE"
)

// Frame is one message on the channel.
type Frame struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

var emptyPayload = json.RawMessage(`{}`)

func controlFrame(v int, typ string) Frame {
	return Frame{V: v, Type: typ, Payload: emptyPayload}
}

// Event is an application frame decoded for a particular scope.
type Event interface{ isEvent() }

type ConnectionEstablished struct{}

type HeartbeatAck struct{}

// RoomList is a full lobby snapshot.
type RoomList struct {
	Rooms []types.RoomSummary `json:"rooms"`
}

// LobbyRoomUpdate replaces or inserts one lobby entry.
type LobbyRoomUpdate struct {
	Room types.RoomSummary `json:"room"`
}

// RoomDetailUpdate is the full detail of the watched room.
type RoomDetailUpdate struct {
	Room types.RoomDetail `json:"room"`
}

// Unknown carries a frame type this client does not understand.
type Unknown struct {
	Type string
}

func (ConnectionEstablished) isEvent() {}
func (HeartbeatAck) isEvent()          {}
func (RoomList) isEvent()              {}
func (LobbyRoomUpdate) isEvent()       {}
func (RoomDetailUpdate) isEvent()      {}
func (Unknown) isEvent()               {}

// decodeEvent maps an application frame to an Event. ROOM_UPDATE carries a
// summary on the lobby channel and a full detail on a room channel.
func decodeEvent(scope Scope, f Frame) (Event, error) {
	switch f.Type {
	case TypeConnectionEstablished:
		return ConnectionEstablished{}, nil
	case TypeHeartbeatAck:
		return HeartbeatAck{}, nil
	case TypeRoomList:
		if scope.IsRoom() {
			return Unknown{Type: f.Type}, nil
		}
		var ev RoomList
		if err := unmarshalPayload(f, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case TypeRoomUpdate:
		if scope.IsRoom() {
			var ev RoomDetailUpdate
			if err := unmarshalPayload(f, &ev); err != nil {
				return nil, err
			}
			return ev, nil
		}
		var ev LobbyRoomUpdate
		if err := unmarshalPayload(f, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return Unknown{Type: f.Type}, nil
	}
}

func unmarshalPayload(f Frame, v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%s: %w", f.Type, err)
	}
	return nil
}
