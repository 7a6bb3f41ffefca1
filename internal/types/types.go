package types

import "fmt"

type RoomStatus string

const (
	RoomWaiting    RoomStatus = "waiting"
	RoomPlaying    RoomStatus = "playing"
	RoomSettlement RoomStatus = "settlement"
)

func (s RoomStatus) Valid() bool {
	switch s {
	case RoomWaiting, RoomPlaying, RoomSettlement:
		return true
	}
	return false
}

type User struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// RoomSummary is one row of the lobby room list.
type RoomSummary struct {
	RoomID      int        `json:"room_id"`
	Status      RoomStatus `json:"status"`
	PlayerCount int        `json:"player_count"`
	ReadyCount  int        `json:"ready_count"`
}

type RoomMember struct {
	UserID   int    `json:"user_id"`
	Username string `json:"username"`
	Seat     int    `json:"seat"`
	Ready    bool   `json:"ready"`
	Chips    int    `json:"chips"`
}

// RoomDetail is the full state of a single room as asserted by the server.
type RoomDetail struct {
	RoomID        int          `json:"room_id"`
	Status        RoomStatus   `json:"status"`
	OwnerID       int          `json:"owner_id"`
	Members       []RoomMember `json:"members"`
	CurrentGameID *int         `json:"current_game_id"`
}

// Clone returns a deep copy; members and the game id are never aliased.
func (d RoomDetail) Clone() RoomDetail {
	out := d
	out.Members = make([]RoomMember, len(d.Members))
	copy(out.Members, d.Members)
	if d.CurrentGameID != nil {
		id := *d.CurrentGameID
		out.CurrentGameID = &id
	}
	return out
}

// Validate reports a detail whose game id disagrees with its status.
func (d RoomDetail) Validate() error {
	if !d.Status.Valid() {
		return fmt.Errorf("room %d: unknown status %q", d.RoomID, d.Status)
	}
	playing := d.Status == RoomPlaying
	if playing != (d.CurrentGameID != nil) {
		return fmt.Errorf("room %d: status %s with current_game_id set=%t", d.RoomID, d.Status, d.CurrentGameID != nil)
	}
	return nil
}

// Summary derives the lobby row for this room.
func (d RoomDetail) Summary() RoomSummary {
	ready := 0
	for _, m := range d.Members {
		if m.Ready {
			ready++
		}
	}
	return RoomSummary{RoomID: d.RoomID, Status: d.Status, PlayerCount: len(d.Members), ReadyCount: ready}
}

func GameID(id int) *int { return &id }
