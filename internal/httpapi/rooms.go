package httpapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/DoyleJ11/lobby-client/internal/types"
)

// RoomsAPI is the bearer-authenticated room REST surface.
type RoomsAPI struct {
	client *Client
}

func NewRoomsAPI(c *Client) *RoomsAPI { return &RoomsAPI{client: c} }

func (a *RoomsAPI) ListRooms(ctx context.Context) ([]types.RoomSummary, error) {
	var rooms []types.RoomSummary
	if err := a.client.Do(ctx, http.MethodGet, "/api/rooms", nil, &rooms, "failed to load room list"); err != nil {
		return nil, err
	}
	return rooms, nil
}

func (a *RoomsAPI) GetRoom(ctx context.Context, roomID int) (*types.RoomDetail, error) {
	var room types.RoomDetail
	if err := a.client.Do(ctx, http.MethodGet, fmt.Sprintf("/api/rooms/%d", roomID), nil, &room, "failed to load room"); err != nil {
		return nil, err
	}
	return &room, nil
}

func (a *RoomsAPI) JoinRoom(ctx context.Context, roomID int) (*types.RoomDetail, error) {
	var room types.RoomDetail
	if err := a.client.Do(ctx, http.MethodPost, fmt.Sprintf("/api/rooms/%d/join", roomID), nil, &room, "failed to join room"); err != nil {
		return nil, err
	}
	return &room, nil
}

func (a *RoomsAPI) LeaveRoom(ctx context.Context, roomID int) error {
	return a.client.Do(ctx, http.MethodPost, fmt.Sprintf("/api/rooms/%d/leave", roomID), nil, nil, "failed to leave room")
}

func (a *RoomsAPI) SetReady(ctx context.Context, roomID int, ready bool) (*types.RoomDetail, error) {
	var room types.RoomDetail
	in := struct {
		Ready bool `json:"ready"`
	}{Ready: ready}
	if err := a.client.Do(ctx, http.MethodPost, fmt.Sprintf("/api/rooms/%d/ready", roomID), in, &room, "failed to update ready state"); err != nil {
		return nil, err
	}
	return &room, nil
}
