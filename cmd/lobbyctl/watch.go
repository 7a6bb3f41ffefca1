package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/DoyleJ11/lobby-client/internal/hub"
	"github.com/DoyleJ11/lobby-client/internal/lobby"
	"github.com/DoyleJ11/lobby-client/internal/room"
	"github.com/DoyleJ11/lobby-client/internal/ws"
)

const subscriberID = "lobbyctl"

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the lobby or a room in real time",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return err
		}
		return requireSession(cmd.Context())
	},
}

func init() {
	watchCmd.AddCommand(&cobra.Command{
		Use:   "lobby",
		Short: "Follow the room list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return watchLobby(cmd.Context(), cmd.OutOrStdout())
		},
	}, &cobra.Command{
		Use:   "room <room>",
		Short: "Follow one room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := roomArg(args[0])
			if err != nil {
				return err
			}
			return watchRoom(cmd.Context(), cmd.OutOrStdout(), id)
		},
	})
}

func statusLine(connected, loading bool, errMsg string) string {
	switch {
	case errMsg != "":
		return "error: " + errMsg
	case loading:
		return "loading..."
	case connected:
		return "live"
	default:
		return "reconnecting..."
	}
}

// watchResult turns the reason a sync stopped into what the user sees.
func watchResult(w io.Writer, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hub.ErrSignedOut):
		fmt.Fprintln(w, "You have been signed out. Run lobbyctl login to continue.")
		return nil
	case errors.Is(err, ws.ErrRoomNotFound):
		return errors.New("room not found")
	case errors.Is(err, hub.ErrReconnectExhausted):
		return errors.New("real-time updates unavailable, showing last known state")
	}
	return err
}

// errFellBehind reports that the store dropped our subscription.
var errFellBehind = errors.New("display fell behind the updates, run watch again")

// stopWatch cancels a running watch and reports why it ended. A watch that
// stopped cleanly after cancel is reported as errFellBehind.
func stopWatch(w io.Writer, cancel context.CancelFunc, errCh <-chan error) error {
	cancel()
	err := <-errCh
	if err == nil {
		err = errFellBehind
	}
	return watchResult(w, err)
}

func watchLobby(ctx context.Context, w io.Writer) error {
	out := make(chan lobby.Snapshot, 64)
	client.Lobby.Subscribe(subscriberID, out)
	defer client.Lobby.Unsubscribe(subscriberID)

	lctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- client.Watch(lctx, client.LobbySyncer()) }()

	for {
		select {
		case snap, ok := <-out:
			if !ok {
				return stopWatch(w, cancel, errCh)
			}
			fmt.Fprintf(w, "\n[lobby] %s\n", statusLine(snap.Connected, snap.Loading, snap.Error))
			printRooms(w, snap.Rooms)
		case err := <-errCh:
			return watchResult(w, err)
		}
	}
}

func watchRoom(ctx context.Context, w io.Writer, roomID int) error {
	store, syncer := client.RoomView(roomID)
	defer store.Close()

	out := make(chan room.Snapshot, 64)
	store.Subscribe(subscriberID, out)

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- client.Watch(rctx, syncer) }()

	for {
		select {
		case snap, ok := <-out:
			if !ok {
				return stopWatch(w, cancel, errCh)
			}
			if snap.ColdEnded {
				fmt.Fprintf(w, "\n%s, back to the lobby\n", snap.ColdEndMessage)
				cancel()
				<-errCh
				return watchLobby(ctx, w)
			}
			fmt.Fprintf(w, "\n[room %d] %s\n", roomID, statusLine(snap.Connected, snap.Loading, snap.Error))
			if snap.Detail != nil {
				printRoom(w, snap.Detail)
			}
		case err := <-errCh:
			return watchResult(w, err)
		}
	}
}
