package main

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/DoyleJ11/lobby-client/internal/types"
)

func roomArg(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid room id %q", arg)
	}
	return id, nil
}

func printRooms(w io.Writer, rooms []types.RoomSummary) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROOM\tSTATUS\tPLAYERS\tREADY")
	for _, r := range rooms {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\n", r.RoomID, r.Status, r.PlayerCount, r.ReadyCount)
	}
	tw.Flush()
}

func printRoom(w io.Writer, d *types.RoomDetail) {
	fmt.Fprintf(w, "Room %d  status=%s  owner=%d", d.RoomID, d.Status, d.OwnerID)
	if d.CurrentGameID != nil {
		fmt.Fprintf(w, "  game=%d", *d.CurrentGameID)
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEAT\tUSER\tREADY\tCHIPS")
	for _, m := range d.Members {
		fmt.Fprintf(tw, "%d\t%s\t%t\t%d\n", m.Seat, m.Username, m.Ready, m.Chips)
	}
	tw.Flush()
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSession(cmd.Context()); err != nil {
			return err
		}
		rooms, err := client.Rooms.ListRooms(cmd.Context())
		if err != nil {
			return err
		}
		printRooms(cmd.OutOrStdout(), rooms)
		return nil
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <room>",
	Short: "Take a seat in a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := roomArg(args[0])
		if err != nil {
			return err
		}
		if err := requireSession(cmd.Context()); err != nil {
			return err
		}
		d, err := client.Rooms.JoinRoom(cmd.Context(), id)
		if err != nil {
			return err
		}
		printRoom(cmd.OutOrStdout(), d)
		return nil
	},
}

var leaveCmd = &cobra.Command{
	Use:   "leave <room>",
	Short: "Leave a room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := roomArg(args[0])
		if err != nil {
			return err
		}
		if err := requireSession(cmd.Context()); err != nil {
			return err
		}
		if err := client.Rooms.LeaveRoom(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Left room %d\n", id)
		return nil
	},
}

var readyCmd = &cobra.Command{
	Use:   "ready <room>",
	Short: "Toggle your ready flag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := roomArg(args[0])
		if err != nil {
			return err
		}
		if err := requireSession(cmd.Context()); err != nil {
			return err
		}
		d, err := client.Rooms.GetRoom(cmd.Context(), id)
		if err != nil {
			return err
		}
		self := client.Auth.User()
		idx := slices.IndexFunc(d.Members, func(m types.RoomMember) bool { return m.UserID == self.ID })
		if idx < 0 {
			return fmt.Errorf("you are not in room %d", id)
		}
		d, err = client.Rooms.SetReady(cmd.Context(), id, !d.Members[idx].Ready)
		if err != nil {
			return err
		}
		printRoom(cmd.OutOrStdout(), d)
		return nil
	},
}
