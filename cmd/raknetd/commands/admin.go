package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/AnotherlandServer/anotherland-sub012/raknet/admin"
	"github.com/spf13/cobra"
)

// File admin.go holds the commands that query a running daemon over its admin API.

func init() {
	banCmd.Flags().DurationVarP(&banDuration, "duration", "d", 0, "how long the ban lasts; 0 bans forever")
	banCmd.Flags().StringVarP(&banReason, "reason", "r", "", "reason recorded with the ban")
	rootCmd.AddCommand(statusCmd, connectionsCmd, bansCmd, banCmd, unbanCmd)
}

func clientCtx(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Prints the state and counters of a running listener",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := clientCtx(cmd)
		defer cancel()
		st, err := admin.Status(ctx, adminURL)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "address:\t%s\n", st.Address)
		fmt.Fprintf(w, "guid:\t%s\n", st.Guid)
		fmt.Fprintf(w, "listening:\t%t\n", st.Listening)
		fmt.Fprintf(w, "connections:\t%d/%d (%d established)\n", st.Connections, st.MaxConnections, st.Established)
		fmt.Fprintf(w, "datagrams:\t%d in, %d out\n", st.DatagramsIn, st.DatagramsOut)
		fmt.Fprintf(w, "bytes:\t%d in, %d out\n", st.BytesIn, st.BytesOut)
		fmt.Fprintf(w, "dropped:\t%d\n", st.Dropped)
		fmt.Fprintf(w, "rejected:\t%d\n", st.Rejected)
		fmt.Fprintf(w, "handshake failures:\t%d\n", st.HandshakeFailures)
		return w.Flush()
	},
}

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "Lists the connections of a running listener",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := clientCtx(cmd)
		defer cancel()
		conns, err := admin.Connections(ctx, adminURL)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tGUID\tSTATE\tRTT\tRESENDS\tIN\tOUT")
		for _, c := range conns {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.1fms\t%d\t%d\t%d\n",
				c.Address, c.Guid, c.State, c.RTTMillis, c.Resends, c.MessagesIn, c.MessagesOut)
		}
		return w.Flush()
	},
}

var bansCmd = &cobra.Command{
	Use:   "bans",
	Short: "Lists the bans of a running listener",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := clientCtx(cmd)
		defer cancel()
		bans, err := admin.Bans(ctx, adminURL)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "IP\tUNTIL\tREASON")
		for _, b := range bans {
			until := "forever"
			if !b.Permanent {
				until = b.Until.Local().Format(time.DateTime)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", b.IP, until, b.Reason)
		}
		return w.Flush()
	},
}

var (
	banDuration time.Duration
	banReason   string
)

var banCmd = &cobra.Command{
	Use:   "ban <ip>",
	Short: "Bans an IP address from a running listener",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := clientCtx(cmd)
		defer cancel()
		b, err := admin.Ban(ctx, adminURL, args[0], banDuration, banReason)
		if err != nil {
			return err
		}
		if b.Permanent {
			fmt.Printf("banned %s\n", b.IP)
		} else {
			fmt.Printf("banned %s until %s\n", b.IP, b.Until.Local().Format(time.DateTime))
		}
		return nil
	},
}

var unbanCmd = &cobra.Command{
	Use:   "unban <ip>",
	Short: "Lifts the ban on an IP address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := clientCtx(cmd)
		defer cancel()
		if err := admin.Unban(ctx, adminURL, args[0]); err != nil {
			return err
		}
		fmt.Printf("unbanned %s\n", args[0])
		return nil
	},
}
