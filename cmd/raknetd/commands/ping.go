package commands

import (
	"fmt"
	"net/netip"

	"github.com/AnotherlandServer/anotherland-sub012/raknet/client"
	"github.com/spf13/cobra"
)

var openOnly bool

func init() {
	pingCmd.Flags().BoolVar(&openOnly, "open", false, "only expect an answer if the listener has free slots")
	rootCmd.AddCommand(pingCmd)
}

var pingCmd = &cobra.Command{
	Use:   "ping <ip:port>",
	Short: "Pings a listener without connecting to it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := netip.ParseAddrPort(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := clientCtx(cmd)
		defer cancel()
		res, err := client.Ping(ctx, target, openOnly)
		if err != nil {
			return err
		}
		fmt.Printf("%v: %d/%d connections, rtt %v\n", target, res.Connections, res.MaxConnections, res.RTT)
		return nil
	},
}
