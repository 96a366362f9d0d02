package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/ipfs/go-cid"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/urfave/cli/v2"
)

var swapCmd = &cli.Command{
	Name:  "swap",
	Usage: "Inspect the block exchange",
	Subcommands: []*cli.Command{
		swapWantlist,
		swapLedger,
		swapStat,
	},
}

var swapWantlist = &cli.Command{
	Name:  "wantlist",
	Usage: "Print the keys this node wants, or the keys a peer wants from us",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "peer",
			Usage: "print the given peer's wantlist instead of ours",
		},
	},
	Action: func(cctx *cli.Context) error {
		api, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()
		ctx := ReqContext(cctx)

		var keys []cid.Cid
		if p := cctx.String("peer"); p != "" {
			pid, err := peer.Decode(p)
			if err != nil {
				return fmt.Errorf("parsing peer id: %w", err)
			}
			keys, err = api.ExchangeWantlistForPeer(ctx, pid)
			if err != nil {
				return err
			}
		} else {
			keys, err = api.ExchangeWantlist(ctx)
			if err != nil {
				return err
			}
		}

		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

var swapLedger = &cli.Command{
	Name:      "ledger",
	Usage:     "Print the byte accounting for a peer",
	ArgsUsage: "[peerID]",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return ShowHelp(cctx, fmt.Errorf("must pass peer id"))
		}

		pid, err := peer.Decode(cctx.Args().First())
		if err != nil {
			return fmt.Errorf("parsing peer id: %w", err)
		}

		api, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()
		ctx := ReqContext(cctx)

		r, err := api.ExchangeLedger(ctx, pid)
		if err != nil {
			return err
		}

		fmt.Printf("Ledger for %s\n", r.Peer)
		fmt.Printf("\tDebt ratio: %f\n", r.Value)
		fmt.Printf("\tExchanges:  %d\n", r.Exchanged)
		fmt.Printf("\tBytes sent: %s\n", humanize.Bytes(r.Sent))
		fmt.Printf("\tBytes recv: %s\n", humanize.Bytes(r.Recv))
		return nil
	},
}

var swapStat = &cli.Command{
	Name:  "stat",
	Usage: "Print exchange transfer counters",
	Action: func(cctx *cli.Context) error {
		api, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()
		ctx := ReqContext(cctx)

		s, err := api.ExchangeStat(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Wantlist:        %d keys\n", len(s.Wantlist))
		fmt.Printf("Peers:           %d\n", len(s.Peers))
		fmt.Printf("Blocks received: %d (%s)\n", s.BlocksReceived, humanize.Bytes(s.DataReceived))
		fmt.Printf("Blocks sent:     %d (%s)\n", s.BlocksSent, humanize.Bytes(s.DataSent))
		fmt.Printf("Dup received:    %d (%s)\n", s.DupBlksReceived, humanize.Bytes(s.DupDataReceived))
		return nil
	},
}
