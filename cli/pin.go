package cli

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/urfave/cli/v2"
)

var pinCmd = &cli.Command{
	Name:  "pin",
	Usage: "Protect blocks from garbage collection",
	Subcommands: []*cli.Command{
		pinAdd,
		pinRm,
		pinLs,
	},
}

var pinAdd = &cli.Command{
	Name:      "add",
	Usage:     "Pin a block",
	ArgsUsage: "[cid]",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "recursive",
			Usage: "also protect every block reachable from this one",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return ShowHelp(cctx, fmt.Errorf("must pass block cid"))
		}

		k, err := cid.Decode(cctx.Args().First())
		if err != nil {
			return fmt.Errorf("parsing block cid: %w", err)
		}

		api, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()
		ctx := ReqContext(cctx)

		return api.PinAdd(ctx, k, cctx.Bool("recursive"))
	},
}

var pinRm = &cli.Command{
	Name:      "rm",
	Usage:     "Drop a pin",
	ArgsUsage: "[cid]",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return ShowHelp(cctx, fmt.Errorf("must pass block cid"))
		}

		k, err := cid.Decode(cctx.Args().First())
		if err != nil {
			return fmt.Errorf("parsing block cid: %w", err)
		}

		api, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()
		ctx := ReqContext(cctx)

		return api.PinRm(ctx, k)
	},
}

var pinLs = &cli.Command{
	Name:  "ls",
	Usage: "List pinned blocks",
	Action: func(cctx *cli.Context) error {
		api, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()
		ctx := ReqContext(cctx)

		pins, err := api.PinLs(ctx)
		if err != nil {
			return err
		}

		for _, p := range pins {
			fmt.Printf("%s %s\n", p.Key, p.Mode)
		}
		return nil
	},
}

var gcCmd = &cli.Command{
	Name:  "gc",
	Usage: "Collect garbage from the block store",
	Subcommands: []*cli.Command{
		gcRun,
	},
}

var gcRun = &cli.Command{
	Name:  "run",
	Usage: "Remove every block not protected by a pin",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "quiet",
			Usage: "only print errors",
		},
	},
	Action: func(cctx *cli.Context) error {
		api, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()
		ctx := ReqContext(cctx)

		report, err := api.GCRun(ctx)
		if err != nil {
			return err
		}

		if !cctx.Bool("quiet") {
			for _, k := range report.Removed {
				fmt.Printf("removed %s\n", k)
			}
		}
		for _, e := range report.Errors {
			fmt.Printf("error: %s\n", e)
		}

		fmt.Printf("removed %d blocks\n", len(report.Removed))
		return nil
	},
}
