package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/urfave/cli/v2"
)

var blockCmd = &cli.Command{
	Name:  "block",
	Usage: "Interact with the block store",
	Subcommands: []*cli.Command{
		blockPut,
		blockGet,
		blockStat,
		blockRm,
	},
}

var blockPut = &cli.Command{
	Name:      "put",
	Usage:     "Store a block, reading data from a file or stdin",
	ArgsUsage: "[inputPath]",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "pin",
			Usage: "pin the new block so garbage collection keeps it",
		},
	},
	Action: func(cctx *cli.Context) error {
		api, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()
		ctx := ReqContext(cctx)

		var rd io.Reader = os.Stdin
		if cctx.Args().Present() {
			f, err := os.Open(cctx.Args().First())
			if err != nil {
				return err
			}
			defer f.Close() //nolint:errcheck
			rd = f
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			return err
		}

		k, err := api.BlockPut(ctx, data, cctx.Bool("pin"))
		if err != nil {
			return err
		}

		fmt.Println(k)
		return nil
	},
}

var blockGet = &cli.Command{
	Name:      "get",
	Usage:     "Fetch a block, from the network when not held locally",
	ArgsUsage: "[cid]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "output",
			Usage: "write block data to a file instead of stdout",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "maximum time to wait for the network",
			Value: 30 * time.Second,
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

		ctx, cancel := context.WithTimeout(ReqContext(cctx), cctx.Duration("timeout"))
		defer cancel()

		data, err := api.BlockGet(ctx, k)
		if err != nil {
			return err
		}

		if out := cctx.String("output"); out != "" {
			return os.WriteFile(out, data, 0644)
		}

		_, err = os.Stdout.Write(data)
		return err
	},
}

var blockStat = &cli.Command{
	Name:      "stat",
	Usage:     "Print information about a locally stored block",
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

		stat, err := api.BlockStat(ctx, k)
		if err != nil {
			return err
		}

		fmt.Printf("Key:  %s\n", stat.Key)
		fmt.Printf("Size: %d\n", stat.Size)
		return nil
	},
}

var blockRm = &cli.Command{
	Name:      "rm",
	Usage:     "Remove a block from the local store",
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

		return api.BlockRm(ctx, k)
	},
}
