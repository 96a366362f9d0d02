package main

import (
	"context"

	"github.com/mitchellh/go-homedir"
	"github.com/multiformats/go-multiaddr"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-blockswap/api"
	"github.com/filecoin-project/go-blockswap/build"
	lcli "github.com/filecoin-project/go-blockswap/cli"
	"github.com/filecoin-project/go-blockswap/metrics"
	"github.com/filecoin-project/go-blockswap/node"
	"github.com/filecoin-project/go-blockswap/node/modules/dtypes"
	"github.com/filecoin-project/go-blockswap/node/repo"
)

// daemonCmd is the `blockswap daemon` command
var daemonCmd = &cli.Command{
	Name:  "daemon",
	Usage: "Start a blockswap daemon process",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "api",
			Usage: "override the rpc listen address from config",
		},
		&cli.StringFlag{
			Name:   "config",
			Usage:  "specify path of config file to use",
			Hidden: true,
		},
		&cli.BoolFlag{
			Name:  "bootstrap",
			Value: true,
		},
	},
	Subcommands: []*cli.Command{
		daemonStopCmd,
	},
	Action: func(cctx *cli.Context) error {
		ctx, _ := tag.New(context.Background(),
			tag.Insert(metrics.Version, build.BuildVersion),
			tag.Insert(metrics.Commit, build.CurrentCommit),
			tag.Insert(metrics.NodeType, "full"),
		)
		// Register all metric views
		if err := view.Register(
			metrics.DefaultViews...,
		); err != nil {
			log.Fatalf("Cannot register the view: %v", err)
		}
		// Set the metric to one so it is published to the exporter
		stats.Record(ctx, metrics.Info.M(1))

		{
			dir, err := homedir.Expand(cctx.String("repo"))
			if err != nil {
				log.Warnw("could not expand repo location", "error", err)
			} else {
				log.Infof("blockswap repo: %s", dir)
			}
		}

		r, err := repo.NewFS(cctx.String("repo"))
		if err != nil {
			return xerrors.Errorf("opening fs repo: %w", err)
		}

		if cctx.String("config") != "" {
			r.SetConfigPath(cctx.String("config"))
		}

		if err := r.Init(); err != nil && err != repo.ErrRepoExists {
			return xerrors.Errorf("repo init error: %w", err)
		}

		shutdownChan := make(chan struct{})

		var api api.API
		stop, err := node.New(ctx,
			node.FullAPI(&api),

			node.Online(),
			node.Repo(r),

			node.Override(new(dtypes.ShutdownChan), shutdownChan),

			node.ApplyIf(func(s *node.Settings) bool { return cctx.IsSet("api") },
				node.Override(new(dtypes.APIEndpoint), func() (dtypes.APIEndpoint, error) {
					apima, err := multiaddr.NewMultiaddr(cctx.String("api"))
					if err != nil {
						return nil, err
					}
					return dtypes.APIEndpoint(apima), nil
				})),
			node.ApplyIf(func(s *node.Settings) bool { return !cctx.Bool("bootstrap") },
				node.Unset(node.BootstrapKey),
			),
		)
		if err != nil {
			return xerrors.Errorf("initializing node: %w", err)
		}

		endpoint, err := r.APIEndpoint()
		if err != nil {
			return xerrors.Errorf("getting api endpoint: %w", err)
		}

		return serveRPC(api, stop, endpoint, shutdownChan)
	},
}

var daemonStopCmd = &cli.Command{
	Name:  "stop",
	Usage: "Stop a running daemon",
	Flags: []cli.Flag{},
	Action: func(cctx *cli.Context) error {
		napi, closer, err := lcli.GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()

		err = napi.Shutdown(lcli.ReqContext(cctx))
		if err != nil {
			return err
		}

		return nil
	},
}
