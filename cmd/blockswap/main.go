package main

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/trace"

	"github.com/filecoin-project/go-blockswap/build"
	lcli "github.com/filecoin-project/go-blockswap/cli"
	"github.com/filecoin-project/go-blockswap/lib/blockswaplog"
	"github.com/filecoin-project/go-blockswap/lib/tracing"
)

var log = logging.Logger("main")

func main() {
	blockswaplog.SetupLogLevels()

	local := []*cli.Command{
		daemonCmd,
	}

	jaeger := tracing.SetupJaegerTracing("blockswap")
	defer func() {
		if jaeger != nil {
			_ = jaeger.ForceFlush(context.Background())
		}
	}()

	for _, cmd := range local {
		cmd := cmd
		originBefore := cmd.Before
		cmd.Before = func(cctx *cli.Context) error {
			// replace the tracer with one scoped to this command
			if jaeger != nil {
				_ = jaeger.Shutdown(cctx.Context)
			}
			jaeger = tracing.SetupJaegerTracing("blockswap/" + cmd.Name)

			if originBefore != nil {
				return originBefore(cctx)
			}
			return nil
		}
	}

	ctx, span := trace.StartSpan(context.Background(), "/cli")
	defer span.End()

	app := &cli.App{
		Name:                 "blockswap",
		Usage:                "Content-addressed block storage and exchange node",
		Version:              build.UserVersion(),
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "repo",
				EnvVars: []string{"BLOCKSWAP_PATH"},
				Hidden:  true,
				Value:   "~/.blockswap", // TODO: Consider XDG_DATA_HOME
			},
			&cli.StringFlag{
				Name:    "panic-reports",
				EnvVars: []string{"BLOCKSWAP_PANIC_REPORT_PATH"},
				Hidden:  true,
				Value:   "~/.blockswap", // should follow --repo default
			},
		},
		After: func(c *cli.Context) error {
			if r := recover(); r != nil {
				// Generate report in BLOCKSWAP_PATH and re-raise panic
				build.GeneratePanicReport(c.String("panic-reports"), c.String("repo"), c.App.Name)
				panic(r)
			}
			return nil
		},

		Commands: append(local, lcli.Commands...),
	}

	app.Setup()
	app.Metadata["traceContext"] = ctx

	lcli.RunApp(app)
}
