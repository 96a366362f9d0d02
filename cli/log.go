package cli

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

var logCmd = &cli.Command{
	Name:  "log",
	Usage: "Inspect node problems",
	Subcommands: []*cli.Command{
		logAlerts,
	},
}

var logAlerts = &cli.Command{
	Name:  "alerts",
	Usage: "Get alert states",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "all",
			Usage: "get all (active and inactive) alerts",
		},
	},
	Action: func(cctx *cli.Context) error {
		api, closer, err := GetAPI(cctx)
		if err != nil {
			return err
		}
		defer closer()
		ctx := ReqContext(cctx)

		alerts, err := api.LogAlerts(ctx)
		if err != nil {
			return err
		}

		for _, alert := range alerts {
			if !alert.Active && !cctx.Bool("all") {
				continue
			}

			state := "RESOLVED"
			if alert.Active {
				state = "ACTIVE"
			}

			fmt.Printf("%s %s:%s\n", state, alert.Type.System, alert.Type.Subsystem)
			if alert.LastResolved != nil {
				fmt.Printf("   last resolved at %s; reason: %s\n", alert.LastResolved.Time.Truncate(time.Millisecond), alert.LastResolved.Message)
			}
			if alert.LastActive != nil {
				fmt.Printf("   raised at %s; reason: %s\n", alert.LastActive.Time.Truncate(time.Millisecond), alert.LastActive.Message)
			}
		}

		return nil
	},
}
