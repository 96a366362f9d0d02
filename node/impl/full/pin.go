package full

import (
	"context"

	"github.com/ipfs/go-cid"
	"go.uber.org/fx"

	"github.com/filecoin-project/go-blockswap/api"
	"github.com/filecoin-project/go-blockswap/pin"
)

type PinAPI struct {
	fx.In

	Pinner *pin.Pinner
	GC     *pin.GC
}

func (a *PinAPI) PinAdd(ctx context.Context, k cid.Cid, recursive bool) error {
	return a.Pinner.Pin(ctx, k, recursive)
}

func (a *PinAPI) PinRm(ctx context.Context, k cid.Cid) error {
	return a.Pinner.Unpin(ctx, k)
}

func (a *PinAPI) PinLs(ctx context.Context) ([]pin.Status, error) {
	return a.Pinner.Ls(ctx)
}

// GCRun triggers a collection pass and blocks until the sweep finishes,
// collecting removed keys and per-key failures into one report.
func (a *PinAPI) GCRun(ctx context.Context) (api.GCReport, error) {
	ch, err := a.GC.Run(ctx)
	if err != nil {
		return api.GCReport{}, err
	}

	var report api.GCReport
	for res := range ch {
		if res.Error != nil {
			report.Errors = append(report.Errors, res.Error.Error())
			continue
		}
		report.Removed = append(report.Removed, res.KeyRemoved)
	}

	return report, nil
}
