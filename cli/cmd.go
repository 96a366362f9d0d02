package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/filecoin-project/go-jsonrpc"
	logging "github.com/ipfs/go-log/v2"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-blockswap/api"
	"github.com/filecoin-project/go-blockswap/api/client"
	"github.com/filecoin-project/go-blockswap/node/repo"
)

var log = logging.Logger("cli")

const (
	metadataTraceContext = "traceContext"
	metadataContext      = "context"
)

// GetAPI returns a client talking to the node behind the repo's recorded
// API endpoint, with the repo's CLI token attached when available.
func GetAPI(cctx *cli.Context) (api.API, jsonrpc.ClientCloser, error) {
	r, err := repo.NewFS(cctx.String("repo"))
	if err != nil {
		return nil, nil, err
	}

	ma, err := r.APIEndpoint()
	if err != nil {
		return nil, nil, xerrors.Errorf("failed to get api endpoint: %w (is the daemon running?)", err)
	}
	_, addr, err := manet.DialArgs(ma)
	if err != nil {
		return nil, nil, err
	}

	var headers http.Header
	token, err := r.APIToken()
	if err != nil {
		log.Warnf("Couldn't load CLI token, capabilities may be limited: %v", err)
	} else {
		headers = http.Header{}
		headers.Add("Authorization", "Bearer "+string(token))
	}

	return client.NewRPC(ReqContext(cctx), "ws://"+addr+"/rpc/v0", headers)
}

// ReqContext returns context for cli execution. Calling it for the first time
// installs SIGTERM handler that will close returned context.
// Not safe for concurrent execution.
func ReqContext(cctx *cli.Context) context.Context {
	if uctx, ok := cctx.App.Metadata[metadataContext]; ok {
		// unchecked cast as if something else is in there
		// it is crash worthy either way
		return uctx.(context.Context)
	}
	var tCtx context.Context

	if mtCtx, ok := cctx.App.Metadata[metadataTraceContext]; ok {
		tCtx = mtCtx.(context.Context)
	} else {
		tCtx = context.Background()
	}

	ctx, done := context.WithCancel(tCtx)
	sigChan := make(chan os.Signal, 2)
	go func() {
		<-sigChan
		done()
	}()
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	return ctx
}

var Commands = []*cli.Command{
	authCmd,
	blockCmd,
	gcCmd,
	logCmd,
	netCmd,
	pinCmd,
	swapCmd,
	versionCmd,
}
