package client

import (
	"context"
	"net/http"

	"github.com/filecoin-project/go-jsonrpc"

	"github.com/filecoin-project/go-blockswap/api"
)

// NewRPC creates a new http jsonrpc client.
func NewRPC(ctx context.Context, addr string, requestHeader http.Header) (api.API, jsonrpc.ClientCloser, error) {
	var res api.Struct
	closer, err := jsonrpc.NewMergeClient(ctx, addr, "BlockSwap",
		[]interface{}{
			&res.Internal,
		},
		requestHeader,
	)

	return &res, closer, err
}
