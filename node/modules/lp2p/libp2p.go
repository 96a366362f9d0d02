package lp2p

import (
	"crypto/rand"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/metrics"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"
	tls "github.com/libp2p/go-libp2p/p2p/security/tls"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-blockswap/node/repo"
)

var log = logging.Logger("p2pnode")

// KLibp2pHost is the keystore name under which the node identity key lives.
const KLibp2pHost = "libp2p-host"

type Libp2pOpts struct {
	fx.Out

	Opts []libp2p.Option `group:"libp2p"`
}

func PrivKey(ks repo.KeyStore) (crypto.PrivKey, error) {
	k, err := ks.Get(KLibp2pHost)
	if err == nil {
		return crypto.UnmarshalPrivateKey(k.PrivateKey)
	}
	if !xerrors.Is(err, repo.ErrKeyInfoNotFound) {
		return nil, err
	}
	pk, err := genLibp2pKey()
	if err != nil {
		return nil, err
	}
	kbytes, err := crypto.MarshalPrivateKey(pk)
	if err != nil {
		return nil, err
	}
	if err := ks.Put(KLibp2pHost, repo.KeyInfo{
		Type:       repo.KTLibp2pHost,
		PrivateKey: kbytes,
	}); err != nil {
		return nil, err
	}

	return pk, nil
}

func genLibp2pKey() (crypto.PrivKey, error) {
	pk, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	return pk, nil
}

func ConnectionManager(low, high uint, grace time.Duration, protected []string) func() (Libp2pOpts, error) {
	return func() (opts Libp2pOpts, err error) {
		cm, err := connmgr.NewConnManager(int(low), int(high), connmgr.WithGracePeriod(grace))
		if err != nil {
			return opts, err
		}
		for _, p := range protected {
			pid, err := peer.Decode(p)
			if err != nil {
				return opts, xerrors.Errorf("failed to parse peer ID in protected peers array: %w", err)
			}

			cm.Protect(pid, "config-prot")
		}

		opts.Opts = append(opts.Opts, libp2p.ConnectionManager(cm))
		return
	}
}

func PstoreAddSelfKeys(id peer.ID, sk crypto.PrivKey, ps peerstore.Peerstore) error {
	if err := ps.AddPubKey(id, sk.GetPublic()); err != nil {
		return err
	}

	return ps.AddPrivKey(id, sk)
}

func simpleOpt(opt libp2p.Option) func() (Libp2pOpts, error) {
	return func() (opts Libp2pOpts, err error) {
		opts.Opts = append(opts.Opts, opt)
		return
	}
}

// Misc options

var DefaultTransports = simpleOpt(libp2p.DefaultTransports)
var NatPortMap = simpleOpt(libp2p.NATPortMap())

func BandwidthCounter() (opts Libp2pOpts, reporter metrics.Reporter) {
	reporter = metrics.NewBandwidthCounter()
	opts.Opts = append(opts.Opts, libp2p.BandwidthReporter(reporter))
	return opts, reporter
}

func Security(enabled, preferTLS bool) interface{} {
	if !enabled {
		return func() (opts Libp2pOpts) {
			log.Warnf("p2p security is disabled, connections will NOT be encrypted")
			opts.Opts = append(opts.Opts, libp2p.NoSecurity)
			return opts
		}
	}
	return func() (opts Libp2pOpts) {
		if preferTLS {
			opts.Opts = append(opts.Opts, libp2p.ChainOptions(libp2p.Security(tls.ID, tls.New), libp2p.Security(noise.ID, noise.New)))
		} else {
			opts.Opts = append(opts.Opts, libp2p.ChainOptions(libp2p.Security(noise.ID, noise.New), libp2p.Security(tls.ID, tls.New)))
		}
		return opts
	}
}
