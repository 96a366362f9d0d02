package node

import (
	"context"
	"errors"
	"time"

	logging "github.com/ipfs/go-log/v2"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/crypto"
	coredisc "github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-blockswap/api"
	"github.com/filecoin-project/go-blockswap/exchange"
	"github.com/filecoin-project/go-blockswap/exchange/network"
	"github.com/filecoin-project/go-blockswap/journal"
	"github.com/filecoin-project/go-blockswap/journal/alerting"
	"github.com/filecoin-project/go-blockswap/node/announce"
	"github.com/filecoin-project/go-blockswap/node/config"
	"github.com/filecoin-project/go-blockswap/node/impl"
	"github.com/filecoin-project/go-blockswap/node/modules"
	"github.com/filecoin-project/go-blockswap/node/modules/dtypes"
	"github.com/filecoin-project/go-blockswap/node/modules/helpers"
	"github.com/filecoin-project/go-blockswap/node/modules/lp2p"
	"github.com/filecoin-project/go-blockswap/node/repo"
	"github.com/filecoin-project/go-blockswap/pin"
)

//nolint:deadcode,varcheck
var log = logging.Logger("builder")

// special is a type used to give keys to modules which
//  can't really be identified by the returned type
type special struct{ id int }

//nolint:golint
var (
	DefaultTransportsKey = special{0}  // Libp2p option
	AddrsFactoryKey      = special{3}  // Libp2p option
	SmuxTransportKey     = special{4}  // Libp2p option
	RelayKey             = special{5}  // Libp2p option
	SecurityKey          = special{6}  // Libp2p option
	BaseRoutingKey       = special{7}  // fx groups + multiret
	NatPortMapKey        = special{8}  // Libp2p option
	ConnectionManagerKey = special{9}  // Libp2p option
	AutoNATSvcKey        = special{10} // Libp2p option
	BandwidthReporterKey = special{11} // Libp2p option
)

type invoke int

// Invokes are called in the order they are defined.
//nolint:golint
const (
	// InitJournal at position 0 initializes the journal global var as soon as
	// the system starts, so that it's available for all other components.
	InitJournalKey = invoke(iota)

	// libp2p

	PstoreAddSelfKeysKey
	StartListeningKey
	BootstrapKey

	// block exchange

	RunAnnounceKey
	HandleViolationsKey
	RunPeriodicGCKey

	// daemon

	ExtractApiKey
	BandwidthMetricsKey
	SetApiEndpointKey

	_nInvokes // keep this last
)

type Settings struct {
	// modules is a map of constructors for DI
	//
	// In most cases the index will be a reflect. Type of element returned by
	// the constructor, but for some 'constructors' it's hard to specify what's
	// the return type should be (or the constructor returns fx group)
	modules map[interface{}]fx.Option

	// invokes are separate from modules as they can't be referenced by return
	// type, and must be applied in correct order
	invokes []fx.Option

	Online bool // Online option applied
	Config bool // Config option applied
}

func defaults() []Option {
	return []Option{
		// global system journal.
		Override(new(journal.DisabledEvents), journal.EnvDisabledEvents),
		Override(new(journal.Journal), modules.OpenFilesystemJournal),
		Override(InitJournalKey, func(j journal.Journal) {
			journal.J = j // eagerly sets the global journal through fx.Invoke.
		}),

		Override(new(*alerting.Alerting), modules.Alerting),
		Override(new(dtypes.NodeStartTime), modules.NodeStartTime),

		Override(new(helpers.MetricsCtx), context.Background),
		Override(new(record.Validator), modules.RecordValidator),
		Override(new(dtypes.Bootstrapper), dtypes.Bootstrapper(false)),
		Override(new(dtypes.ShutdownChan), make(chan struct{})),
	}
}

func libp2p() Option {
	return Options(
		Override(new(peerstore.Peerstore), lp2p.Peerstore),

		Override(DefaultTransportsKey, lp2p.DefaultTransports),

		Override(new(lp2p.RawHost), lp2p.Host),
		Override(new(host.Host), lp2p.RoutedHost),
		Override(new(lp2p.BaseIpfsRouting), lp2p.DHTRouting(dht.ModeAuto)),

		Override(AddrsFactoryKey, lp2p.AddrsFactory(nil, nil)),
		Override(SmuxTransportKey, lp2p.SmuxTransport()),
		Override(RelayKey, lp2p.NoRelay()),
		Override(SecurityKey, lp2p.Security(true, false)),

		Override(BaseRoutingKey, lp2p.BaseRouting),
		Override(new(routing.Routing), lp2p.Routing),

		Override(NatPortMapKey, lp2p.NatPortMap),
		Override(BandwidthReporterKey, lp2p.BandwidthCounter),
		Override(BandwidthMetricsKey, lp2p.RegisterBandwidthMetrics),

		Override(ConnectionManagerKey, lp2p.ConnectionManager(50, 200, 20*time.Second, nil)),
		Override(AutoNATSvcKey, lp2p.AutoNATService),

		Override(new(coredisc.Discovery), lp2p.Discovery),
		Override(new(*pubsub.PubSub), lp2p.GossipSub),

		Override(PstoreAddSelfKeysKey, lp2p.PstoreAddSelfKeys),
		Override(StartListeningKey, lp2p.StartListening(config.DefaultFullNode().Libp2p.ListenAddresses)),
	)
}

// Online sets up the libp2p host and the exchange services around it
func Online() Option {
	return Options(
		// make sure that online is applied before Config.
		// This is important because Config overrides some of Online units
		func(s *Settings) error { s.Online = true; return nil },
		ApplyIf(func(s *Settings) bool { return s.Config },
			Error(errors.New("the Online option must be set before Config option")),
		),

		libp2p(),

		// bootstrap
		Override(new(dtypes.BootstrapPeers), modules.BuiltinBootstrap),
		Override(BootstrapKey, modules.RunBootstrap),

		// block exchange
		Override(new(network.Network), modules.ExchangeNetwork),
		Override(new(*exchange.Exchange), modules.Exchange(config.DefaultFullNode().Exchange)),

		// pinning and garbage collection
		Override(new(*pin.Pinner), modules.Pinner),
		Override(new(*pin.GCGuard), modules.GCGuard),
		Override(new(*pin.GC), modules.GC),

		// gossip announcements
		Override(new(*announce.Service), modules.AnnounceService),
		Override(RunAnnounceKey, modules.RunAnnounce),

		Override(HandleViolationsKey, modules.HandleIntegrityViolations),
	)
}

// Config sets up constructors based on the provided Config
func ConfigCommon(cfg *config.Common) Option {
	return Options(
		func(s *Settings) error { s.Config = true; return nil },
		Override(new(dtypes.APIEndpoint), func() (dtypes.APIEndpoint, error) {
			ma, err := multiaddr.NewMultiaddr(cfg.API.ListenAddress)
			if err != nil {
				return nil, err
			}
			return dtypes.APIEndpoint(ma), nil
		}),
		Override(SetApiEndpointKey, func(lr repo.LockedRepo, e dtypes.APIEndpoint) error {
			return lr.SetAPIEndpoint(multiaddr.Multiaddr(e))
		}),
		ApplyIf(func(s *Settings) bool { return s.Online },
			Override(StartListeningKey, lp2p.StartListening(cfg.Libp2p.ListenAddresses)),
			Override(ConnectionManagerKey, lp2p.ConnectionManager(
				cfg.Libp2p.ConnMgrLow,
				cfg.Libp2p.ConnMgrHigh,
				time.Duration(cfg.Libp2p.ConnMgrGrace),
				cfg.Libp2p.ProtectedPeers)),

			ApplyIf(func(s *Settings) bool { return len(cfg.Libp2p.BootstrapPeers) > 0 },
				Override(new(dtypes.BootstrapPeers), modules.ConfigBootstrap(cfg.Libp2p.BootstrapPeers)),
			),
		),
		Override(AddrsFactoryKey, lp2p.AddrsFactory(
			cfg.Libp2p.AnnounceAddresses,
			cfg.Libp2p.NoAnnounceAddresses)),
	)
}

func ConfigFullNode(c interface{}) Option {
	cfg, ok := c.(*config.FullNode)
	if !ok {
		return Error(xerrors.Errorf("invalid config from repo, got: %T", c))
	}

	return Options(
		ConfigCommon(&cfg.Common),

		Override(new(dtypes.CachedBlockstore), modules.CachedBlockstore(cfg.Blockstore)),

		ApplyIf(func(s *Settings) bool { return s.Online },
			Override(new(*exchange.Exchange), modules.Exchange(cfg.Exchange)),

			If(!cfg.Exchange.Announce,
				Unset(new(*announce.Service)),
				Unset(RunAnnounceKey),
			),

			If(cfg.Pin.GCInterval > 0,
				Override(RunPeriodicGCKey, modules.RunPeriodicGC(time.Duration(cfg.Pin.GCInterval))),
			),
		),
	)
}

func Repo(r repo.Repo) Option {
	return func(settings *Settings) error {
		lr, err := r.Lock()
		if err != nil {
			return err
		}
		c, err := lr.Config()
		if err != nil {
			return err
		}

		return Options(
			Override(new(repo.LockedRepo), modules.LockedRepo(lr)), // module handles closing

			Override(new(dtypes.MetadataDS), modules.Datastore),

			Override(new(dtypes.BaseBlockstore), modules.BaseBlockstore),
			Override(new(dtypes.CachedBlockstore), modules.CachedBlockstore(config.DefaultFullNode().Blockstore)),
			Override(new(dtypes.ExposedBlockstore), modules.ExposedBlockstore),

			Override(new(crypto.PrivKey), lp2p.PrivKey),
			Override(new(crypto.PubKey), crypto.PrivKey.GetPublic),
			Override(new(peer.ID), peer.IDFromPublicKey),

			Override(new(repo.KeyStore), modules.KeyStore),

			Override(new(*dtypes.APIAlg), modules.APISecret),

			ConfigFullNode(c),
		)(settings)
	}
}

func FullAPI(out *api.API) Option {
	return func(s *Settings) error {
		resAPI := &impl.FullNodeAPI{}
		s.invokes[ExtractApiKey] = fx.Populate(resAPI)
		*out = resAPI
		return nil
	}
}

type StopFunc func(context.Context) error

// New builds and starts a new node
func New(ctx context.Context, opts ...Option) (StopFunc, error) {
	settings := Settings{
		modules: map[interface{}]fx.Option{},
		invokes: make([]fx.Option, _nInvokes),
	}

	// apply module options in the right order
	if err := Options(Options(defaults()...), Options(opts...))(&settings); err != nil {
		return nil, xerrors.Errorf("applying node options failed: %w", err)
	}

	// gather constructors for fx.Options
	ctors := make([]fx.Option, 0, len(settings.modules))
	for _, opt := range settings.modules {
		ctors = append(ctors, opt)
	}

	// fill holes in invokes for use in fx.Options
	for i, opt := range settings.invokes {
		if opt == nil {
			settings.invokes[i] = fx.Options()
		}
	}

	app := fx.New(
		fx.Options(ctors...),
		fx.Options(settings.invokes...),

		fx.NopLogger,
	)

	// TODO: we probably should have a 'firewall' for Closing signal
	//  on this context, and implement closing logic through lifecycles
	//  correctly
	if err := app.Start(ctx); err != nil {
		// comment fx.NopLogger few lines above for easier debugging
		return nil, xerrors.Errorf("starting node: %w", err)
	}

	return app.Stop, nil
}

// In-memory / testing

func Test() Option {
	return Options(
		Unset(BootstrapKey),
		Unset(BandwidthMetricsKey),
		Override(new(dtypes.BootstrapPeers), dtypes.BootstrapPeers(nil)),
		Override(new(lp2p.BaseIpfsRouting), lp2p.NilRouting),
	)
}
