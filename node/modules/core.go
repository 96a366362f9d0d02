package modules

import (
	"context"
	"crypto/rand"
	"errors"
	"io"

	"github.com/gbrlsnchs/jwt/v3"
	logging "github.com/ipfs/go-log/v2"
	record "github.com/libp2p/go-libp2p-record"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"go.uber.org/fx"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-jsonrpc/auth"

	"github.com/filecoin-project/go-blockswap/api"
	"github.com/filecoin-project/go-blockswap/build"
	"github.com/filecoin-project/go-blockswap/journal"
	"github.com/filecoin-project/go-blockswap/journal/alerting"
	"github.com/filecoin-project/go-blockswap/journal/fsjournal"
	"github.com/filecoin-project/go-blockswap/node/modules/dtypes"
	"github.com/filecoin-project/go-blockswap/node/modules/helpers"
	"github.com/filecoin-project/go-blockswap/node/repo"
)

var log = logging.Logger("modules")

const JWTSecretName = "auth-jwt-private"

type jwtPayload struct {
	Allow []auth.Permission
}

// RecordValidator provides namesys compatible routing record validator
func RecordValidator(ps peerstore.Peerstore) record.Validator {
	return record.NamespacedValidator{
		"pk": record.PublicKeyValidator{},
	}
}

func LockedRepo(lr repo.LockedRepo) func(lc fx.Lifecycle) repo.LockedRepo {
	return func(lc fx.Lifecycle) repo.LockedRepo {
		lc.Append(fx.Hook{
			OnStop: func(_ context.Context) error {
				return lr.Close()
			},
		})

		return lr
	}
}

func KeyStore(lr repo.LockedRepo) (repo.KeyStore, error) {
	return lr.KeyStore()
}

func APISecret(keystore repo.KeyStore, lr repo.LockedRepo) (*dtypes.APIAlg, error) {
	key, err := keystore.Get(JWTSecretName)

	if errors.Is(err, repo.ErrKeyInfoNotFound) {
		log.Warn("Generating new API secret")

		sk, err := io.ReadAll(io.LimitReader(rand.Reader, 32))
		if err != nil {
			return nil, err
		}

		key = repo.KeyInfo{
			Type:       repo.KTJWTHMACSecret,
			PrivateKey: sk,
		}

		if err := keystore.Put(JWTSecretName, key); err != nil {
			return nil, xerrors.Errorf("writing API secret: %w", err)
		}

		// TODO: make this configurable
		p := jwtPayload{
			Allow: api.AllPermissions,
		}

		cliToken, err := jwt.Sign(&p, jwt.NewHS256(key.PrivateKey))
		if err != nil {
			return nil, err
		}

		if err := lr.SetAPIToken(cliToken); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, xerrors.Errorf("could not get JWT Token: %w", err)
	}

	return (*dtypes.APIAlg)(jwt.NewHS256(key.PrivateKey)), nil
}

func Datastore(mctx helpers.MetricsCtx, lc fx.Lifecycle, r repo.LockedRepo) (dtypes.MetadataDS, error) {
	return r.Datastore(helpers.LifecycleCtx(mctx, lc), "/metadata")
}

// OpenFilesystemJournal returns a journal backed by <repo>/journal,
// rolled and pruned by the journal itself.
func OpenFilesystemJournal(lr repo.LockedRepo, lc fx.Lifecycle, disabled journal.DisabledEvents) (journal.Journal, error) {
	jrnl, err := fsjournal.OpenFSJournal(lr, disabled)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(_ context.Context) error { return jrnl.Close() },
	})

	return jrnl, err
}

func Alerting(j journal.Journal) *alerting.Alerting {
	return alerting.NewAlertingSystem(j)
}

func NodeStartTime() dtypes.NodeStartTime {
	return dtypes.NodeStartTime(build.Clock.Now())
}
