package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/BTCparadigm/IMMORTAN"
	"github.com/BTCparadigm/IMMORTAN/common"
	"github.com/BTCparadigm/IMMORTAN/dlock"
	"github.com/BTCparadigm/IMMORTAN/lnd"
	"github.com/BTCparadigm/IMMORTAN/persistence"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/keychain"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const DefaultInstrumentationAddress = "localhost:9090"

var runCommand = &cli.Command{
	Name:   "run",
	Action: runAction,
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return err
	}

	err = initLogger(
		cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.WithCaller,
	)
	if err != nil {
		return err
	}

	return initServiceWithLock(
		cfg.InstrumentationAddress, cfg.DistributedLock,
		func(ctx context.Context) error {
			return run(ctx, cfg)
		},
	)
}

func initServiceWithLock(address string, lockConfig DistributedLockConfig,
	run func(context.Context) error) error {

	group, ctx := errgroup.WithContext(context.Background())

	group.Go(func() error {
		log.Infof("Press ctrl-c to exit")

		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

		select {
		case <-sigint:
			return errors.New("user requested termination")

		case <-ctx.Done():
			return nil
		}
	})

	instServer := initInstrumentationServer(address)

	group.Go(func() error {
		log.Infow("Instrumentation HTTP server starting",
			"instrumentationAddress", instServer.Addr)

		return instServer.ListenAndServe()
	})

	group.Go(func() error {
		<-ctx.Done()

		// Stop instrumentation server.
		log.Infow("Instrumentation server stopping")

		return instServer.Close()
	})

	group.Go(func() error {
		if lockConfig.Name == "" {
			return run(ctx)
		}

		unlock, err := dlock.New(ctx, &dlock.LockConfig{
			Namespace:     lockConfig.Namespace,
			Name:          lockConfig.Name,
			ID:            lockConfig.ID,
			DevKubeConfig: lockConfig.DevKubeConfig,
			Logger:        log,
		})
		if err != nil {
			return err
		}
		defer unlock()

		return run(ctx)
	})

	return group.Wait()
}

func run(ctx context.Context, cfg *Config) error {
	// Parse lnd connection info from the configuration.
	lndClient, activeNetParams, err := initLndClient(ctx, &cfg.Lnd)
	if err != nil {
		return err
	}

	// Get identity key so that incoming htlcs can be decoded.
	identityKey, err := cfg.GetIdentityKey()
	if err != nil {
		return err
	}

	keyRing := immortan.NewKeyRing(identityKey)

	// Log identity key.
	pubKey, _ := keyRing.DeriveKey(keychain.KeyLocator{})
	keyBytes := pubKey.PubKey.SerializeCompressed()
	key, _ := common.NewPubKeyFromBytes(keyBytes)
	log.Infow("Wallet starting",
		"key", key,
		"network", activeNetParams.Name)

	persister, err := persistence.NewPostgresPersisterFromDSN(
		cfg.DB.DSN, &persistence.PostgresPersisterConfig{Logger: log},
	)
	if err != nil {
		return err
	}
	defer persister.Close()

	settledHandler := immortan.NewSettledHandler(
		&immortan.SettledHandlerConfig{
			Persister: persister,
			Logger:    log,
		},
	)

	// The switchboard is both the channel command bus and the height
	// source of the registry; wire the registry in afterwards.
	switchboard, err := immortan.NewSwitchboard(&immortan.SwitchboardConfig{
		KeyRing:          keyRing,
		ActiveNetParams:  activeNetParams,
		SettledHandler:   settledHandler,
		SnapshotInterval: cfg.SnapshotInterval,
		Lnd:              []lnd.LndClient{lndClient},
		Logger:           log,
	})
	if err != nil {
		return err
	}

	sender := immortan.NewRouterSender(&immortan.RouterSenderConfig{
		Lnd:    lndClient,
		Height: switchboard,
		Logger: log,
	})
	defer sender.Stop()

	receiveGrace := cfg.ReceiveGracePeriod
	if receiveGrace == 0 {
		receiveGrace = immortan.DefaultReceiveGracePeriod
	}

	rejectDelta := cfg.FinalCltvRejectDelta
	if rejectDelta == 0 {
		rejectDelta = immortan.DefaultFinalCltvRejectDelta
	}

	registry := immortan.NewRegistry(
		persister, switchboard, sender, switchboard,
		&immortan.RegistryConfig{
			FinalCltvRejectDelta: rejectDelta,
			ReceiveGracePeriod:   receiveGrace,
			TrampolinePolicy:     cfg.Trampoline.Policy(),
			Clock:                clock.NewDefaultClock(),
			Logger:               log,
		},
	)

	switchboard.SetRegistry(registry)
	switchboard.SetSender(sender)

	nodeSettledHandler := immortan.NewNodeSettledHandler(
		&immortan.NodeSettledHandlerConfig{
			Logger:    log,
			Lnd:       lndClient,
			Persister: persister,
			SettledCallback: func(hash lntypes.Hash) {
				log.Infow("Payment fully settled", "hash", hash)
			},
		},
	)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		err := switchboard.Run(ctx)
		if err != nil {
			log.Errorw("switchboard error", "err", err)
		}

		return err
	})

	group.Go(func() error {
		nodeSettledHandler.Run(ctx)

		return nil
	})

	return group.Wait()
}

func initLndClient(ctx context.Context, cfg *LndConfig) (lnd.LndClient,
	*chaincfg.Params, error) {

	network, err := network(cfg.Network)
	if err != nil {
		return nil, nil, err
	}

	pubkey, err := common.NewPubKeyFromStr(cfg.PubKey)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot parse pubkey %v: %v",
			cfg.PubKey, err)
	}

	lndClient, err := lnd.NewLndClient(ctx, lnd.Config{
		TlsCertPath:  cfg.TlsCertPath,
		MacaroonPath: cfg.MacaroonPath,
		LndUrl:       cfg.LndUrl,
		Logger:       log,
		PubKey:       pubkey,
		Network:      network,
	})
	if err != nil {
		return nil, nil, err
	}

	return lndClient, network, nil
}

func network(network string) (*chaincfg.Params, error) {
	switch network {
	case chaincfg.MainNetParams.Name:
		return &chaincfg.MainNetParams, nil
	case chaincfg.TestNet3Params.Name, "testnet":
		return &chaincfg.TestNet3Params, nil
	case chaincfg.RegressionNetParams.Name:
		return &chaincfg.RegressionNetParams, nil
	case chaincfg.SimNetParams.Name:
		return &chaincfg.SimNetParams, nil
	}

	return nil, fmt.Errorf("unsupported network %v", network)
}

func initInstrumentationServer(instAddress string) *http.Server {
	if instAddress == "" {
		instAddress = DefaultInstrumentationAddress
	}

	// Instantiate a new HTTP server and mux.
	instMux := http.NewServeMux()

	// Register the Prometheus handler.
	instMux.Handle("/metrics", promhttp.Handler())

	// Register the pprof handlers. We do this manually because we aren't
	// using the default mux.
	instMux.HandleFunc("/debug/pprof/", pprof.Index)
	instMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	instMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	instMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	instMux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return &http.Server{
		Addr:    instAddress,
		Handler: instMux,
	}
}
