package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/stats/view"
	"golang.org/x/xerrors"

	"github.com/smartcity-labs/traffic-storage/build"
	"github.com/smartcity-labs/traffic-storage/contentstore"
	"github.com/smartcity-labs/traffic-storage/ledger"
	"github.com/smartcity-labs/traffic-storage/metrics"
	"github.com/smartcity-labs/traffic-storage/node/config"
	"github.com/smartcity-labs/traffic-storage/node/rpc"
	"github.com/smartcity-labs/traffic-storage/storage"
)

var log = logging.Logger("main")

func main() {
	app := &cli.App{
		Name:    "traffic-storage",
		Usage:   "decentralized storage node for traffic sensor and optimization records",
		Version: build.UserVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a TOML config file",
				EnvVars: []string{"TRAFFIC_STORAGE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "path to a dotenv file with credentials",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "host:port for the HTTP API; overrides config and env",
			},
			&cli.BoolFlag{
				Name:  "local",
				Usage: "run with in-memory backends instead of Pinata and the chain",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level for all subsystems",
				Value: "info",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%+v", err)
	}
}

func run(cctx *cli.Context) error {
	if err := logging.SetLogLevel("*", cctx.String("log-level")); err != nil {
		return xerrors.Errorf("setting log level: %w", err)
	}

	cfg, err := config.FromFile(cctx.String("config"))
	if err != nil {
		return err
	}
	if err := config.ApplyEnv(cfg, cctx.String("env-file")); err != nil {
		return err
	}
	if listen := cctx.String("listen"); listen != "" {
		cfg.API.ListenAddress = listen
	}

	var (
		store contentstore.Store
		chain ledger.Client
	)
	if cctx.Bool("local") {
		log.Warnw("running with in-memory backends, nothing is persisted")
		store = contentstore.NewMemStore()
		chain = ledger.NewMemLedger()
	} else {
		if err := cfg.Validate(); err != nil {
			return err
		}
		store = contentstore.NewPinataStore(cfg.Pinata.APIURL, cfg.Pinata.GatewayURL, cfg.Pinata.JWT, time.Duration(cfg.Pinata.Timeout))
		chain, err = ledger.NewEVM(cfg.Ledger.RPCURL, cfg.Ledger.ContractAddress, cfg.Ledger.PrivateKey, cfg.Ledger.ChainID, cfg.Ledger.GasLimit, time.Duration(cfg.Ledger.ConfirmTimeout))
		if err != nil {
			return err
		}
	}

	if cfg.Metrics.Enabled {
		if err := view.Register(metrics.DefaultViews...); err != nil {
			return xerrors.Errorf("registering metric views: %w", err)
		}
	}

	mgr := storage.NewManager(store, chain)
	srv, err := rpc.NewServer(mgr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Startup probe is advisory: a backend being down at boot should not
	// keep the node from serving the other one.
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	status := mgr.Health(probeCtx)
	cancel()
	if !status.Healthy() {
		log.Warnw("backend unreachable at startup",
			"ipfs_ok", status.ContentStore.OK, "ipfs_error", status.ContentStore.Error,
			"blockdag_ok", status.Ledger.OK, "blockdag_error", status.Ledger.Error)
	}

	httpSrv := &http.Server{
		Addr:         cfg.API.ListenAddress,
		Handler:      srv.Handler(),
		ReadTimeout:  time.Duration(cfg.API.Timeout),
		WriteTimeout: time.Duration(cfg.API.Timeout),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("listening", "addr", cfg.API.ListenAddress, "version", build.UserVersion())
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return xerrors.Errorf("http server: %w", err)
		}
		return nil
	}
}
