package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cdp-ledger/internal/alerting"
	"cdp-ledger/internal/config"
	"cdp-ledger/internal/fetcher"
	"cdp-ledger/internal/metrics"
	"cdp-ledger/internal/protocol"
	"cdp-ledger/internal/scheduler"
	"cdp-ledger/internal/service"
	"cdp-ledger/internal/statedb"
	"cdp-ledger/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output; nil means stdout.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetchers() (fetcher.ReferencePriceFetcher, fetcher.MarketPriceFetcher) {
	reference := fetcher.NewReference(fetcher.ReferenceOptions{
		RPCURL:            a.Config.Ethereum.RPCURL,
		AggregatorAddress: a.Config.Ethereum.AggregatorAddress,
		Timeout:           a.Config.Ethereum.RequestTimeout,
		MaxAge:            a.Config.Ethereum.MaxRoundAge,
	}, a.Logger)

	cow := a.Config.Cow
	if cow.SellToken == "" || cow.BuyToken == "" {
		a.Logger.Warn().Msg("cow sell/buy tokens not configured; market sampling disabled")
		return reference, nil
	}
	market := fetcher.NewMarket(fetcher.MarketOptions{
		BaseURL:            cow.BaseURL,
		PriceQuality:       cow.PriceQuality,
		NotionalCollateral: decimal.NewFromFloat(cow.NotionalCollateral),
		Timeout:            cow.RequestTimeout,
		UserAgent:          cow.UserAgent,
		SellToken:          cow.SellToken,
		SellDecimals:       cow.SellDecimals,
		BuyToken:           cow.BuyToken,
		BuyDecimals:        cow.BuyDecimals,
	}, a.Logger)

	return reference, market
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// openProtocol restores the protocol from db, or creates a fresh instance
// and persists it when db holds no state yet.
func (a *App) openProtocol(db *statedb.DB, clock protocol.Clock, observer protocol.Observer) (*protocol.Protocol, error) {
	params, err := a.Config.Protocol.Params()
	if err != nil {
		return nil, err
	}
	addrs, err := a.Config.Protocol.Addresses()
	if err != nil {
		return nil, err
	}
	keeper, err := a.Config.Protocol.KeeperAddress()
	if err != nil {
		return nil, err
	}

	p, err := protocol.New(params, addrs, clock, a.Logger)
	if err != nil {
		return nil, err
	}
	if observer != nil {
		p.SetObserver(observer)
	}

	snap, ok, err := db.Load()
	if err != nil {
		return nil, err
	}
	if ok {
		if err := p.Import(snap); err != nil {
			return nil, fmt.Errorf("restore protocol state: %w", err)
		}
		a.Logger.Debug().Uint64("snapshot_time", snap.Time).Msg("protocol state restored")
		return p, nil
	}

	if keeper != addrs.Owner {
		if err := p.AddFeeder(addrs.Owner, keeper); err != nil {
			return nil, fmt.Errorf("authorize keeper: %w", err)
		}
	}
	if err := db.Save(p.Export()); err != nil {
		return nil, err
	}
	a.Logger.Info().Str("path", a.Config.State.Path).Msg("initialised fresh protocol state")
	return p, nil
}

func (a *App) newScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		TickTimeout:  a.Config.Scheduler.TickTimeout,
	}, a.Logger)
}

func (a *App) serveMetrics(ctx context.Context, collector *metrics.Collector) {
	if !a.Config.Metrics.Enabled || a.Config.Metrics.Listen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle(a.Config.Metrics.Path, collector.Handler())
	srv := &http.Server{
		Addr:              a.Config.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		a.Logger.Info().Str("listen", srv.Addr).Str("path", a.Config.Metrics.Path).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
}

// keeperDeps wires the keeper collaborators shared by run and tick.
func (a *App) keeperDeps(p *protocol.Protocol, db *statedb.DB, store *storage.Store, collector *metrics.Collector) (service.Deps, error) {
	keeper, err := a.Config.Protocol.KeeperAddress()
	if err != nil {
		return service.Deps{}, err
	}
	reference, market := a.newFetchers()
	deps := service.Deps{
		Protocol:  p,
		Reference: reference,
		Market:    market,
		Notifier:  a.newNotifier(),
		Metrics:   collector,
		Keeper:    keeper,
	}
	if db != nil {
		deps.State = db
	}
	if store != nil {
		deps.Samples = store
		deps.Liquidations = store
		deps.Alerts = store
	}
	return deps, nil
}

// Run executes the long-running keeper.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := statedb.Open(a.Config.State.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	collector := metrics.Default()
	p, err := a.openProtocol(db, protocol.SystemClock{}, collector)
	if err != nil {
		return err
	}
	collector.ObserveStatus(p.Status())

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; sample history disabled")
	} else {
		if closeStore != nil {
			defer closeStore()
		}
		if dir := a.Config.Database.MigrationsPath; dir != "" {
			n, err := store.ApplyMigrations(ctx, dir)
			if err != nil {
				return err
			}
			a.Logger.Info().Int("files", n).Msg("migrations applied")
		}
	}

	a.serveMetrics(ctx, collector)

	deps, err := a.keeperDeps(p, db, store, collector)
	if err != nil {
		return err
	}
	deps.Scheduler = a.newScheduler()
	svc, err := service.New(a.Config, deps, a.Logger)
	if err != nil {
		return err
	}

	a.Logger.Info().Msg("starting keeper")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("keeper terminated with error")
		return err
	}

	a.Logger.Info().Msg("keeper stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit        int
	Liquidations bool
}

// TickOptions configure a one-off keeper tick.
type TickOptions struct {
	DryRun bool
}

// SimulateOptions configure the liquidation simulation.
type SimulateOptions struct {
	// TargetPrice is the price the simulated market falls to; zero picks a
	// price that puts the risky trove below the liquidation ratio.
	TargetPrice decimal.Decimal
	Notify      bool
}
