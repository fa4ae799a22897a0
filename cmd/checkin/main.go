// Command checkin runs the daily check-in engine: it validates cached
// sessions over HTTP, re-authorizes expired ones through a headless browser,
// and records every outcome in the state snapshot and result log.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relaycheck/relaycheck/internal/browser"
	"github.com/relaycheck/relaycheck/internal/challenge"
	"github.com/relaycheck/relaycheck/internal/config"
	"github.com/relaycheck/relaycheck/internal/fastpath"
	"github.com/relaycheck/relaycheck/internal/oauth"
	"github.com/relaycheck/relaycheck/internal/orchestrator"
	"github.com/relaycheck/relaycheck/internal/probe"
	"github.com/relaycheck/relaycheck/internal/server"
	"github.com/relaycheck/relaycheck/internal/state"
)

const (
	rootCommandUse          = "checkin"
	rootShortDescription    = "Daily check-in automation for relay sites"
	runCommandUse           = "run"
	runShortDescription     = "Run a full check-in pass"
	probeCommandUse         = "probe"
	probeShortDescription   = "Probe site status endpoints and update state"
	statusCommandUse        = "status"
	statusShortDescription  = "Print the current snapshot summary"
	serveCommandUse         = "serve"
	serveShortDescription   = "Serve the snapshot over HTTP"
	envPrefix               = "CHECKIN"
	flagSitesName           = "sites"
	flagSitesDescription    = "Path to the site catalog"
	flagAccountsName        = "accounts"
	flagAccountsDescription = "Path to the credential roster"
	flagStateName           = "state"
	flagStateDescription    = "Path to the state snapshot file"
	flagResultsName         = "results"
	flagResultsDescription  = "Path to the result log file"
	flagSerialName          = "serial"
	flagSerialDescription   = "Run one task and one credential group at a time"
	flagConcurrencyName     = "concurrency"
	flagConcurrencyDesc     = "Fast-phase worker count"
	flagHeadfulName         = "headful"
	flagHeadfulDescription  = "Run the browser with a visible window"
	flagChromeName          = "chrome-path"
	flagChromeDescription   = "Chrome binary override"
	flagNodeName            = "node-path"
	flagNodeDescription     = "Node binary override for the challenge solver"
	flagProviderName        = "provider-url"
	flagProviderDescription = "Identity provider base URL"
	flagConnectName         = "connect-url"
	flagConnectDescription  = "OAuth connect base URL"
	flagRPSName             = "rps"
	flagRPSDescription      = "Fast-phase requests per second"
	flagHostName            = "host"
	flagHostDescription     = "Host interface for the HTTP server"
	flagPortName            = "port"
	flagPortDescription     = "Port for the HTTP server"
	defaultSitesPath        = "sites.json"
	defaultAccountsPath     = "accounts.json"
	defaultStatePath        = "site_state.json"
	defaultResultsPath      = "checkin_results.json"
	defaultConcurrency      = 4
	defaultRPS              = 2.0
	defaultHost             = "127.0.0.1"
	defaultPort             = 8080
	errMessageLoggerCreate  = "create logger"
	errMessageNoEffective   = "no task ended in success or already-checked"
	errMessageListenServe   = "listen and serve"
	logMessageSolverOff     = "challenge solver unavailable, anti-bot sites may fail"
	logMessageStartServer   = "starting HTTP server"
	logMessageServerStopped = "server stopped"
	logFieldAddress         = "address"
)

func main() {
	_ = godotenv.Load()
	cobra.CheckErr(newRootCommand().Execute())
}

func newRootCommand() *cobra.Command {
	command := &cobra.Command{
		Use:           rootCommandUse,
		Short:         rootShortDescription,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	persistent := command.PersistentFlags()
	persistent.String(flagSitesName, defaultSitesPath, flagSitesDescription)
	persistent.String(flagAccountsName, defaultAccountsPath, flagAccountsDescription)
	persistent.String(flagStateName, defaultStatePath, flagStateDescription)
	persistent.String(flagResultsName, defaultResultsPath, flagResultsDescription)
	for _, flagName := range []string{flagSitesName, flagAccountsName, flagStateName, flagResultsName} {
		cobra.CheckErr(viper.BindPFlag(flagName, persistent.Lookup(flagName)))
	}

	command.AddCommand(newRunCommand(), newProbeCommand(), newStatusCommand(), newServeCommand())
	cobra.OnInitialize(configureEnvironment)
	return command
}

func configureEnvironment() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func bindFlagToViper(command *cobra.Command, flagName string) {
	cobra.CheckErr(viper.BindPFlag(flagName, command.Flags().Lookup(flagName)))
}

func newRunCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   runCommandUse,
		Short: runShortDescription,
		RunE:  runCheckinCommand,
	}
	command.Flags().Bool(flagSerialName, false, flagSerialDescription)
	command.Flags().Int(flagConcurrencyName, defaultConcurrency, flagConcurrencyDesc)
	command.Flags().Bool(flagHeadfulName, false, flagHeadfulDescription)
	command.Flags().String(flagChromeName, "", flagChromeDescription)
	command.Flags().String(flagNodeName, "", flagNodeDescription)
	command.Flags().String(flagProviderName, "", flagProviderDescription)
	command.Flags().String(flagConnectName, "", flagConnectDescription)
	command.Flags().Float64(flagRPSName, defaultRPS, flagRPSDescription)
	for _, flagName := range []string{flagSerialName, flagConcurrencyName, flagHeadfulName,
		flagChromeName, flagNodeName, flagProviderName, flagConnectName, flagRPSName} {
		bindFlagToViper(command, flagName)
	}
	return command
}

func newProbeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   probeCommandUse,
		Short: probeShortDescription,
		RunE:  runProbeCommand,
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   statusCommandUse,
		Short: statusShortDescription,
		RunE:  runStatusCommand,
	}
}

func newServeCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   serveCommandUse,
		Short: serveShortDescription,
		RunE:  runServeCommand,
	}
	command.Flags().String(flagHostName, defaultHost, flagHostDescription)
	command.Flags().Int(flagPortName, defaultPort, flagPortDescription)
	bindFlagToViper(command, flagHostName)
	bindFlagToViper(command, flagPortName)
	return command
}

func newLogger() (*zap.Logger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMessageLoggerCreate, err)
	}
	return logger, nil
}

func loadProvider(logger *zap.Logger) (*config.Provider, error) {
	return config.Load(config.LoadOptions{
		SitesPath:    viper.GetString(flagSitesName),
		AccountsPath: viper.GetString(flagAccountsName),
		Logger:       logger,
	})
}

func openStore(logger *zap.Logger) (*state.Store, error) {
	return state.Open(state.Options{Path: viper.GetString(flagStateName), Logger: logger})
}

func runCheckinCommand(command *cobra.Command, _ []string) error {
	logger, loggerErr := newLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() {
		_ = logger.Sync()
	}()

	provider, providerErr := loadProvider(logger)
	if providerErr != nil {
		return providerErr
	}
	store, storeErr := openStore(logger)
	if storeErr != nil {
		return storeErr
	}
	results, resultsErr := state.OpenResultLog(state.ResultLogOptions{
		Path:   viper.GetString(flagResultsName),
		Logger: logger,
	})
	if resultsErr != nil {
		return resultsErr
	}

	solver := newSolver(logger)
	fastClient := fastpath.NewClient(fastpath.Config{
		Solver:  solver,
		Limiter: rate.NewLimiter(rate.Limit(viper.GetFloat64(flagRPSName)), 1),
		Logger:  logger,
	})
	prober := probe.NewProber(probe.Config{Logger: logger})
	automator := oauth.NewAutomator(oauth.Config{
		ProviderBaseURL: viper.GetString(flagProviderName),
		ConnectBaseURL:  viper.GetString(flagConnectName),
		Logger:          logger,
	})

	engine := orchestrator.New(orchestrator.Config{
		Provider:    provider,
		Store:       store,
		Results:     results,
		FastPath:    fastClient,
		Prober:      prober,
		Authorizer:  automator,
		Browser:     newBrowserFactory(logger),
		Concurrency: viper.GetInt(flagConcurrencyName),
		ForceSerial: viper.GetBool(flagSerialName),
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(command.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, runErr := engine.Run(ctx)
	if runErr != nil {
		return runErr
	}

	fmt.Print(report.Format())
	if !report.Succeeded() {
		return errors.New(errMessageNoEffective)
	}
	return nil
}

// newSolver wires the Node challenge sandbox when a runtime exists; without
// one the fast path simply cannot clear inline challenges.
func newSolver(logger *zap.Logger) fastpath.ChallengeSolver {
	sandbox, sandboxErr := challenge.NewNodeSandbox(viper.GetString(flagNodeName))
	if sandboxErr != nil {
		logger.Warn(logMessageSolverOff, zap.Error(sandboxErr))
		return nil
	}
	return challenge.NewSolver(challenge.SolverConfig{Sandbox: sandbox, Logger: logger})
}

func newBrowserFactory(logger *zap.Logger) orchestrator.BrowserFactory {
	return func(ctx context.Context) (orchestrator.BrowserOpener, error) {
		return browser.NewDriver(ctx, browser.Config{
			BinaryPath: viper.GetString(flagChromeName),
			Headful:    viper.GetBool(flagHeadfulName),
			Logger:     logger,
		})
	}
}

func runProbeCommand(command *cobra.Command, _ []string) error {
	logger, loggerErr := newLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() {
		_ = logger.Sync()
	}()

	provider, providerErr := loadProvider(logger)
	if providerErr != nil {
		return providerErr
	}
	store, storeErr := openStore(logger)
	if storeErr != nil {
		return storeErr
	}
	if syncErr := store.Sync(provider.Sites(), provider.Labels()); syncErr != nil {
		return syncErr
	}

	prober := probe.NewProber(probe.Config{Logger: logger})
	findings := prober.ProbeAll(command.Context(), provider.Sites())
	for _, site := range provider.Sites() {
		finding, probed := findings[site.Key]
		if !probed {
			continue
		}
		fmt.Printf("%-20s alive=%-5v version=%-10s checkin=%v\n",
			site.Key, finding.Alive, finding.Version, formatBoolPointer(finding.CheckinEnabled))
		// A failed probe is not persisted; the site stays undiscovered.
		if !finding.Alive {
			continue
		}
		update := state.SiteUpdate{Alive: &finding.Alive}
		if finding.ClientID != "" {
			update.ClientID = &finding.ClientID
		}
		if finding.Version != "" {
			update.Version = &finding.Version
		}
		update.CheckinEnabled = finding.CheckinEnabled
		update.MinTrustLevel = finding.MinTrustLevel
		if updateErr := store.UpdateSite(site.Key, update); updateErr != nil {
			return updateErr
		}
	}
	return nil
}

func runStatusCommand(*cobra.Command, []string) error {
	logger, loggerErr := newLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, storeErr := openStore(logger)
	if storeErr != nil {
		return storeErr
	}
	summary := store.Summary()
	fmt.Printf("sites: %d active, %d skipped, %d removed\n",
		summary.ActiveSites, summary.SkippedSites, summary.RemovedSites)
	fmt.Printf("tasks: %d total, %d success, %d already checked, %d failed, %d pending\n",
		summary.TotalTasks, summary.Success, summary.Already, summary.Failed, summary.Pending)
	return nil
}

func runServeCommand(*cobra.Command, []string) error {
	logger, loggerErr := newLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, storeErr := openStore(logger)
	if storeErr != nil {
		return storeErr
	}
	results, resultsErr := state.OpenResultLog(state.ResultLogOptions{
		Path:   viper.GetString(flagResultsName),
		Logger: logger,
	})
	if resultsErr != nil {
		return resultsErr
	}

	router, routerErr := server.NewRouter(server.RouterConfig{
		State:   store,
		Results: results,
		Logger:  logger,
	})
	if routerErr != nil {
		return routerErr
	}

	address := fmt.Sprintf("%s:%d", viper.GetString(flagHostName), viper.GetInt(flagPortName))
	logger.Info(logMessageStartServer, zap.String(logFieldAddress, address))

	httpServer := &http.Server{Addr: address, Handler: router}
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", errMessageListenServe, err)
	}
	logger.Info(logMessageServerStopped)
	return nil
}

func formatBoolPointer(value *bool) string {
	if value == nil {
		return "unknown"
	}
	return fmt.Sprintf("%v", *value)
}
