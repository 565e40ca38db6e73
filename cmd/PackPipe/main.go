package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/PackPipe/internal/api"
	"github.com/BTreeMap/PackPipe/internal/cache"
	"github.com/BTreeMap/PackPipe/internal/flow"
	"github.com/BTreeMap/PackPipe/internal/genai"
	"github.com/BTreeMap/PackPipe/internal/lockfile"
	"github.com/BTreeMap/PackPipe/internal/messaging"
	"github.com/BTreeMap/PackPipe/internal/packs"
	"github.com/BTreeMap/PackPipe/internal/recovery"
	"github.com/BTreeMap/PackPipe/internal/scheduler"
	"github.com/BTreeMap/PackPipe/internal/store"
	"github.com/BTreeMap/PackPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/PackPipe/internal/util"
	"github.com/BTreeMap/PackPipe/internal/whatsapp"
	"github.com/BTreeMap/PackPipe/internal/worker"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PackPipe state data
	DefaultStateDir = "/var/lib/packpipe"
	// DefaultAppDBFileName is the default SQLite database filename for jobs, outbox and dedup
	DefaultAppDBFileName = "packpipe.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for the WhatsApp session
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultBotName suffixes generated pack names
	DefaultBotName = "packpipe"
	// DefaultLogLevel is used when PACKPIPE_LOG_LEVEL is unset
	DefaultLogLevel = "info"

	TransportWhatsApp = "whatsapp"
	TransportTwilio   = "twilio"
)

// Background intervals and retention windows.
const (
	DefaultJobPollInterval    = 2 * time.Second
	DefaultOutboxPollInterval = time.Second
	DefaultCacheSweepInterval = time.Hour
	DefaultDedupRetention     = 7 * 24 * time.Hour
	DefaultOutboxRetention    = 7 * 24 * time.Hour
	DefaultMediaRetention     = 24 * time.Hour
)

func main() {
	// Initialize structured logger
	initializeLogger(DefaultLogLevel)

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}
	initializeLogger(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping PackPipe with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "transport", *flags.transport,
		"dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "worker_url", *flags.workerURL)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("PackPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("PackPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	Transport        string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	WorkerURL        string
	OpenAIKey        string
	APIAddr          string
	PublicBaseURL    string
	BotName          string
	LogLevel         string
	BatchDebounce    time.Duration
	SendRate         float64
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	dbDSN         *string
	whatsappDSN   *string
	transport     *string
	workerURL     *string
	openaiKey     *string
	apiAddr       *string
	publicURL     *string
	botName       *string
	logLevel      *string
	batchDebounce *time.Duration
	sendRate      *float64
}

// initializeLogger sets up structured logging at the given level
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

func defaultAppDSN(stateDir string) string {
	return filepath.Join(stateDir, DefaultAppDBFileName)
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("PACKPIPE_STATE_DIR"),
		ApplicationDBDSN: os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		Transport:        strings.ToLower(strings.TrimSpace(os.Getenv("PACKPIPE_TRANSPORT"))),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		WorkerURL:        os.Getenv("WORKER_URL"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		APIAddr:          os.Getenv("API_ADDR"),
		PublicBaseURL:    os.Getenv("PUBLIC_BASE_URL"),
		BotName:          os.Getenv("BOT_NAME"),
		LogLevel:         os.Getenv("PACKPIPE_LOG_LEVEL"),
		BatchDebounce:    util.ParseDurationEnv("BATCH_DEBOUNCE", flow.DefaultDebounce),
		SendRate:         util.ParseFloatEnv("SEND_RATE", messaging.DefaultSendRate),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No PACKPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = defaultAppDSN(config.StateDir)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}
	if config.Transport == "" {
		config.Transport = TransportWhatsApp
	}
	if config.BotName == "" {
		config.BotName = DefaultBotName
	}
	if config.LogLevel == "" {
		config.LogLevel = DefaultLogLevel
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultServerAddress
	}

	slog.Debug("environment variables loaded",
		"PACKPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"WHATSAPP_DB_DSN_SET", os.Getenv("WHATSAPP_DB_DSN") != "",
		"PACKPIPE_TRANSPORT", config.Transport,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"WORKER_URL", config.WorkerURL,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"PUBLIC_BASE_URL", config.PublicBaseURL,
		"BOT_NAME", config.BotName,
		"BATCH_DEBOUNCE", config.BatchDebounce,
		"SEND_RATE", config.SendRate)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		qrOutput:      fs.String("qr-output", "", "path to write login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for PackPipe data (overrides $PACKPIPE_STATE_DIR)"),
		dbDSN:         fs.String("db-dsn", config.ApplicationDBDSN, "database DSN for jobs, outbox and dedup (overrides $DATABASE_URL)"),
		whatsappDSN:   fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "database DSN for the WhatsApp session (overrides $WHATSAPP_DB_DSN)"),
		transport:     fs.String("transport", config.Transport, "messaging transport: whatsapp or twilio (overrides $PACKPIPE_TRANSPORT)"),
		workerURL:     fs.String("worker-url", config.WorkerURL, "conversion worker base URL (overrides $WORKER_URL)"),
		openaiKey:     fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		publicURL:     fs.String("public-url", config.PublicBaseURL, "public base URL for media and pack links (overrides $PUBLIC_BASE_URL)"),
		botName:       fs.String("bot-name", config.BotName, "suffix of generated pack names (overrides $BOT_NAME)"),
		logLevel:      fs.String("log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $PACKPIPE_LOG_LEVEL)"),
		batchDebounce: fs.Duration("batch-debounce", config.BatchDebounce, "quiet period before the batch ready prompt (overrides $BATCH_DEBOUNCE)"),
		sendRate:      fs.Float64("send-rate", config.SendRate, "outbound messages per second (overrides $SEND_RATE)"),
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"transport", *flags.transport,
		"workerURL", *flags.workerURL,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr)

	// Default database DSNs follow an overridden state directory
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == defaultAppDSN(config.StateDir) {
			*flags.dbDSN = defaultAppDSN(*flags.stateDir)
		}
		if *flags.whatsappDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.whatsappDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
		slog.Debug("Updated default DSNs based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	switch *flags.transport {
	case TransportWhatsApp, TransportTwilio:
	default:
		return Flags{}, fmt.Errorf("unknown transport %q (want %s or %s)", *flags.transport, TransportWhatsApp, TransportTwilio)
	}
	if *flags.publicURL == "" {
		*flags.publicURL = defaultPublicURL(*flags.apiAddr)
	}
	return flags, nil
}

// defaultPublicURL points at the local API server.
func defaultPublicURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "http://localhost" + addr
	}
	return "http://" + addr
}

// statePaths are the directories PackPipe keeps under its state directory.
type statePaths struct {
	work   string
	cache  string
	packs  string
	media  string
	output string
}

func newStatePaths(stateDir string) statePaths {
	return statePaths{
		work:   filepath.Join(stateDir, "work"),
		cache:  filepath.Join(stateDir, "cache"),
		packs:  filepath.Join(stateDir, "packs"),
		media:  filepath.Join(stateDir, "media"),
		output: filepath.Join(stateDir, "outputs"),
	}
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags, paths statePaths) error {
	dirs := []string{*flags.stateDir, paths.work, paths.cache, paths.packs, paths.media, paths.output}
	// SQLite DSNs need their parent directory
	if store.DetectDSNType(*flags.dbDSN) == "sqlite3" {
		dirs = append(dirs, filepath.Dir(strings.TrimPrefix(*flags.dbDSN, "file:")))
	}
	for _, dir := range dirs {
		slog.Debug("Creating directory", "dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var twOpts []twiliowhatsapp.Option
	if config.TwilioSID != "" {
		twOpts = append(twOpts, twiliowhatsapp.WithAccountSID(config.TwilioSID))
	}
	if config.TwilioToken != "" {
		twOpts = append(twOpts, twiliowhatsapp.WithAuthToken(config.TwilioToken))
	}
	if config.TwilioFrom != "" {
		twOpts = append(twOpts, twiliowhatsapp.WithFromWhats(config.TwilioFrom))
	}
	return twOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags, paths statePaths) []genai.Option {
	genaiOpts := []genai.Option{genai.WithOutputDir(paths.output)}
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildWorkerOptions constructs conversion worker options
func buildWorkerOptions(flags Flags, paths statePaths) []worker.Option {
	return []worker.Option{
		worker.WithBaseURL(*flags.workerURL),
		worker.WithOutputDir(paths.output),
	}
}

// buildFlowOptions constructs conversation flow options
func buildFlowOptions(flags Flags, paths statePaths) []flow.Option {
	return []flow.Option{
		flow.WithBotName(*flags.botName),
		flow.WithWorkDir(paths.work),
		flow.WithDebounce(*flags.batchDebounce),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, storeMode string, publisher packs.Publisher, webhook api.WebhookHandler, mediaDir string) []api.Option {
	apiOpts := []api.Option{
		api.WithStoreMode(storeMode),
		api.WithPacks(publisher),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if webhook != nil {
		apiOpts = append(apiOpts, api.WithWebhook(webhook), api.WithMediaDir(mediaDir))
	}
	return apiOpts
}

// buildGateway connects the configured transport. The Twilio gateway is also
// returned separately because it serves the webhook and owns published media.
func buildGateway(config Config, flags Flags, paths statePaths) (messaging.Gateway, *messaging.TwilioGateway, error) {
	switch *flags.transport {
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(config)...)
		if err != nil {
			return nil, nil, fmt.Errorf("twilio client: %w", err)
		}
		gw, err := messaging.NewTwilioGateway(client, paths.media, *flags.publicURL)
		if err != nil {
			return nil, nil, fmt.Errorf("twilio gateway: %w", err)
		}
		return gw, gw, nil
	default:
		client, err := whatsapp.NewClient(buildWhatsAppOptions(flags)...)
		if err != nil {
			return nil, nil, fmt.Errorf("whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppGateway(client), nil, nil
	}
}

// buildGenerators picks the sticker generator and the blueprint planner.
// Generation goes to OpenAI when a key is configured and to the worker
// otherwise; planning falls back to the template catalog.
func buildGenerators(flags Flags, paths statePaths, converter *worker.Client, catalog *flow.CatalogPlanner) (flow.Generator, flow.Planner) {
	if *flags.openaiKey == "" && os.Getenv("OPENAI_API_KEY") == "" {
		slog.Info("No OpenAI API key configured, generating with the worker and planning from templates")
		return converter, catalog
	}
	client, err := genai.NewClient(buildGenAIOptions(flags, paths)...)
	if err != nil {
		slog.Warn("GenAI client unavailable, generating with the worker", "error", err)
		return converter, catalog
	}
	return client, genai.NewPlanner(client, catalog)
}

// scheduleHousekeeping registers the periodic pruning tasks.
func scheduleHousekeeping(sched *scheduler.Scheduler, st store.Store, twilio *messaging.TwilioGateway) error {
	if err := sched.AddJob("dedup-prune", "@every 1h", func(ctx context.Context) error {
		n, err := st.PruneInbound(time.Now().Add(-DefaultDedupRetention))
		if n > 0 {
			slog.Info("housekeeping: pruned dedup records", "count", n)
		}
		return err
	}); err != nil {
		return err
	}
	if err := sched.AddJob("outbox-prune", "@every 1h", func(ctx context.Context) error {
		n, err := st.DeleteFinishedOutboxMessages(time.Now().Add(-DefaultOutboxRetention))
		if n > 0 {
			slog.Info("housekeeping: pruned outbox messages", "count", n)
		}
		return err
	}); err != nil {
		return err
	}
	if twilio != nil {
		if err := sched.AddJob("media-prune", "@every 30m", func(ctx context.Context) error {
			n, err := twilio.PruneMedia(DefaultMediaRetention)
			if n > 0 {
				slog.Info("housekeeping: pruned published media", "count", n)
			}
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// run wires every module and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, config Config, flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Failed to release state lock", "error", err)
		}
	}()

	paths := newStatePaths(*flags.stateDir)
	if err := ensureDirectoriesExist(flags, paths); err != nil {
		return err
	}
	if *flags.workerURL == "" {
		return errors.New("WORKER_URL is required")
	}

	st, durable := store.OpenWithFallback(buildStoreOptions(flags)...)
	defer st.Close()
	storeMode := "durable"
	if !durable {
		storeMode = "memory"
		slog.Warn("Running with the in-memory store; jobs will not survive a restart")
	}

	artifactCache, err := cache.New(cache.WithDir(paths.cache), cache.WithWorkDir(paths.work))
	if err != nil {
		return fmt.Errorf("artifact cache: %w", err)
	}
	converter, err := worker.NewClient(buildWorkerOptions(flags, paths)...)
	if err != nil {
		return fmt.Errorf("worker client: %w", err)
	}
	catalog, err := flow.NewCatalogPlanner()
	if err != nil {
		return fmt.Errorf("template catalog: %w", err)
	}
	generator, planner := buildGenerators(flags, paths, converter, catalog)
	publisher, err := packs.NewLocalPublisher(packs.WithDir(paths.packs), packs.WithBaseURL(*flags.publicURL))
	if err != nil {
		return fmt.Errorf("pack publisher: %w", err)
	}

	gw, twilio, err := buildGateway(config, flags, paths)
	if err != nil {
		return err
	}
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	defer func() {
		if err := gw.Stop(); err != nil {
			slog.Warn("Failed to stop gateway", "error", err)
		}
	}()
	messenger := messaging.NewRateLimitedGateway(gw, *flags.sendRate, messaging.DefaultSendBurst)

	sessions := flow.NewSessionStore()
	f := flow.New(flow.Deps{
		Sessions:  sessions,
		Jobs:      store.NewJobQueue(st, store.DefaultJobRetention),
		Outbox:    st,
		Messenger: messenger,
		Converter: converter,
		Generator: generator,
		Planner:   planner,
		Catalog:   catalog,
		Cache:     artifactCache,
		Publisher: publisher,
	}, buildFlowOptions(flags, paths)...)
	defer f.Close()

	processor := store.NewJobProcessor(st, DefaultJobPollInterval, store.WithNotifier(f.NotifyJob))
	f.RegisterJobHandlers(processor)
	sender := store.NewOutboxSender(st, f.DeliverOutbox, DefaultOutboxPollInterval)

	rm := recovery.NewRecoveryManager(st)
	rm.RegisterRecoverable("outbox", recovery.OutboxRecovery(sender))
	rm.RegisterRecoverable("jobs", recovery.JobRecovery(processor))
	rm.RegisterRecoverable("dedup", recovery.DedupRecovery(DefaultDedupRetention))
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Error("Startup recovery incomplete", "error", err)
	}

	sched := scheduler.NewScheduler()
	if err := scheduleHousekeeping(sched, st, twilio); err != nil {
		return fmt.Errorf("schedule housekeeping: %w", err)
	}

	var webhook api.WebhookHandler
	if twilio != nil {
		webhook = twilio
	}
	server := api.NewServer(st, buildAPIOptions(flags, storeMode, publisher, webhook, paths.media)...)
	dispatcher := messaging.NewDispatcher(gw.Events(), f, st)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { processor.Run(gctx); return nil })
	g.Go(func() error { sender.Run(gctx); return nil })
	g.Go(func() error { sessions.Run(gctx, flow.DefaultSessionSweep, flow.DefaultSessionIdle); return nil })
	g.Go(func() error { artifactCache.Run(gctx, DefaultCacheSweepInterval); return nil })
	g.Go(func() error { sched.Run(gctx); return nil })
	g.Go(func() error { dispatcher.Run(gctx); return nil })
	g.Go(func() error { return server.Run(gctx) })

	slog.Info("PackPipe running", "transport", *flags.transport, "store", storeMode, "api_addr", *flags.apiAddr)
	return g.Wait()
}
