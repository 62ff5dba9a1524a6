package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/relasapp/relas/internal/api"
	"github.com/relasapp/relas/internal/flow"
	"github.com/relasapp/relas/internal/genai"
	"github.com/relasapp/relas/internal/messaging"
	"github.com/relasapp/relas/internal/store"
	"github.com/relasapp/relas/internal/twiliosms"
	"github.com/relasapp/relas/internal/util"
	"github.com/relasapp/relas/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Relas state data
	DefaultStateDir = "/var/lib/relas"
	// DefaultAppDBFileName is the default SQLite database filename for
	// application data
	DefaultAppDBFileName = "relas.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for
	// whatsmeow session state
	DefaultWhatsAppDBFileName = "whatsmeow.db"

	// BackendTwilio delivers over the Twilio REST API (SMS and WhatsApp).
	BackendTwilio = "twilio"
	// BackendWhatsmeow delivers WhatsApp directly over whatsmeow, with
	// Twilio handling SMS.
	BackendWhatsmeow = "whatsmeow"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	st, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	aiClient, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		slog.Error("Failed to initialize AI client", "error", err)
		os.Exit(1)
	}

	msgService, err := buildMessagingService(flags)
	if err != nil {
		slog.Error("Failed to initialize messaging backend", "error", err)
		os.Exit(1)
	}
	dispatcher := messaging.NewDispatcher(msgService)

	orchestrator := flow.NewOrchestrator(st, st, aiClient, dispatcher, buildOrchestratorOptions(config)...)
	var welcomeOpts []flow.WelcomeOption
	if config.WelcomeDelay != flow.DefaultWelcomeDelay {
		welcomeOpts = append(welcomeOpts, flow.WithWelcomeDelay(config.WelcomeDelay))
	}
	welcome := flow.NewWelcome(st, dispatcher, welcomeOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(st, st, orchestrator, welcome, buildAPIOptions(flags, config)...)
	slog.Info("Bootstrapping Relas with configured modules",
		"backend", *flags.backend, "api_addr", *flags.apiAddr, "dsn_set", *flags.appDBDSN != "")
	if err := server.Run(ctx); err != nil {
		slog.Error("Relas failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Relas exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	OpenAIKey        string
	APIAddr          string
	Backend          string
	DispatchPolicy   string
	RequestTimeout   time.Duration
	DedupTTL         time.Duration
	WelcomeDelay     time.Duration
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	appDBDSN      *string
	whatsappDBDSN *string
	openaiKey     *string
	apiAddr       *string
	backend       *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("RELAS_STATE_DIR"),
		ApplicationDBDSN: os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		APIAddr:          os.Getenv("API_ADDR"),
		Backend:          os.Getenv("MESSAGING_BACKEND"),
		DispatchPolicy:   os.Getenv("DISPATCH_FAILURE_POLICY"),
		RequestTimeout:   util.ParseDurationEnv("REQUEST_TIMEOUT", flow.DefaultRequestTimeout),
		DedupTTL:         util.ParseDurationEnv("DEDUP_TTL", api.DefaultDedupTTL),
		WelcomeDelay:     util.ParseDurationEnv("WELCOME_DELAY", flow.DefaultWelcomeDelay),
	}

	// Legacy: DATABASE_URL serves as the application DSN when DATABASE_DSN
	// is absent.
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
		if config.ApplicationDBDSN != "" {
			slog.Debug("Using DATABASE_URL as application DSN", "dsn_set", true)
		}
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No RELAS_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	if config.Backend == "" {
		config.Backend = BackendTwilio
	}

	slog.Debug("environment variables loaded",
		"RELAS_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"MESSAGING_BACKEND", config.Backend,
		"DISPATCH_FAILURE_POLICY", config.DispatchPolicy)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:       flag.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for Relas data (overrides $RELAS_STATE_DIR)"),
		appDBDSN:      flag.String("db-dsn", config.ApplicationDBDSN, "database DSN for application data (overrides $DATABASE_DSN or $DATABASE_URL)"),
		whatsappDBDSN: flag.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "database DSN for WhatsApp session state (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		backend:       flag.String("messaging-backend", config.Backend, "messaging backend: twilio or whatsmeow (overrides $MESSAGING_BACKEND)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"appDBDSN_set", *flags.appDBDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"backend", *flags.backend)

	// Re-derive DSN defaults when the state directory was overridden on the
	// command line but the DSNs were not.
	if *flags.stateDir != config.StateDir {
		if *flags.appDBDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.appDBDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
			slog.Debug("Updated application DSN based on state directory", "new_state_dir", *flags.stateDir)
		}
		if *flags.whatsappDBDSN == "file:"+filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on" {
			*flags.whatsappDBDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
			slog.Debug("Updated WhatsApp DSN based on state directory", "new_state_dir", *flags.stateDir)
		}
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.appDBDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.appDBDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// appStore combines the persistence interfaces the pipeline needs.
type appStore interface {
	store.Store
	store.DedupRepo
}

// buildStore selects the storage backend from the DSN.
func buildStore(flags Flags) (appStore, error) {
	if store.DetectDSNType(*flags.appDBDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgres")
		st, err := store.NewPostgresStore(store.WithDSN(*flags.appDBDSN))
		if err != nil {
			return nil, err
		}
		return st, nil
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.appDBDSN)
	st, err := store.NewSQLiteStore(store.WithDSN(*flags.appDBDSN))
	if err != nil {
		return nil, err
	}
	return st, nil
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	return genaiOpts
}

// buildMessagingService wires the delivery backend. Twilio credentials come
// from the environment in both modes; whatsmeow mode additionally maintains
// its own WhatsApp session and uses Twilio only for SMS.
func buildMessagingService(flags Flags) (messaging.Service, error) {
	twilioClient, twilioErr := twiliosms.NewClient()

	if *flags.backend == BackendWhatsmeow {
		var waOpts []whatsapp.Option
		if *flags.whatsappDBDSN != "" {
			waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
		}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		waClient, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return nil, err
		}
		if twilioErr != nil {
			slog.Warn("buildMessagingService: Twilio unavailable, SMS fallback disabled", "error", twilioErr)
			return messaging.NewWhatsmeowService(waClient, nil), nil
		}
		return messaging.NewWhatsmeowService(waClient, twilioClient), nil
	}

	if twilioErr != nil {
		return nil, twilioErr
	}
	return messaging.NewTwilioService(twilioClient), nil
}

// buildOrchestratorOptions constructs pipeline configuration options
func buildOrchestratorOptions(config Config) []flow.OrchestratorOption {
	var opts []flow.OrchestratorOption
	if config.RequestTimeout > 0 && config.RequestTimeout != flow.DefaultRequestTimeout {
		opts = append(opts, flow.WithRequestTimeout(config.RequestTimeout))
	}
	if config.DispatchPolicy == string(flow.DispatchFailureFail) {
		opts = append(opts, flow.WithDispatchFailurePolicy(flow.DispatchFailureFail))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, config Config) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if config.DedupTTL > 0 && config.DedupTTL != api.DefaultDedupTTL {
		apiOpts = append(apiOpts, api.WithDedupTTL(config.DedupTTL))
	}
	return apiOpts
}
