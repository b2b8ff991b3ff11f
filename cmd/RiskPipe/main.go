package main

import (
	"errors"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/RiskPipe/internal/api"
	"github.com/BTreeMap/RiskPipe/internal/flow"
	"github.com/BTreeMap/RiskPipe/internal/genai"
	"github.com/BTreeMap/RiskPipe/internal/lockfile"
	"github.com/BTreeMap/RiskPipe/internal/messaging"
	"github.com/BTreeMap/RiskPipe/internal/store"
	"github.com/BTreeMap/RiskPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/RiskPipe/internal/util"
	"github.com/BTreeMap/RiskPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for RiskPipe state data
	DefaultStateDir = "/var/lib/riskpipe"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAppDBFileName is the default SQLite filename for assessments and receipts
	DefaultAppDBFileName = "riskpipe.db"
	// DefaultModelFileName is the classifier artifact looked up in the state directory
	DefaultModelFileName = "model.json"
)

func main() {
	os.Exit(run())
}

// run keeps deferred cleanup ahead of os.Exit.
func run() int {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	if err := validateFlags(flags); err != nil {
		slog.Error("Invalid configuration", "error", err)
		return 2
	}

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		return 1
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		return 1
	}
	defer lock.Release()

	// Build module options
	waOpts := buildWhatsAppOptions(flags)
	twilioOpts := buildTwilioOptions(flags)
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts := buildAPIOptions(flags)

	// Start the service
	slog.Info("Bootstrapping RiskPipe with configured modules")
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "twilio", len(twilioOpts), "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "app_dsn_set", *flags.appDBDSN != "", "model_path", *flags.modelPath, "api_addr", *flags.apiAddr)
	if err := api.Run(waOpts, twilioOpts, storeOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("RiskPipe failed to run", "error", err)
		return 1
	}
	slog.Info("RiskPipe exited successfully")
	return 0
}

// Config holds environment configuration
type Config struct {
	StateDir           string
	WhatsAppDBDSN      string
	ApplicationDBDSN   string
	ModelPath          string
	OpenAIKey          string
	OpenAIModel        string
	GenAIDebug         bool
	APIAddr            string
	StrictAnswers      bool
	SessionIdleTimeout time.Duration
	HookTimeout        time.Duration
	WhatsAppEnabled    bool
	UseTwilio          bool
	TwilioAccountSID   string
	TwilioAuthToken    string
	TwilioFromNumber   string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	whatsappDBDSN *string
	appDBDSN      *string
	modelPath     *string
	openaiKey     *string
	openaiModel   *string
	genaiDebug    *bool
	apiAddr       *string
	strict        *bool
	idleTimeout   *time.Duration
	hookTimeout   *time.Duration
	whatsapp      *bool
	twilio        *bool
	twilioSID     *string
	twilioToken   *string
	twilioFrom    *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
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
		StateDir:           os.Getenv("RISKPIPE_STATE_DIR"),
		WhatsAppDBDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		ApplicationDBDSN:   os.Getenv("DATABASE_DSN"),
		ModelPath:          os.Getenv("RISKPIPE_MODEL_PATH"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        os.Getenv("OPENAI_MODEL"),
		GenAIDebug:         util.ParseBoolEnv("GENAI_DEBUG", false),
		APIAddr:            os.Getenv("API_ADDR"),
		StrictAnswers:      util.ParseBoolEnv("STRICT_ANSWERS", false),
		SessionIdleTimeout: util.ParseDurationEnv("SESSION_IDLE_TIMEOUT", flow.DefaultIdleTimeout),
		HookTimeout:        util.ParseDurationEnv("HOOK_TIMEOUT", messaging.DefaultHookTimeout),
		WhatsAppEnabled:    util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		UseTwilio:          util.ParseBoolEnv("USE_TWILIO", false),
		TwilioAccountSID:   os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:   os.Getenv("TWILIO_FROM_NUMBER"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No RISKPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("RISKPIPE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// DATABASE_DSN wins over the older DATABASE_URL name
	if config.ApplicationDBDSN == "" {
		if legacy := os.Getenv("DATABASE_URL"); legacy != "" {
			config.ApplicationDBDSN = legacy
			slog.Debug("Using DATABASE_URL for application database", "dsn_set", true)
		}
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No application DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}

	// The device store is never shared with DATABASE_URL
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
		slog.Debug("No WhatsApp DSN provided, defaulting to SQLite", "dsn", config.WhatsAppDBDSN)
	}

	if config.ModelPath == "" {
		config.ModelPath = filepath.Join(config.StateDir, DefaultModelFileName)
	}

	slog.Debug("environment variables loaded",
		"RISKPIPE_STATE_DIR", config.StateDir,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"RISKPIPE_MODEL_PATH", config.ModelPath,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"STRICT_ANSWERS", config.StrictAnswers,
		"WHATSAPP_ENABLED", config.WhatsAppEnabled,
		"USE_TWILIO", config.UseTwilio)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := registerFlags(flag.CommandLine, config)
	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"whatsappDBDSN_set", *flags.whatsappDBDSN != "",
		"appDBDSN_set", *flags.appDBDSN != "",
		"modelPath", *flags.modelPath,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"strict", *flags.strict,
		"whatsapp", *flags.whatsapp,
		"twilio", *flags.twilio)

	applyStateDirDefaults(config, flags)
	return flags
}

func registerFlags(fs *flag.FlagSet, config Config) Flags {
	return Flags{
		qrOutput:      fs.String("qr-output", "", "path to write login QR code"),
		numeric:       fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for RiskPipe data (overrides $RISKPIPE_STATE_DIR)"),
		whatsappDBDSN: fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "database DSN for the WhatsApp device store (overrides $WHATSAPP_DB_DSN)"),
		appDBDSN:      fs.String("app-db-dsn", config.ApplicationDBDSN, "database DSN for assessments and receipts (overrides $DATABASE_DSN or $DATABASE_URL)"),
		modelPath:     fs.String("model", config.ModelPath, "path to the classifier artifact (overrides $RISKPIPE_MODEL_PATH)"),
		openaiKey:     fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key for result narration (overrides $OPENAI_API_KEY)"),
		openaiModel:   fs.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		genaiDebug:    fs.Bool("genai-debug", config.GenAIDebug, "write GenAI requests and responses under the state directory (overrides $GENAI_DEBUG)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		strict:        fs.Bool("strict-answers", config.StrictAnswers, "re-ask questions whose answers cannot be parsed (overrides $STRICT_ANSWERS)"),
		idleTimeout:   fs.Duration("session-idle-timeout", config.SessionIdleTimeout, "drop chat sessions idle for longer than this (overrides $SESSION_IDLE_TIMEOUT)"),
		hookTimeout:   fs.Duration("hook-timeout", config.HookTimeout, "tell a participant their reply is delayed after this long (overrides $HOOK_TIMEOUT)"),
		whatsapp:      fs.Bool("whatsapp", config.WhatsAppEnabled, "run the questionnaire over a linked WhatsApp device (overrides $WHATSAPP_ENABLED)"),
		twilio:        fs.Bool("twilio", config.UseTwilio, "run the questionnaire over Twilio WhatsApp (overrides $USE_TWILIO)"),
		twilioSID:     fs.String("twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:   fs.String("twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:    fs.String("twilio-from", config.TwilioFromNumber, "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)"),
	}
}

// applyStateDirDefaults moves every path that was derived from the environment's
// state directory under the state directory given on the command line.
func applyStateDirDefaults(config Config, flags Flags) {
	if *flags.stateDir == config.StateDir {
		return
	}
	if *flags.whatsappDBDSN == defaultWhatsAppDSN(config.StateDir) {
		*flags.whatsappDBDSN = defaultWhatsAppDSN(*flags.stateDir)
	}
	if *flags.appDBDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
		*flags.appDBDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
	}
	if *flags.modelPath == filepath.Join(config.StateDir, DefaultModelFileName) {
		*flags.modelPath = filepath.Join(*flags.stateDir, DefaultModelFileName)
	}
	slog.Debug("Updated state directory defaults", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
}

func validateFlags(flags Flags) error {
	if *flags.whatsapp && *flags.twilio {
		return errors.New("WhatsApp and Twilio transports cannot both be enabled")
	}
	if *flags.modelPath == "" {
		return errors.New("a classifier artifact path is required")
	}
	return nil
}

// ensureDirectoriesExist creates parent directories for file-based databases
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if store.DetectDSNType(*flags.appDBDSN) != "postgres" {
		dirs = append(dirs, filepath.Dir(*flags.appDBDSN))
	}
	if *flags.whatsapp && store.DetectDSNType(*flags.whatsappDBDSN) != "postgres" {
		dirs = append(dirs, filepath.Dir(sqliteFilePath(*flags.whatsappDBDSN)))
	}
	for _, dir := range dirs {
		slog.Debug("Creating state directory", "dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// sqliteFilePath strips the "file:" scheme and query from a SQLite DSN.
func sqliteFilePath(dsn string) string {
	path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	return path
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
	if *flags.whatsappDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDBDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio configuration options
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if *flags.twilioSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(*flags.twilioSID))
	}
	if *flags.twilioToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(*flags.twilioToken))
	}
	if *flags.twilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(*flags.twilioFrom))
	}
	return opts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.appDBDSN == "" {
		slog.Debug("No application DSN provided, will use in-memory store")
		return storeOpts
	}
	if store.DetectDSNType(*flags.appDBDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.appDBDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.appDBDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.appDBDSN))
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	if *flags.genaiDebug {
		genaiOpts = append(genaiOpts, genai.WithDebugMode(*flags.stateDir))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithModelPath(*flags.modelPath),
		api.WithStrictAnswers(*flags.strict),
		api.WithSessionIdleTimeout(*flags.idleTimeout),
		api.WithHookTimeout(*flags.hookTimeout),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	switch {
	case *flags.whatsapp:
		apiOpts = append(apiOpts, api.WithTransport(api.TransportWhatsApp))
	case *flags.twilio:
		apiOpts = append(apiOpts, api.WithTransport(api.TransportTwilio))
	}
	return apiOpts
}
