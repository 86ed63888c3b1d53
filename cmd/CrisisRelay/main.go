package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/CrisisRelay/internal/api"
	"github.com/BTreeMap/CrisisRelay/internal/config"
	"github.com/BTreeMap/CrisisRelay/internal/genai"
	"github.com/BTreeMap/CrisisRelay/internal/lockfile"
	"github.com/BTreeMap/CrisisRelay/internal/store"
	"github.com/BTreeMap/CrisisRelay/internal/util"
	"github.com/BTreeMap/CrisisRelay/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CrisisRelay state data
	DefaultStateDir = "/var/lib/crisisrelay"
	// DefaultAppDBFileName is the default SQLite database for sessions, audit and queued notifications
	DefaultAppDBFileName = "crisisrelay.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultConfigFileName is looked up in the state directory when no config path is given
	DefaultConfigFileName = "crisisrelay.toml"
)

func main() {
	initializeLogger(slog.LevelInfo)

	env := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], env)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	cfg, err := config.Load(*flags.configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err, "path", *flags.configPath)
		os.Exit(1)
	}
	applyEnvOverrides(cfg, env)
	level := cfg.SlogLevel()
	if *flags.logLevel != "" {
		level = *flags.logLevel
	}
	initializeLogger(parseLevel(level))

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		var lockErr *lockfile.LockError
		if errors.As(err, &lockErr) {
			slog.Error("CrisisRelay is already running", "lockPath", lockErr.LockPath, "holder", lockErr.Holder.String())
		} else {
			slog.Error("Failed to lock state directory", "error", err)
		}
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	slog.Info("Bootstrapping CrisisRelay", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr, "whatsapp", *flags.whatsapp, "genai", *flags.openaiKey != "")
	runErr := run(ctx, cfg, flags)
	stop()
	if err := lock.Release(); err != nil {
		slog.Warn("Failed to release state directory lock", "error", err)
	}
	if runErr != nil {
		slog.Error("CrisisRelay failed to run", "error", runErr)
		os.Exit(1)
	}
	slog.Info("CrisisRelay exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	WhatsAppEnabled  bool
	OpenAIKey        string
	OpenAIModel      string
	APIAddr          string
	ConfigPath       string
	OriginSalt       string
	LogLevel         string
	AllowedOrigins   string
	// Zero values mean "not set"; the config file or its defaults apply.
	NotifyMaxAttempts  int
	NotifyPollInterval time.Duration
}

// Flags holds command line flag values
type Flags struct {
	qrOutput       *string
	numeric        *bool
	whatsapp       *bool
	stateDir       *string
	dbDSN          *string
	whatsappDSN    *string
	openaiKey      *string
	openaiModel    *string
	apiAddr        *string
	configPath     *string
	logLevel       *string
	originSalt     *string
	disableSocket  *bool
	allowedOrigins *string
}

// initializeLogger sets up structured logging at the given level
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("CRISISRELAY_STATE_DIR"),
		ApplicationDBDSN: os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		WhatsAppEnabled:  util.ParseBoolEnv("WHATSAPP_ENABLED", false),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      os.Getenv("OPENAI_MODEL"),
		APIAddr:          os.Getenv("API_ADDR"),
		ConfigPath:       os.Getenv("CRISISRELAY_CONFIG"),
		OriginSalt:       os.Getenv("ORIGIN_HASH_SALT"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		AllowedOrigins:   os.Getenv("ALLOWED_ORIGINS"),

		NotifyMaxAttempts:  util.ParseIntEnv("NOTIFY_MAX_ATTEMPTS", 0),
		NotifyPollInterval: util.ParseDurationEnv("NOTIFY_POLL_INTERVAL", 0),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CRISISRELAY_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// DATABASE_URL is accepted when DATABASE_DSN is not set.
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.ConfigPath == "" {
		config.ConfigPath = filepath.Join(config.StateDir, DefaultConfigFileName)
	}

	slog.Debug("environment variables loaded",
		"CRISISRELAY_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"WHATSAPP_ENABLED", config.WhatsAppEnabled,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"CRISISRELAY_CONFIG", config.ConfigPath,
		"ORIGIN_HASH_SALT_SET", config.OriginSalt != "")

	return config
}

// applyEnvOverrides lets deployments tune the notification queue without editing the
// config file.
func applyEnvOverrides(cfg *config.Config, env Config) {
	if env.NotifyMaxAttempts > 0 {
		cfg.Notify.MaxAttempts = env.NotifyMaxAttempts
	}
	if env.NotifyPollInterval > 0 {
		cfg.Notify.PollInterval = config.Duration{Duration: env.NotifyPollInterval}
	}
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		qrOutput:       fs.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:        fs.Bool("numeric-code", false, "use numeric WhatsApp login code instead of QR code"),
		whatsapp:       fs.Bool("whatsapp", config.WhatsAppEnabled, "notify through a linked WhatsApp device (overrides $WHATSAPP_ENABLED)"),
		stateDir:       fs.String("state-dir", config.StateDir, "state directory for CrisisRelay data (overrides $CRISISRELAY_STATE_DIR)"),
		dbDSN:          fs.String("db-dsn", config.ApplicationDBDSN, "application database DSN (overrides $DATABASE_DSN or $DATABASE_URL)"),
		whatsappDSN:    fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "WhatsApp device database DSN (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:      fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key for risk assessment (overrides $OPENAI_API_KEY)"),
		openaiModel:    fs.String("openai-model", config.OpenAIModel, "OpenAI model for risk assessment (overrides $OPENAI_MODEL)"),
		apiAddr:        fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		configPath:     fs.String("config", config.ConfigPath, "TOML configuration file (overrides $CRISISRELAY_CONFIG)"),
		logLevel:       fs.String("log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL and the config file)"),
		originSalt:     fs.String("origin-salt", config.OriginSalt, "salt for hashing session origin addresses (overrides $ORIGIN_HASH_SALT)"),
		disableSocket:  fs.Bool("no-websocket", false, "disable the /ws endpoint"),
		allowedOrigins: fs.String("allowed-origins", config.AllowedOrigins, "comma-separated browser origins allowed to open /ws, or * for any (overrides $ALLOWED_ORIGINS)"),
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"whatsapp", *flags.whatsapp,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"config", *flags.configPath)

	// Follow a --state-dir override for paths that were only defaulted from the old state dir.
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if *flags.whatsappDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.whatsappDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
		if *flags.configPath == filepath.Join(config.StateDir, DefaultConfigFileName) {
			*flags.configPath = filepath.Join(*flags.stateDir, DefaultConfigFileName)
		}
		slog.Debug("Updated state paths based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags, nil
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if *flags.dbDSN != "memory" && store.DetectDSNType(*flags.dbDSN) == "sqlite3" {
		dirs = append(dirs, filepath.Dir(sqlitePath(*flags.dbDSN)))
	}
	if *flags.whatsapp && store.DetectDSNType(*flags.whatsappDSN) == "sqlite3" {
		dirs = append(dirs, filepath.Dir(sqlitePath(*flags.whatsappDSN)))
	}
	for _, dir := range dirs {
		slog.Debug("Creating state directory", "dir", dir)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			slog.Error("Failed to create state directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// sqlitePath strips the "file:" scheme and query parameters from a SQLite DSN.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
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
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	return waOpts
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
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, cfg *config.Config) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if cfg.Monitor.ReportWindow.Duration > 0 {
		apiOpts = append(apiOpts, api.WithReportWindow(cfg.Monitor.ReportWindow.Duration))
	}
	return apiOpts
}
