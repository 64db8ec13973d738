package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	Import ImportConfig `yaml:"import" mapstructure:"import"`
	Commit CommitConfig `yaml:"commit" mapstructure:"commit"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ImportConfig configures validation and merge behavior of import runs.
type ImportConfig struct {
	// HeaderMap is an optional YAML file of header equivalences merged over
	// the built-in table.
	HeaderMap string `yaml:"header_map" mapstructure:"header_map"`
	// QuestionMap is an optional YAML file mapping column headers to
	// question slugs.
	QuestionMap string `yaml:"question_map" mapstructure:"question_map"`
	SheetName   string `yaml:"sheet_name" mapstructure:"sheet_name"`
	// MaxSampleSetSize caps the members of one sample set.
	MaxSampleSetSize int `yaml:"max_sample_set_size" mapstructure:"max_sample_set_size"`
	// AbortErrorThreshold aborts a run at a checkpoint once the accumulated
	// error count reaches it. Zero never aborts.
	AbortErrorThreshold int    `yaml:"abort_error_threshold" mapstructure:"abort_error_threshold"`
	Overwrite           bool   `yaml:"overwrite" mapstructure:"overwrite"`
	ReportMissing       bool   `yaml:"report_missing" mapstructure:"report_missing"`
	FailFast            bool   `yaml:"fail_fast" mapstructure:"fail_fast"`
	CreateSubdivisions  bool   `yaml:"create_subdivisions" mapstructure:"create_subdivisions"`
	AnswerSeparator     string `yaml:"answer_separator" mapstructure:"answer_separator"`
}

// CommitConfig configures read-after-write verification during commit.
type CommitConfig struct {
	VerifyAttempts  int `yaml:"verify_attempts" mapstructure:"verify_attempts"`
	VerifyBackoffMs int `yaml:"verify_backoff_ms" mapstructure:"verify_backoff_ms"`
}

// ServerConfig configures the read-only run server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("homecert")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("HOMECERT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "homecert.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("import.max_sample_set_size", 7)
	v.SetDefault("import.abort_error_threshold", 0)
	v.SetDefault("import.overwrite", false)
	v.SetDefault("import.report_missing", false)
	v.SetDefault("import.fail_fast", false)
	v.SetDefault("import.create_subdivisions", true)
	v.SetDefault("import.answer_separator", "|")
	v.SetDefault("commit.verify_attempts", 3)
	v.SetDefault("commit.verify_backoff_ms", 50)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. mode selects extra
// command-specific checks ("import", "serve"); "" runs the common checks.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	switch mode {
	case "import":
		if c.Import.MaxSampleSetSize < 1 {
			errs = append(errs, fmt.Sprintf("import.max_sample_set_size must be >= 1, got %d", c.Import.MaxSampleSetSize))
		}
		if c.Import.AbortErrorThreshold < 0 {
			errs = append(errs, fmt.Sprintf("import.abort_error_threshold must be >= 0, got %d", c.Import.AbortErrorThreshold))
		}
		if c.Commit.VerifyAttempts < 1 {
			errs = append(errs, "commit.verify_attempts must be >= 1")
		}
	case "serve":
		if c.Server.Port < 1 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
