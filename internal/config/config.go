// Package config loads ledger settings from environment variables and an
// optional config file.
//
// Every key can be set through the environment with the LEDGER_ prefix and
// dots replaced by underscores, e.g. store.backend -> LEDGER_STORE_BACKEND.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Backend names accepted by store.backend and log.backend.
const (
	BackendFile       = "file"
	BackendDynamoDB   = "dynamodb"
	BackendImmuDB     = "immudb"
	BackendTimestream = "timestream"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "LEDGER"

type BackendConfig struct {
	Backend string `mapstructure:"backend"`
}

type FileConfig struct {
	DataDir    string `mapstructure:"data_dir"`
	LedgerFile string `mapstructure:"ledger_file"`
	LogFile    string `mapstructure:"log_file"`
}

type AWSConfig struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

type DynamoDBConfig struct {
	AccountsTable string `mapstructure:"accounts_table"`
	LogTable      string `mapstructure:"log_table"`
	CreateTables  bool   `mapstructure:"create_tables"`
}

type ImmuDBConfig struct {
	Address  string `mapstructure:"address"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type TimestreamConfig struct {
	Database string `mapstructure:"database"`
	Table    string `mapstructure:"table"`
}

// Config is the complete runtime configuration
type Config struct {
	Store      BackendConfig    `mapstructure:"store"`
	Log        BackendConfig    `mapstructure:"log"`
	LogLevel   string           `mapstructure:"log_level"`
	File       FileConfig       `mapstructure:"file"`
	AWS        AWSConfig        `mapstructure:"aws"`
	DynamoDB   DynamoDBConfig   `mapstructure:"dynamodb"`
	ImmuDB     ImmuDBConfig     `mapstructure:"immudb"`
	Timestream TimestreamConfig `mapstructure:"timestream"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", BackendFile)
	v.SetDefault("log.backend", BackendFile)
	v.SetDefault("log_level", "info")

	v.SetDefault("file.data_dir", "data")
	v.SetDefault("file.ledger_file", "currency_data.json")
	v.SetDefault("file.log_file", "transactions.txt")

	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.endpoint", "")

	v.SetDefault("dynamodb.accounts_table", "LedgerAccounts")
	v.SetDefault("dynamodb.log_table", "LedgerTransactions")
	v.SetDefault("dynamodb.create_tables", false)

	v.SetDefault("immudb.address", "127.0.0.1")
	v.SetDefault("immudb.port", 3322)
	v.SetDefault("immudb.username", "immudb")
	v.SetDefault("immudb.password", "immudb")
	v.SetDefault("immudb.database", "defaultdb")

	v.SetDefault("timestream.database", "LedgerDB")
	v.SetDefault("timestream.table", "Transactions")
}

// Load reads the configuration. configFile may be empty; when set, its values
// sit between the defaults and the environment.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Lambda and the AWS CLI export the region without our prefix
	if err := v.BindEnv("aws.region", EnvPrefix+"_AWS_REGION", "AWS_REGION"); err != nil {
		return nil, fmt.Errorf("failed to bind aws.region: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Store.Backend = strings.ToLower(cfg.Store.Backend)
	cfg.Log.Backend = strings.ToLower(cfg.Log.Backend)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks backend names and the log level.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendFile, BackendDynamoDB, BackendImmuDB:
	default:
		return fmt.Errorf("unsupported store backend: %q", c.Store.Backend)
	}
	switch c.Log.Backend {
	case BackendFile, BackendDynamoDB, BackendImmuDB, BackendTimestream:
	default:
		return fmt.Errorf("unsupported log backend: %q", c.Log.Backend)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// BackendParams returns the factory config map for the named backend.
func (c *Config) BackendParams(backend string) map[string]interface{} {
	switch backend {
	case BackendFile:
		return map[string]interface{}{
			"dataDir":    c.File.DataDir,
			"ledgerFile": c.File.LedgerFile,
			"logFile":    c.File.LogFile,
		}
	case BackendDynamoDB:
		return map[string]interface{}{
			"region":        c.AWS.Region,
			"endpoint":      c.AWS.Endpoint,
			"accountsTable": c.DynamoDB.AccountsTable,
			"logTable":      c.DynamoDB.LogTable,
			"createTables":  c.DynamoDB.CreateTables,
		}
	case BackendImmuDB:
		return map[string]interface{}{
			"address":  c.ImmuDB.Address,
			"port":     c.ImmuDB.Port,
			"username": c.ImmuDB.Username,
			"password": c.ImmuDB.Password,
			"database": c.ImmuDB.Database,
		}
	case BackendTimestream:
		return map[string]interface{}{
			"region":       c.AWS.Region,
			"endpoint":     c.AWS.Endpoint,
			"databaseName": c.Timestream.Database,
			"tableName":    c.Timestream.Table,
		}
	}
	return map[string]interface{}{}
}
