// Package main provides the unified CLI entry point for the iot-audit services.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/iot-audit/internal/store"
	"procodus.dev/iot-audit/pkg/logger"
)

// InitConfig initializes Viper configuration.
// It supports reading from config files (config.yaml), a .env file and
// environment variables.
func InitConfig(cfgFile string) error {
	// A .env file is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/iot-audit/")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("IOT_AUDIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFoundErr viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFoundErr) {
			// Config file not found; rely on env vars and defaults
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return nil
}

// GetLogger creates the logger of service based on configuration.
func GetLogger(service string) *slog.Logger {
	return logger.New(&logger.Config{
		Output:  os.Stdout,
		Service: service,
		Level:   logger.ParseLevel(viper.GetString("log.level")),
		Format:  logger.ParseFormat(viper.GetString("log.format")),
	})
}

// addDatabaseFlags registers the database flags of a service under
// "<service>.db.*".
func addDatabaseFlags(cmd *cobra.Command, service string) {
	cmd.Flags().String("db-driver", store.DriverPostgres, "database driver (postgres, sqlite)")
	cmd.Flags().String("db-host", "localhost", "PostgreSQL host")
	cmd.Flags().Int("db-port", 5432, "PostgreSQL port")
	cmd.Flags().String("db-user", "postgres", "PostgreSQL user")
	cmd.Flags().String("db-password", "", "PostgreSQL password")
	cmd.Flags().String("db-name", "iot_audit", "PostgreSQL database name")
	cmd.Flags().String("db-sslmode", "disable", "PostgreSQL SSL mode")
	cmd.Flags().String("db-path", "iot-audit.db", "sqlite database file")

	bindFlags(cmd, map[string]string{
		service + ".db.driver":   "db-driver",
		service + ".db.host":     "db-host",
		service + ".db.port":     "db-port",
		service + ".db.user":     "db-user",
		service + ".db.password": "db-password",
		service + ".db.name":     "db-name",
		service + ".db.sslmode":  "db-sslmode",
		service + ".db.path":     "db-path",
	})
}

// databaseConfig reads the database flags bound by addDatabaseFlags.
func databaseConfig(service string) store.DBConfig {
	return store.DBConfig{
		Driver:   viper.GetString(service + ".db.driver"),
		Host:     viper.GetString(service + ".db.host"),
		Port:     viper.GetInt(service + ".db.port"),
		User:     viper.GetString(service + ".db.user"),
		Password: viper.GetString(service + ".db.password"),
		DBName:   viper.GetString(service + ".db.name"),
		SSLMode:  viper.GetString(service + ".db.sslmode"),
		Path:     viper.GetString(service + ".db.path"),
	}
}

// bindFlags binds each viper key to the named flag of cmd.
func bindFlags(cmd *cobra.Command, keys map[string]string) {
	for key, flag := range keys {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
		}
	}
}
