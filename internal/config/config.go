// Package config holds the runtime settings shared by every subcommand. The
// struct is embedded into the kong CLI, so flags, env vars and defaults are
// declared here in one place.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	DBDriver string `name:"db-driver" help:"Database driver (sqlite or postgres)." default:"sqlite" env:"WEATHERSTATS_DB_DRIVER" validate:"required,oneof=sqlite postgres"`
	DBDSN    string `name:"db" help:"Database DSN or SQLite path." default:"data/weatherstats.db" env:"WEATHERSTATS_DB" validate:"required"`

	Listen   string `help:"HTTP listen address." default:":8080" env:"WEATHERSTATS_LISTEN" validate:"required"`
	RedisURL string `name:"redis-url" help:"Redis URL for cache, queue and run locks; empty keeps everything in-process." env:"WEATHERSTATS_REDIS_URL" validate:"omitempty,url"`

	ArchiveURL      string        `name:"archive-url" help:"Open-Meteo archive API base URL." default:"https://archive-api.open-meteo.com/v1" env:"WEATHERSTATS_ARCHIVE_URL" validate:"required,url"`
	GeocodingURL    string        `name:"geocoding-url" help:"Open-Meteo geocoding API base URL." default:"https://geocoding-api.open-meteo.com/v1" env:"WEATHERSTATS_GEOCODING_URL" validate:"required,url"`
	ProviderTimeout time.Duration `name:"provider-timeout" help:"Per-request provider timeout." default:"30s" env:"WEATHERSTATS_PROVIDER_TIMEOUT" validate:"gt=0"`

	FTPAddr     string `name:"ftp-addr" help:"host:port of an FTP CSV archive; enables the ftparchive provider." env:"WEATHERSTATS_FTP_ADDR" validate:"omitempty,hostname_port"`
	FTPUser     string `name:"ftp-user" default:"anonymous" env:"WEATHERSTATS_FTP_USER"`
	FTPPassword string `name:"ftp-password" default:"anonymous" env:"WEATHERSTATS_FTP_PASSWORD"`
	FTPDir      string `name:"ftp-dir" default:"/hourly" env:"WEATHERSTATS_FTP_DIR"`

	MaxChunkDays int `name:"max-chunk-days" help:"Largest day span per provider request." default:"92" env:"WEATHERSTATS_MAX_CHUNK_DAYS" validate:"min=1,max=366"`
	MaxSpanDays  int `name:"max-span-days" help:"Largest date range accepted by ingestion and statistics queries." default:"366" env:"WEATHERSTATS_MAX_SPAN_DAYS" validate:"min=1"`
	ChunkWorkers int `name:"chunk-workers" help:"Chunks fetched concurrently within one run." default:"1" env:"WEATHERSTATS_CHUNK_WORKERS" validate:"min=1,max=16"`
	QueueWorkers int `name:"queue-workers" help:"Concurrent queue workers." default:"2" env:"WEATHERSTATS_QUEUE_WORKERS" validate:"min=1"`

	ThresholdHigh float64       `name:"threshold-high" help:"Default high temperature threshold (°C)." default:"30.0" env:"WEATHERSTATS_THRESHOLD_HIGH"`
	ThresholdLow  float64       `name:"threshold-low" help:"Default low temperature threshold (°C)." default:"0.0" env:"WEATHERSTATS_THRESHOLD_LOW" validate:"ltfield=ThresholdHigh"`
	StatsTTL      time.Duration `name:"stats-ttl" help:"Lifetime of cached statistics reports." default:"30m" env:"WEATHERSTATS_STATS_TTL" validate:"gt=0"`

	DefaultCountry   string `name:"default-country" default:"Spain" env:"WEATHERSTATS_DEFAULT_COUNTRY" validate:"required"`
	DailyImportAt    string `name:"daily-import-at" help:"UTC time of the daily all-cities import." default:"02:00" env:"WEATHERSTATS_DAILY_IMPORT_AT" validate:"required,datetime=15:04"`
	RunRetentionDays int    `name:"run-retention-days" help:"Import log retention." default:"30" env:"WEATHERSTATS_RUN_RETENTION_DAYS" validate:"min=1"`

	LogLevel  string `name:"log-level" default:"info" env:"WEATHERSTATS_LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFormat string `name:"log-format" default:"json" env:"WEATHERSTATS_LOG_FORMAT" validate:"oneof=json console"`
}

// Validate checks cross-field and format constraints kong cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadDotenv loads variables from path into the process environment without
// overriding ones already set. A missing file is not an error.
func LoadDotenv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
