package config

import (
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

type Config struct {
	Log struct {
		Level string `env:"LOG_LEVEL" envDefault:"info"`
	}

	Database struct {
		// sqlite or postgres
		Driver string `env:"DB_DRIVER" envDefault:"sqlite"`

		// File path for sqlite, connection string for postgres
		DSN string `env:"DB_DSN" envDefault:"database/estatesync.db"`

		MaxOpenConns int `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	}

	Source struct {
		BaseURL   string        `env:"SOURCE_BASE_URL" envDefault:"http://localhost:8090"`
		PageSize  int           `env:"SOURCE_PAGE_SIZE" envDefault:"100"`
		MaxPages  int           `env:"SOURCE_MAX_PAGES" envDefault:"500"`
		Timeout   time.Duration `env:"SOURCE_TIMEOUT" envDefault:"30s"`
		UserAgent string        `env:"SOURCE_USER_AGENT" envDefault:"estatesync/1.0"`
	}

	Auth struct {
		URL      string `env:"AUTH_URL" envDefault:"http://localhost:8090/api/auth"`
		Identity string `env:"AUTH_IDENTITY"`
		Secret   string `env:"AUTH_SECRET"`
	}

	// Processor controls the per-record transaction
	Processor struct {
		// Retries after a persistence conflict such as a unique-key race
		MaxRetries int `env:"PROCESSOR_MAX_RETRIES" envDefault:"2"`

		// Delay between retries in milliseconds
		RetryDelay int `env:"PROCESSOR_RETRY_DELAY" envDefault:"200"`
	}

	Sync struct {
		// Number of cities of one object type synced in parallel
		CityWorkers int `env:"SYNC_CITY_WORKERS" envDefault:"1"`

		// External city ids used when no City rows exist yet
		DefaultCities []string `env:"SYNC_DEFAULT_CITIES" envSeparator:","`

		ImageCheckTimeout time.Duration `env:"SYNC_IMAGE_CHECK_TIMEOUT" envDefault:"5s"`
	}

	Scheduler struct {
		Enabled  bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
		Spec     string        `env:"SCHEDULER_SPEC" envDefault:"@every 1m"`
		Timezone string        `env:"SCHEDULER_TIMEZONE" envDefault:"UTC"`
		LeaseTTL time.Duration `env:"SCHEDULER_LEASE_TTL" envDefault:"2h"`
		SeedFile string        `env:"SCHEDULER_SEED_FILE"`
	}

	HTTP struct {
		Addr         string   `env:"HTTP_ADDR" envDefault:":5250"`
		AllowOrigins []string `env:"HTTP_ALLOW_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`
	}

	Telegram struct {
		Enabled  bool   `env:"TELEGRAM_ENABLED" envDefault:"false"`
		BotToken string `env:"TELEGRAM_BOT_TOKEN"`
		ChatID   string `env:"TELEGRAM_CHAT_ID"`
		APIBase  string `env:"TELEGRAM_API_BASE" envDefault:"https://api.telegram.org"`

		// Only notify when a run recorded at least one error
		OnlyOnErrors bool `env:"TELEGRAM_ONLY_ON_ERRORS" envDefault:"true"`
	}
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig(envFiles ...string) (*Config, error) {
	// A missing .env is normal outside local development
	_ = godotenv.Load(envFiles...)

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if len(cfg.Sync.DefaultCities) == 0 {
		cfg.Sync.DefaultCities = GetCityIDs()
	}
	return cfg, nil
}
