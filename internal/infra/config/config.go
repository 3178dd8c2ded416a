package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов архива.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"UTC"`

	// Readonly отключает любую запись: живой приём, стартовую дозагрузку
	// и плановую сборку мусора.
	Readonly bool `envconfig:"READONLY" default:"false"`
	// RequireTracking запрещает сохранять сообщения неотслеживаемых гильдий.
	RequireTracking bool `envconfig:"REQUIRE_TRACKING" default:"false"`

	Telegram struct {
		Token   string `envconfig:"TG_BOT_TOKEN"`
		BotID   string `envconfig:"TG_BOT_ID"`
		APIID   int    `envconfig:"TG_API_ID"`
		APIHash string `envconfig:"TG_API_HASH"`
	} `envconfig:""`

	PGDSN     string `envconfig:"PG_DSN"`
	RedisAddr string `envconfig:"REDIS_ADDR"`
	RabbitURL string `envconfig:"RABBITMQ_URL"`

	History struct {
		MaxCount int `envconfig:"HISTORY_MAX_COUNT" default:"1000"`
		PageSize int `envconfig:"HISTORY_PAGE_SIZE" default:"100"`
		// GuildTimeout ограничивает выгрузку одной гильдии; ноль означает
		// ждать сколько потребуется.
		GuildTimeout time.Duration `envconfig:"HISTORY_GUILD_TIMEOUT" default:"0"`
	} `envconfig:""`

	GC struct {
		Enabled       bool   `envconfig:"GC_ENABLED" default:"false"`
		OlderThanDays int    `envconfig:"GC_OLDER_THAN_DAYS" default:"30"`
		UntrackedOnly bool   `envconfig:"GC_UNTRACKED_ONLY" default:"true"`
		Schedule      string `envconfig:"GC_SCHEDULE" default:"0 4 * * *"`
	} `envconfig:""`

	Queues struct {
		Events string `envconfig:"EVENTS_QUEUE_KEY" default:"archive_events"`
	} `envconfig:""`

	AdminToken string `envconfig:"ADMIN_TOKEN"`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
