package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort   string `env:"HTTP_PORT" envDefault:"8080"`
	DataDir    string `env:"DATA_DIR" envDefault:"memories"`
	LLMAPIKey  string `env:"LLM_API_KEY"`
	LLMBaseURL string `env:"LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMModel   string `env:"LLM_MODEL" envDefault:"gpt-5.1"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Perillas del motor de memoria.
	BufferWindow     int           `env:"MEMORY_BUFFER_WINDOW" envDefault:"50"`
	SummaryThreshold int           `env:"MEMORY_SUMMARY_THRESHOLD" envDefault:"100"`
	ArchiveAge       time.Duration `env:"MEMORY_ARCHIVE_AGE" envDefault:"2160h"`   // 90 dias
	CompressAge      time.Duration `env:"MEMORY_COMPRESS_AGE" envDefault:"1440h"`  // 60 dias
	RetentionAge     time.Duration `env:"MEMORY_RETENTION_AGE" envDefault:"8760h"` // 365 dias
	ContextCacheSize int           `env:"MEMORY_CACHE_SIZE" envDefault:"50"`
	ContextCacheTTL  time.Duration `env:"MEMORY_CACHE_TTL" envDefault:"5m"`
	MaintenanceEvery int           `env:"MEMORY_MAINTENANCE_EVERY" envDefault:"100"`
	MaintenanceCron  string        `env:"MEMORY_MAINTENANCE_CRON" envDefault:"0 0 */6 * * *"`

	// Perillas del motor de vinculo.
	MinExchangeInterval time.Duration `env:"RELATIONSHIP_MIN_INTERVAL" envDefault:"60s"`
	DailyMomentCap      int           `env:"RELATIONSHIP_DAILY_MOMENT_CAP" envDefault:"10"`
	RewardCap           int           `env:"REWARD_CAP" envDefault:"100"`

	// Presupuestos del turno.
	TurnTimeout    time.Duration `env:"TURN_TIMEOUT" envDefault:"2500ms"`
	LLMTimeout     time.Duration `env:"LLM_TIMEOUT" envDefault:"2s"`
	PersistGrace   time.Duration `env:"PERSIST_GRACE" envDefault:"500ms"`
	MaxPromptChars int           `env:"MAX_PROMPT_CHARS" envDefault:"12000"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
