package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	AppName                       string   `envconfig:"APP_NAME" default:"fern-api"`
	Port                          int      `envconfig:"PORT" default:"3004"`
	LogLevel                      string   `envconfig:"LOG_LEVEL" default:"info"`
	PrettyLogs                    bool     `envconfig:"PRETTY_LOGS" default:"false"`
	HttpServerWriteTimeoutSeconds int      `envconfig:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" default:"10"`
	HttpServerReadTimeoutSeconds  int      `envconfig:"HTTP_SERVER_READ_TIMEOUT_SECONDS" default:"10"`
	HttpServerIdleTimeoutSeconds  int      `envconfig:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" default:"10"`
	MaxHeaderBytes                int      `envconfig:"HTTP_SERVER_MAX_HEADER_BYTES" default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `envconfig:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" default:"10"`
	AllowOrigins                  []string `envconfig:"HTTP_SERVER_ALLOW_ORIGINS" default:"*"`
	AllowMethods                  []string `envconfig:"HTTP_SERVER_ALLOW_METHODS" default:"GET,POST,PUT"`
	StartupMaxAttempts            int      `envconfig:"STARTUP_MAX_ATTEMPTS" default:"5"`

	// PostgreSQL
	DatabaseHost                  string        `envconfig:"DB_HOST" default:"localhost"`
	DatabasePort                  string        `envconfig:"DB_PORT" default:"5432"`
	DatabaseUserName              string        `envconfig:"DB_USER_NAME" default:""`
	DatabasePassword              string        `envconfig:"DB_PASSWORD" default:""`
	DatabaseName                  string        `envconfig:"DB_NAME" default:"fern"`
	DatabaseSSLMode               string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DatabaseMaxOpenConns          int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	DatabaseMaxIdleConns          int           `envconfig:"DB_MAX_IDLE_CONNS" default:"10"`
	DatabaseConnMaxLifetime       time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"5m"`
	DatabaseMigrationFolderPath   string        `envconfig:"DB_MIGRATION_FOLDER_PATH" default:"db/pg"`
	DatabaseMigrationVersion      uint          `envconfig:"DB_MIGRATION_VERSION" default:"0"`
	DatabaseMigrationForce        int           `envconfig:"DB_MIGRATION_FORCE" default:"0"`
	DatabaseMigrationAutoRollback bool          `envconfig:"DB_MIGRATION_AUTO_ROLLBACK" default:"true"`

	// Redis (receipt cache, dead letter stream, pruner lock)
	RedisEnabled   bool   `envconfig:"REDIS_ENABLED" default:"false"`
	RedisHost      string `envconfig:"REDIS_HOST" default:"localhost"`
	RedisPort      int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisPassword  string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB        int    `envconfig:"REDIS_DB" default:"0"`
	RedisKeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"fern:"`

	// Graph Database (Memgraph)
	GraphDBEnabled  bool   `envconfig:"GRAPH_DB_ENABLED" default:"false"`
	GraphDBHost     string `envconfig:"GRAPH_DB_HOST" default:"localhost"`
	GraphDBPort     int    `envconfig:"GRAPH_DB_PORT" default:"7687"`
	GraphDBUser     string `envconfig:"GRAPH_DB_USER" default:""`
	GraphDBPassword string `envconfig:"GRAPH_DB_PASSWORD" default:""`

	// Auth
	AuthEnabled   bool   `envconfig:"AUTH_ENABLED" default:"false"`
	AuthIssuerURL string `envconfig:"AUTH_ISSUER_URL" default:""`
	AuthClientID  string `envconfig:"AUTH_CLIENT_ID" default:""`

	// Kafka consumer (ingestion events)
	KafkaBrokers         []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaInputTopic      string   `envconfig:"KAFKA_INPUT_TOPIC" default:"contact-ingestion"`
	KafkaConsumerGroup   string   `envconfig:"KAFKA_CONSUMER_GROUP" default:"fern-consumer"`
	KafkaConsumerEnabled bool     `envconfig:"KAFKA_CONSUMER_ENABLED" default:"false"`

	// Kafka producer (contact events)
	KafkaProducerEnabled bool   `envconfig:"KAFKA_PRODUCER_ENABLED" default:"false"`
	KafkaOutputTopic     string `envconfig:"KAFKA_OUTPUT_TOPIC" default:"contact-events"`
	KafkaBatchSize       int    `envconfig:"KAFKA_BATCH_SIZE" default:"100"`
	KafkaBatchTimeout    int    `envconfig:"KAFKA_BATCH_TIMEOUT_MS" default:"100"`
	KafkaRequiredAcks    int    `envconfig:"KAFKA_REQUIRED_ACKS" default:"1"`
	KafkaCompression     string `envconfig:"KAFKA_COMPRESSION" default:"snappy"`

	// Webhooks
	WebhookSecrets          map[string]string `envconfig:"WEBHOOK_SECRETS"` // source:secret,...
	WebhookTokens           map[string]string `envconfig:"WEBHOOK_TOKENS"` // source:token,...
	WebhookReplayWindow     time.Duration     `envconfig:"WEBHOOK_REPLAY_WINDOW" default:"5m"`
	WebhookReceiptRetention time.Duration     `envconfig:"WEBHOOK_RECEIPT_RETENTION" default:"168h"`
	WebhookPruneInterval    time.Duration     `envconfig:"WEBHOOK_PRUNE_INTERVAL" default:"1h"`
	WebhookRatePerSecond    float64           `envconfig:"WEBHOOK_RATE_PER_SECOND" default:"50"`
	WebhookRateBurst        int               `envconfig:"WEBHOOK_RATE_BURST" default:"100"`

	// Normalization and resolution
	NormalizerDefaultRegion string `envconfig:"NORMALIZER_DEFAULT_REGION" default:"BR"`
	ResolveMaxHops          int    `envconfig:"RESOLVE_MAX_HOPS" default:"16"`

	// Matching
	MatchDocumentWeight       float64 `envconfig:"MATCH_DOCUMENT_WEIGHT" default:"0.70"`
	MatchEmailWeight          float64 `envconfig:"MATCH_EMAIL_WEIGHT" default:"0.35"`
	MatchPhoneWeight          float64 `envconfig:"MATCH_PHONE_WEIGHT" default:"0.25"`
	MatchNameWeight           float64 `envconfig:"MATCH_NAME_WEIGHT" default:"0.30"`
	MatchSameUnitWeight       float64 `envconfig:"MATCH_SAME_UNIT_WEIGHT" default:"0.05"`
	MatchAutoSuggestThreshold float64 `envconfig:"MATCH_AUTO_SUGGEST_THRESHOLD" default:"0.70"`
	MatchScoreFloor           float64 `envconfig:"MATCH_SCORE_FLOOR" default:"0.20"`
	MatchNameSimilarityFloor  float64 `envconfig:"MATCH_NAME_SIMILARITY_FLOOR" default:"0.3"`
	MatchNameCandidateLimit   int     `envconfig:"MATCH_NAME_CANDIDATE_LIMIT" default:"20"`
	MergeWorkerCount          int     `envconfig:"MERGE_WORKER_COUNT" default:"4"`

	// Auto-merge policy
	AutoMergeEnabled bool   `envconfig:"AUTO_MERGE_ENABLED" default:"false"`
	AutoMergePolicy  string `envconfig:"AUTO_MERGE_POLICY" default:"features.document_exact == 1.0 && score >= 0.95"`

	// Tracing
	OtelEnabled     bool    `envconfig:"OTEL_ENABLED" default:"false"`
	OtelEndpoint    string  `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`
	OtelProtocol    string  `envconfig:"OTEL_EXPORTER_OTLP_PROTOCOL" default:"grpc"`
	OtelInsecure    bool    `envconfig:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
	OtelSampleRatio float64 `envconfig:"OTEL_SAMPLE_RATIO" default:"1.0"`
}

// Load reads an optional .env file and then the environment
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 {
		return fmt.Errorf("PORT must be >= 1")
	}
	if c.AuthEnabled && (strings.TrimSpace(c.AuthIssuerURL) == "" || strings.TrimSpace(c.AuthClientID) == "") {
		return fmt.Errorf("AUTH_ISSUER_URL and AUTH_CLIENT_ID are required when AUTH_ENABLED is set")
	}
	if c.ResolveMaxHops < 1 {
		return fmt.Errorf("RESOLVE_MAX_HOPS must be >= 1")
	}
	if c.MergeWorkerCount < 1 {
		return fmt.Errorf("MERGE_WORKER_COUNT must be >= 1")
	}
	if c.WebhookReceiptRetention < c.WebhookReplayWindow {
		return fmt.Errorf("WEBHOOK_RECEIPT_RETENTION (%s) cannot be shorter than WEBHOOK_REPLAY_WINDOW (%s)", c.WebhookReceiptRetention, c.WebhookReplayWindow)
	}
	if c.AutoMergeEnabled && strings.TrimSpace(c.AutoMergePolicy) == "" {
		return fmt.Errorf("AUTO_MERGE_POLICY is required when AUTO_MERGE_ENABLED is set")
	}
	return nil
}

// DatabaseDSN is the lib/pq connection string
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DatabaseHost, c.DatabasePort, c.DatabaseUserName, c.DatabasePassword, c.DatabaseName, c.DatabaseSSLMode)
}
