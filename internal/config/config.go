package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/katakuxiko/ragchat/internal/model"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Embedder    BackendConfig     `mapstructure:"embedder" yaml:"embedder"`
	Generator   BackendConfig     `mapstructure:"generator" yaml:"generator"`
	VectorStore VectorStoreConfig `mapstructure:"vector_store" yaml:"vector_store"`
	Postgres    PostgresConfig    `mapstructure:"postgres" yaml:"postgres"`
	History     HistoryConfig     `mapstructure:"history" yaml:"history"`
	Mongo       MongoConfig       `mapstructure:"mongo" yaml:"mongo"`
	Lock        LockConfig        `mapstructure:"lock" yaml:"lock"`
	Redis       RedisConfig       `mapstructure:"redis" yaml:"redis"`
	Chunking    ChunkingConfig    `mapstructure:"chunking" yaml:"chunking"`
	Query       QueryConfig       `mapstructure:"query" yaml:"query"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	BodyLimitMB  int           `mapstructure:"body_limit_mb" yaml:"body_limit_mb"`
	CORSOrigins  string        `mapstructure:"cors_origins" yaml:"cors_origins"`
	UploadDir    string        `mapstructure:"upload_dir" yaml:"upload_dir"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // json | console
}

// BackendConfig описывает embedder или генератор.
type BackendConfig struct {
	Provider string        `mapstructure:"provider" yaml:"provider"` // openai | ollama
	BaseURL  string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey   string        `mapstructure:"api_key" yaml:"-"`
	Model    string        `mapstructure:"model" yaml:"model"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type VectorStoreConfig struct {
	Backend          string `mapstructure:"backend" yaml:"backend"` // pgvector | qdrant
	Dimension        int    `mapstructure:"dimension" yaml:"dimension"`
	QdrantURL        string `mapstructure:"qdrant_url" yaml:"qdrant_url"`
	QdrantCollection string `mapstructure:"qdrant_collection" yaml:"qdrant_collection"`
	QdrantAPIKey     string `mapstructure:"qdrant_api_key" yaml:"-"`
}

type PostgresConfig struct {
	DSN          string `mapstructure:"dsn" yaml:"-"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

type HistoryConfig struct {
	Backend  string `mapstructure:"backend" yaml:"backend"` // memory | postgres | mongo
	MaxTurns int    `mapstructure:"max_turns" yaml:"max_turns"`
}

type MongoConfig struct {
	URI        string `mapstructure:"uri" yaml:"-"`
	Database   string `mapstructure:"database" yaml:"database"`
	Collection string `mapstructure:"collection" yaml:"collection"`
}

type LockConfig struct {
	Backend string        `mapstructure:"backend" yaml:"backend"` // memory | redis
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"-"`
	DB       int    `mapstructure:"db" yaml:"db"`
}

type ChunkingConfig struct {
	Size    int `mapstructure:"size" yaml:"size"`
	Overlap int `mapstructure:"overlap" yaml:"overlap"`
}

// QueryConfig — значения по умолчанию для полей запроса.
type QueryConfig struct {
	TopK               int     `mapstructure:"top_k" yaml:"top_k"`
	RelevanceThreshold float64 `mapstructure:"relevance_threshold" yaml:"relevance_threshold"`
	Temperature        float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens          int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	TopP               float64 `mapstructure:"top_p" yaml:"top_p"`
	TopKSampling       int     `mapstructure:"top_k_sampling" yaml:"top_k_sampling"`
	UseChatHistory     bool    `mapstructure:"use_chat_history" yaml:"use_chat_history"`
	PromptTemplate     string  `mapstructure:"prompt_template" yaml:"prompt_template"`
}

// Defaults возвращает запрос, заполненный значениями по умолчанию; тело
// запроса декодируется поверх него.
func (q QueryConfig) Defaults() model.QueryRequest {
	return model.QueryRequest{
		TopK:               q.TopK,
		RelevanceThreshold: q.RelevanceThreshold,
		Temperature:        q.Temperature,
		MaxTokens:          q.MaxTokens,
		TopP:               q.TopP,
		TopKSampling:       q.TopKSampling,
		UseChatHistory:     q.UseChatHistory,
		Prompt:             q.PromptTemplate,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.body_limit_mb", 50)
	v.SetDefault("server.cors_origins", "*")
	v.SetDefault("server.upload_dir", "data/uploads")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("embedder.provider", "openai")
	v.SetDefault("embedder.base_url", "http://localhost:1234/v1")
	v.SetDefault("embedder.api_key", "")
	v.SetDefault("embedder.model", "text-embedding-nomic-embed-text-v1.5")
	v.SetDefault("embedder.timeout", 30*time.Second)

	v.SetDefault("generator.provider", "openai")
	v.SetDefault("generator.base_url", "http://localhost:1234/v1")
	v.SetDefault("generator.api_key", "")
	v.SetDefault("generator.model", "google/gemma-3n-e4b")
	v.SetDefault("generator.timeout", 0)

	v.SetDefault("vector_store.backend", "pgvector")
	v.SetDefault("vector_store.dimension", 768)
	v.SetDefault("vector_store.qdrant_url", "http://localhost:6333")
	v.SetDefault("vector_store.qdrant_collection", "documents")
	v.SetDefault("vector_store.qdrant_api_key", "")

	v.SetDefault("postgres.dsn", "host=localhost port=5432 user=postgres password=postgres dbname=ragchat sslmode=disable")
	v.SetDefault("postgres.max_open_conns", 10)

	v.SetDefault("history.backend", "memory")
	v.SetDefault("history.max_turns", 10)

	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "ragchat")
	v.SetDefault("mongo.collection", "sessions")

	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.ttl", 2*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("chunking.size", 220)
	v.SetDefault("chunking.overlap", 40)

	v.SetDefault("query.top_k", 5)
	v.SetDefault("query.relevance_threshold", 0.0)
	v.SetDefault("query.temperature", 0.7)
	v.SetDefault("query.max_tokens", 512)
	v.SetDefault("query.top_p", 0.9)
	v.SetDefault("query.top_k_sampling", 40)
	v.SetDefault("query.use_chat_history", false)
	v.SetDefault("query.prompt_template", "")
}

// Load читает .env, необязательный файл конфигурации и переменные окружения
// RAGCHAT_*. Пустой path означает поиск config.{yaml,json} в ./config и ".".
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	if path == "" {
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}
	v.SetEnvPrefix("RAGCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.VectorStore.Backend {
	case "pgvector", "qdrant":
	default:
		return fmt.Errorf("vector_store.backend must be pgvector or qdrant, got %q", c.VectorStore.Backend)
	}
	switch c.History.Backend {
	case "memory", "postgres", "mongo":
	default:
		return fmt.Errorf("history.backend must be memory, postgres or mongo, got %q", c.History.Backend)
	}
	switch c.Lock.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("lock.backend must be memory or redis, got %q", c.Lock.Backend)
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be positive")
	}
	if c.Chunking.Size <= 0 || c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunking: need size > overlap >= 0, got size=%d overlap=%d", c.Chunking.Size, c.Chunking.Overlap)
	}
	if c.History.MaxTurns < 0 {
		return fmt.Errorf("history.max_turns cannot be negative")
	}
	d := c.Query.Defaults()
	d.Query = "-"
	if err := d.Validate(); err != nil {
		return fmt.Errorf("query defaults: %w", err)
	}
	return nil
}

// Write выводит действующую конфигурацию в YAML без секретов.
func (c *Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}
