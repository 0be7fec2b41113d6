// Package config loads runtime configuration from an optional TOML file and
// the process environment. Environment variables always win over file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config is the full runtime configuration shared by the sync CLI and the
// query server.
type Config struct {
	DataDir     string            `toml:"data_dir"`
	ObjectStore ObjectStoreConfig `toml:"object_store"`
	Ledger      LedgerConfig      `toml:"ledger"`
	Shard       ShardConfig       `toml:"shard"`
	Chunk       ChunkConfig       `toml:"chunk"`
	Model       ModelConfig       `toml:"model"`
	Query       QueryConfig       `toml:"query"`
	Source      SourceConfig      `toml:"source"`
	Server      ServerConfig      `toml:"server"`
	Qdrant      QdrantConfig      `toml:"qdrant"`
}

// ObjectStoreConfig selects and configures the object store backend.
type ObjectStoreConfig struct {
	Backend   string `toml:"backend"` // local, memory, s3, minio
	Bucket    string `toml:"bucket"`
	Prefix    string `toml:"prefix"`
	Region    string `toml:"region"`
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	UseSSL    bool   `toml:"use_ssl"`
}

// LedgerConfig selects and configures the checkpoint ledger backend.
type LedgerConfig struct {
	Backend string `toml:"backend"` // sqlite, dynamodb, memory
	Path    string `toml:"path"`
	Table   string `toml:"table"`
	Region  string `toml:"region"`
}

// ShardConfig controls shard rotation and object encoding.
type ShardConfig struct {
	MaxBytes int64  `toml:"max_bytes"`
	Codec    string `toml:"codec"` // zstd, lz4, none
}

// ChunkConfig controls how derived documents are split before embedding.
type ChunkConfig struct {
	MaxChars int `toml:"max_chars"` // 0 disables splitting
}

// ModelConfig identifies the embedding model for one index.
type ModelConfig struct {
	Provider  string `toml:"provider"` // openai, hash
	ID        string `toml:"id"`
	Revision  string `toml:"revision"`
	Dims      int    `toml:"dims"`
	BatchSize int    `toml:"batch_size"`
}

// QueryConfig bounds query requests and the server's in-memory caches.
type QueryConfig struct {
	DefaultK           int `toml:"default_k"`
	MaxK               int `toml:"max_k"`
	MaxQueryLength     int `toml:"max_query_length"`
	LoadParallelism    int `toml:"load_parallelism"`
	MaxCachedShards    int `toml:"max_cached_shards"`
	EmbeddingCacheSize int `toml:"embedding_cache_size"`
}

// SourceConfig configures the upstream record fetcher.
type SourceConfig struct {
	Kind              string   `toml:"kind"` // http, github
	BaseURL           string   `toml:"base_url"`
	PublicKey         string   `toml:"public_key"`
	PrivateKey        string   `toml:"private_key"`
	PageSize          int      `toml:"page_size"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Owner             string   `toml:"owner"`
	Repo              string   `toml:"repo"`
	Partitions        []string `toml:"partitions"` // "partitionKey/sortKey"
}

// ServerConfig configures the query server.
type ServerConfig struct {
	Port       string `toml:"port"`
	ServerMode bool   `toml:"server_mode"`
}

// QdrantConfig configures the optional Qdrant mirror of closed shards.
type QdrantConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// Default returns the configuration used when nothing else is supplied.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		ObjectStore: ObjectStoreConfig{
			Backend: "local",
		},
		Ledger: LedgerConfig{
			Backend: "sqlite",
			Table:   "ingest-checkpoints",
		},
		Shard: ShardConfig{
			MaxBytes: 64 << 20,
			Codec:    "zstd",
		},
		Chunk: ChunkConfig{
			MaxChars: 4000,
		},
		Model: ModelConfig{
			Provider:  "openai",
			ID:        "text-embedding-3-small",
			Revision:  "1",
			Dims:      1536,
			BatchSize: 500,
		},
		Query: QueryConfig{
			DefaultK:           5,
			MaxK:               50,
			MaxQueryLength:     2048,
			LoadParallelism:    4,
			MaxCachedShards:    256,
			EmbeddingCacheSize: 10000,
		},
		Source: SourceConfig{
			Kind:              "http",
			PageSize:          100,
			RequestsPerSecond: 2,
		},
		Server: ServerConfig{
			Port: "8080",
		},
		Qdrant: QdrantConfig{
			Host: "localhost",
			Port: 6334,
		},
	}
}

// Load reads the TOML file at path (if non-empty and present), then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			// Missing file means defaults plus environment.
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DataDir = getEnv("SHARDSEARCH_DATA_DIR", c.DataDir)

	c.ObjectStore.Backend = getEnv("OBJECT_STORE_BACKEND", c.ObjectStore.Backend)
	c.ObjectStore.Bucket = getEnv("OBJECT_STORE_BUCKET", c.ObjectStore.Bucket)
	c.ObjectStore.Prefix = getEnv("OBJECT_STORE_PREFIX", c.ObjectStore.Prefix)
	c.ObjectStore.Region = getEnv("AWS_REGION", c.ObjectStore.Region)
	c.ObjectStore.Endpoint = getEnv("OBJECT_STORE_ENDPOINT", c.ObjectStore.Endpoint)
	c.ObjectStore.AccessKey = getEnv("OBJECT_STORE_ACCESS_KEY", c.ObjectStore.AccessKey)
	c.ObjectStore.SecretKey = getEnv("OBJECT_STORE_SECRET_KEY", c.ObjectStore.SecretKey)
	c.ObjectStore.UseSSL = getEnvBool("OBJECT_STORE_USE_SSL", c.ObjectStore.UseSSL)

	c.Ledger.Backend = getEnv("LEDGER_BACKEND", c.Ledger.Backend)
	c.Ledger.Path = getEnv("LEDGER_PATH", c.Ledger.Path)
	c.Ledger.Table = getEnv("LEDGER_TABLE", c.Ledger.Table)
	c.Ledger.Region = getEnv("AWS_REGION", c.Ledger.Region)

	c.Shard.MaxBytes = int64(getEnvInt("SHARD_MAX_BYTES", int(c.Shard.MaxBytes)))
	c.Shard.Codec = getEnv("SHARD_CODEC", c.Shard.Codec)

	c.Chunk.MaxChars = getEnvInt("CHUNK_MAX_CHARS", c.Chunk.MaxChars)

	c.Model.Provider = getEnv("EMBEDDING_PROVIDER", c.Model.Provider)
	c.Model.ID = getEnv("EMBEDDING_MODEL", c.Model.ID)
	c.Model.Revision = getEnv("EMBEDDING_REVISION", c.Model.Revision)
	c.Model.Dims = getEnvInt("EMBEDDING_DIMS", c.Model.Dims)
	c.Model.BatchSize = getEnvInt("EMBEDDING_BATCH_SIZE", c.Model.BatchSize)

	c.Query.MaxK = getEnvInt("QUERY_MAX_K", c.Query.MaxK)
	c.Query.MaxQueryLength = getEnvInt("QUERY_MAX_LENGTH", c.Query.MaxQueryLength)
	c.Query.MaxCachedShards = getEnvInt("QUERY_MAX_CACHED_SHARDS", c.Query.MaxCachedShards)
	c.Query.EmbeddingCacheSize = getEnvInt("QUERY_EMBEDDING_CACHE_SIZE", c.Query.EmbeddingCacheSize)

	c.Source.Kind = getEnv("SOURCE_KIND", c.Source.Kind)
	c.Source.BaseURL = getEnv("SOURCE_BASE_URL", c.Source.BaseURL)
	c.Source.PublicKey = getEnv("SOURCE_PUBLIC_KEY", c.Source.PublicKey)
	c.Source.PrivateKey = getEnv("SOURCE_PRIVATE_KEY", c.Source.PrivateKey)
	c.Source.Owner = getEnv("SOURCE_GITHUB_OWNER", c.Source.Owner)
	c.Source.Repo = getEnv("SOURCE_GITHUB_REPO", c.Source.Repo)
	if v := os.Getenv("SOURCE_PARTITIONS"); v != "" {
		c.Source.Partitions = strings.Split(v, ",")
	}

	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.ServerMode = getEnvBool("SERVER_MODE", c.Server.ServerMode)

	c.Qdrant.Enabled = getEnvBool("QDRANT_ENABLED", c.Qdrant.Enabled)
	c.Qdrant.Host = getEnv("QDRANT_HOST", c.Qdrant.Host)
	c.Qdrant.Port = getEnvInt("QDRANT_PORT", c.Qdrant.Port)
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.ObjectStore.Backend {
	case "local", "memory":
	case "s3", "minio":
		if c.ObjectStore.Bucket == "" {
			return fmt.Errorf("object_store.bucket is required for backend %q", c.ObjectStore.Backend)
		}
	default:
		return fmt.Errorf("unknown object_store.backend %q", c.ObjectStore.Backend)
	}

	switch c.Ledger.Backend {
	case "sqlite", "memory":
	case "dynamodb":
		if c.Ledger.Table == "" {
			return errors.New("ledger.table is required for dynamodb")
		}
	default:
		return fmt.Errorf("unknown ledger.backend %q", c.Ledger.Backend)
	}

	if c.Shard.MaxBytes <= 0 {
		return fmt.Errorf("shard.max_bytes must be positive, got %d", c.Shard.MaxBytes)
	}
	if c.Chunk.MaxChars < 0 {
		return fmt.Errorf("chunk.max_chars must not be negative, got %d", c.Chunk.MaxChars)
	}
	if c.Model.ID == "" || c.Model.Dims <= 0 {
		return fmt.Errorf("model id and positive dims are required (got %q/%d)", c.Model.ID, c.Model.Dims)
	}
	if c.Query.MaxK < 1 {
		return fmt.Errorf("query.max_k must be at least 1, got %d", c.Query.MaxK)
	}
	if c.Query.DefaultK < 1 || c.Query.DefaultK > c.Query.MaxK {
		return fmt.Errorf("query.default_k must be within [1, %d], got %d", c.Query.MaxK, c.Query.DefaultK)
	}
	if c.Query.MaxCachedShards < 0 || c.Query.EmbeddingCacheSize < 0 {
		return errors.New("query cache sizes must not be negative")
	}
	return nil
}

// ModelKey returns the model identity stamped on vectors, including revision.
func (m ModelConfig) ModelKey() string {
	if m.Revision == "" {
		return m.ID
	}
	return m.ID + "@" + m.Revision
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
