package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Database  DatabaseConfig  `yaml:"database"`
	Processor ProcessorConfig `yaml:"processor"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Billing   BillingConfig   `yaml:"billing"`
	Server    ServerConfig    `yaml:"server"`
}

type LLMConfig struct {
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	EmbeddingModel string  `yaml:"embedding_model"`
	MaxTokens      int     `yaml:"max_tokens"`
	Temperature    float64 `yaml:"temperature"`
	EmbedBatchSize int     `yaml:"embed_batch_size"`
	// Timeout bounds each HTTP call to the model server.
	Timeout time.Duration `yaml:"timeout"`
}

type DatabaseConfig struct {
	URL             string  `yaml:"url"`
	TableName       string  `yaml:"table_name"`
	VectorDim       int     `yaml:"vector_dim"`
	BatchSize       int     `yaml:"batch_size"`
	UpsertRateLimit float64 `yaml:"upsert_rate_limit"`
	UpsertWorkers   int     `yaml:"upsert_workers"`
}

type ProcessorConfig struct {
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`
}

type RetrievalConfig struct {
	TopK int `yaml:"top_k"`
}

type IngestConfig struct {
	// Compensate deletes the vectors written by a failed ingestion.
	Compensate bool `yaml:"compensate"`
}

type StorageConfig struct {
	Provider  string `yaml:"provider"`
	BaseURL   string `yaml:"base_url"`
	PublicURL string `yaml:"public_url"`
}

type AuthConfig struct {
	Mode      string `yaml:"mode"`
	JWTSecret string `yaml:"jwt_secret"`
	Header    string `yaml:"header"`
}

type BillingConfig struct {
	Policy string `yaml:"policy"`
}

type ServerConfig struct {
	Port           string        `yaml:"port"`
	AppURL         string        `yaml:"app_url"`
	MaxUploadMB    int64         `yaml:"max_upload_mb"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/docchat/config.yaml"),
			"/etc/docchat/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	// chunk_overlap may be set to 0, so its default is in place before decoding
	config := Config{Processor: ProcessorConfig{ChunkOverlap: DefaultChunkOverlap}}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %v", err)
	}

	// Merge with environment variables
	mergeWithEnv(&config)

	// Apply defaults for unset values
	applyDefaults(&config)

	return &config, nil
}

// DefaultChunkOverlap is used when the config file does not set chunk_overlap.
const DefaultChunkOverlap = 200

func getDefaultConfig() (*Config, error) {
	config := &Config{Processor: ProcessorConfig{ChunkOverlap: DefaultChunkOverlap}}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.EmbeddingModel == "" {
		config.LLM.EmbeddingModel = "nomic-embed-text:latest"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.7
	}
	if config.LLM.BaseURL == "" {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.EmbedBatchSize == 0 {
		config.LLM.EmbedBatchSize = 100
	}
	if config.LLM.Timeout == 0 {
		config.LLM.Timeout = 60 * time.Second
	}

	if config.Database.TableName == "" {
		config.Database.TableName = "chunks"
	}
	if config.Database.VectorDim == 0 {
		config.Database.VectorDim = 768
	}
	if config.Database.BatchSize == 0 {
		config.Database.BatchSize = 100
	}
	if config.Database.UpsertWorkers == 0 {
		config.Database.UpsertWorkers = 1
	}

	if config.Processor.ChunkSize == 0 {
		config.Processor.ChunkSize = 1000
	}

	if config.Retrieval.TopK == 0 {
		config.Retrieval.TopK = 5
	}

	if config.Storage.Provider == "" {
		config.Storage.Provider = "local"
	}
	if config.Storage.BaseURL == "" && config.Storage.Provider == "local" {
		config.Storage.BaseURL = "public/uploads"
	}
	if config.Storage.PublicURL == "" && config.Storage.Provider == "local" {
		config.Storage.PublicURL = "/uploads"
	}

	if config.Auth.Mode == "" {
		config.Auth.Mode = "jwt"
	}
	if config.Auth.Header == "" {
		config.Auth.Header = "X-User-ID"
	}

	if config.Billing.Policy == "" {
		config.Billing.Policy = "allow_all"
	}

	if config.Server.Port == "" {
		config.Server.Port = "8080"
	}
	if config.Server.AppURL == "" {
		config.Server.AppURL = "http://localhost:3000"
	}
	if config.Server.MaxUploadMB == 0 {
		config.Server.MaxUploadMB = 10
	}
	if config.Server.RequestTimeout == 0 {
		config.Server.RequestTimeout = 120 * time.Second
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		config.Auth.JWTSecret = secret
	}
	if storageURL := os.Getenv("STORAGE_URL"); storageURL != "" {
		config.Storage.BaseURL = storageURL
	}
	if appURL := os.Getenv("APP_URL"); appURL != "" {
		config.Server.AppURL = appURL
	}
	if port := os.Getenv("PORT"); port != "" {
		config.Server.Port = port
	}
	if dim := os.Getenv("VECTOR_DIM"); dim != "" {
		if v, err := strconv.Atoi(dim); err == nil {
			config.Database.VectorDim = v
		}
	}
}
