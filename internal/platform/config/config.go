package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/jinford/doc-rag/internal/core/agent"
	"github.com/jinford/doc-rag/internal/core/ask"
	"github.com/jinford/doc-rag/internal/core/ingestion"
	"github.com/jinford/doc-rag/internal/core/search"
	"github.com/jinford/doc-rag/internal/platform/logger"
)

// Config はアプリケーション全体の設定を保持します
type Config struct {
	// Database設定
	Database DatabaseConfig

	// OpenAI設定（Chat + Embeddings）
	OpenAI OpenAIConfig

	// 検索設定
	Retrieval RetrievalConfig

	// リランク設定
	Rerank RerankConfig

	// エージェント設定
	Agent AgentConfig

	// 取り込み設定
	Ingestion IngestionConfig

	// Web検索設定
	WebSearch WebSearchConfig

	// HTTPサーバー設定
	Server ServerConfig

	// ログ設定
	Log LogConfig
}

// DatabaseConfig はデータベース接続設定
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// OpenAIConfig はOpenAI API設定（Embeddings + LLM）
type OpenAIConfig struct {
	APIKey             string
	BaseURL            string
	LLMModel           string
	EmbeddingModel     string
	EmbeddingDimension int
	StreamIdleTimeout  time.Duration // ストリーミング中のチャンク間の最大待機時間
}

// RetrievalConfig はハイブリッド検索の設定
type RetrievalConfig struct {
	Mode            string
	Alpha           float64
	RRFK            int
	CandidateLimit  int
	Limit           int
	Threshold       float64
	QueryRewrite    bool
	ImageMinRatio   float64
	ImageMaxResults int
	ImageBaseURL    string
}

// RerankConfig はクロスエンコーダによるリランク設定
type RerankConfig struct {
	Enabled bool
	APIKey  string
	Model   string
	TopN    int
}

// AgentConfig はエージェントループの設定
type AgentConfig struct {
	MaxRounds        int
	MaxDocumentChars int
	SQLMaxRows       int
	SQLTimeout       time.Duration
}

// IngestionConfig はドキュメント取り込みの設定
type IngestionConfig struct {
	ChunkSize       int
	ChunkOverlap    int
	PoolSize        int
	ExtractMetadata bool // LLM でドキュメントのメタデータを抽出する
}

// WebSearchConfig はWeb検索の設定（APIキーが空なら無効）
type WebSearchConfig struct {
	TavilyAPIKey string
}

// ServerConfig はHTTPサーバー設定
type ServerConfig struct {
	Port int
}

// LogConfig はログ設定
type LogConfig struct {
	Level  string
	Format string
}

// Load は環境変数または.envファイルから設定を読み込みます
func Load(envFilePath string) (*Config, error) {
	// .envファイルが存在する場合は読み込む
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			// ファイルが存在しない場合はエラーとしない（環境変数のみで動作可能）
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to load .env file: %w", err)
			}
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "docrag"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "docrag"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		OpenAI: OpenAIConfig{
			APIKey:             getEnv("OPENAI_API_KEY", ""),
			BaseURL:            getEnv("OPENAI_BASE_URL", ""),
			LLMModel:           getEnv("OPENAI_LLM_MODEL", "gpt-4o-mini"),
			EmbeddingModel:     getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			EmbeddingDimension: getEnvAsInt("OPENAI_EMBEDDING_DIMENSION", 1536),
			StreamIdleTimeout:  getEnvAsDuration("OPENAI_STREAM_IDLE_TIMEOUT", 60*time.Second),
		},
		Retrieval: RetrievalConfig{
			Mode:            getEnv("SEARCH_MODE", string(search.ModeHybrid)),
			Alpha:           getEnvAsFloat("HYBRID_ALPHA", search.DefaultAlpha),
			RRFK:            getEnvAsInt("RRF_K", search.DefaultRRFK),
			CandidateLimit:  getEnvAsInt("HYBRID_CANDIDATE_LIMIT", search.DefaultCandidateLimit),
			Limit:           getEnvAsInt("RETRIEVAL_LIMIT", search.DefaultLimit),
			Threshold:       getEnvAsFloat("RETRIEVAL_THRESHOLD", 0.0),
			QueryRewrite:    getEnvAsBool("QUERY_REWRITE_ENABLED", false),
			ImageMinRatio:   getEnvAsFloat("IMAGE_SIMILARITY_MIN_RATIO", 0.6),
			ImageMaxResults: getEnvAsInt("IMAGE_MAX_RESULTS", 3),
			ImageBaseURL:    getEnv("IMAGE_BASE_URL", agent.DefaultImageBaseURL),
		},
		Rerank: RerankConfig{
			Enabled: getEnvAsBool("RERANK_ENABLED", false),
			APIKey:  getEnv("RERANK_API_KEY", ""),
			Model:   getEnv("RERANK_MODEL", "rerank-v3.5"),
			TopN:    getEnvAsInt("RERANK_TOP_N", search.DefaultRerankTopN),
		},
		Agent: AgentConfig{
			MaxRounds:        getEnvAsInt("AGENT_MAX_ROUNDS", agent.DefaultMaxRounds),
			MaxDocumentChars: getEnvAsInt("AGENT_MAX_DOCUMENT_CHARS", agent.DefaultMaxDocumentChars),
			SQLMaxRows:       getEnvAsInt("SQL_MAX_ROWS", agent.DefaultSQLMaxRows),
			SQLTimeout:       getEnvAsDuration("SQL_TIMEOUT", 15*time.Second),
		},
		Ingestion: IngestionConfig{
			ChunkSize:       getEnvAsInt("CHUNK_SIZE", ingestion.DefaultChunkSize),
			ChunkOverlap:    getEnvAsInt("CHUNK_OVERLAP", ingestion.DefaultChunkOverlap),
			PoolSize:        getEnvAsInt("INGEST_POOL_SIZE", ingestion.DefaultPoolSize),
			ExtractMetadata: getEnvAsBool("INGEST_EXTRACT_METADATA", true),
		},
		WebSearch: WebSearchConfig{
			TavilyAPIKey: getEnv("TAVILY_API_KEY", ""),
		},
		Server: ServerConfig{
			Port: getEnvAsInt("HTTP_PORT", 8080),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

// Validate は設定値を検証します
// alpha は拒否せず [0,1] に丸め、警告を出します
func (c *Config) Validate() error {
	var errs []error

	if c.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if _, ok := search.ParseMode(c.Retrieval.Mode); !ok {
		errs = append(errs, fmt.Errorf("SEARCH_MODE must be one of vector, keyword, hybrid: %q", c.Retrieval.Mode))
	}
	if c.Retrieval.RRFK <= 0 {
		errs = append(errs, fmt.Errorf("RRF_K must be positive: %d", c.Retrieval.RRFK))
	}
	if c.Retrieval.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("HYBRID_CANDIDATE_LIMIT must be positive: %d", c.Retrieval.CandidateLimit))
	}
	if c.Retrieval.Limit <= 0 {
		errs = append(errs, fmt.Errorf("RETRIEVAL_LIMIT must be positive: %d", c.Retrieval.Limit))
	}
	if c.Rerank.Enabled && c.Rerank.APIKey == "" {
		errs = append(errs, errors.New("RERANK_API_KEY is required when RERANK_ENABLED is true"))
	}
	if c.Agent.MaxRounds <= 0 {
		errs = append(errs, fmt.Errorf("AGENT_MAX_ROUNDS must be positive: %d", c.Agent.MaxRounds))
	}
	if c.Ingestion.ChunkSize <= 0 || c.Ingestion.ChunkOverlap < 0 || c.Ingestion.ChunkOverlap >= c.Ingestion.ChunkSize {
		errs = append(errs, fmt.Errorf("CHUNK_OVERLAP must be in [0, CHUNK_SIZE): size=%d overlap=%d",
			c.Ingestion.ChunkSize, c.Ingestion.ChunkOverlap))
	}

	if c.Retrieval.Alpha < 0 || c.Retrieval.Alpha > 1 {
		clamped := min(max(c.Retrieval.Alpha, 0), 1)
		slog.Warn("HYBRID_ALPHA is out of range and was clamped",
			"alpha", c.Retrieval.Alpha,
			"clamped", clamped,
		)
		c.Retrieval.Alpha = clamped
	}

	return errors.Join(errs...)
}

// SearchConfig は検索サービス用の設定値を返します
func (c *Config) SearchConfig() search.Config {
	mode, _ := search.ParseMode(c.Retrieval.Mode)
	return search.Config{
		Mode:           mode,
		Alpha:          c.Retrieval.Alpha,
		K:              c.Retrieval.RRFK,
		CandidateLimit: c.Retrieval.CandidateLimit,
		Limit:          c.Retrieval.Limit,
		Threshold:      c.Retrieval.Threshold,
		RerankEnabled:  c.Rerank.Enabled,
		RerankTopN:     c.Rerank.TopN,
	}
}

// LoopConfig はエージェントループ用の設定値を返します
func (c *Config) LoopConfig() agent.LoopConfig {
	return agent.LoopConfig{MaxRounds: c.Agent.MaxRounds}
}

// RetrieveConfig は検索ツール用の設定値を返します
func (c *Config) RetrieveConfig() agent.RetrieveConfig {
	return agent.RetrieveConfig{
		QueryRewrite:    c.Retrieval.QueryRewrite,
		Limit:           c.Retrieval.Limit,
		ImageMinRatio:   c.Retrieval.ImageMinRatio,
		ImageMaxResults: c.Retrieval.ImageMaxResults,
		ImageBaseURL:    c.Retrieval.ImageBaseURL,
	}
}

// AskSettings はチャット1リクエスト分の設定値を返します
func (c *Config) AskSettings() ask.Settings {
	return ask.Settings{
		Search:           c.SearchConfig(),
		Loop:             c.LoopConfig(),
		Retrieve:         c.RetrieveConfig(),
		MaxDocumentChars: c.Agent.MaxDocumentChars,
		SQLMaxRows:       c.Agent.SQLMaxRows,
	}
}

// LoggerConfig はロガー設定を返します
func (c *Config) LoggerConfig() logger.Config {
	return logger.Config{
		Level:  logger.ParseLevel(c.Log.Level),
		Format: c.Log.Format,
	}
}

// DatabaseURL は pgx 用の接続文字列を返します
func (c DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.DBName,
		c.SSLMode,
	)
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt は環境変数を整数として取得します
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := strings.TrimSpace(os.Getenv(key))
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は環境変数を時間として取得します（"15s" または秒数）
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
