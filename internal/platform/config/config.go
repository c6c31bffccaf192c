package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"loanflow/internal/llm"
	"loanflow/internal/underwriting"
)

// Store backends accepted by LOAN_STORE.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreMySQL    = "mysql"
)

// Server captures process level configuration.
type Server struct {
	Addr        string
	LogLevel    string
	LogFormat   string
	CORSOrigins []string
	DebugRoutes bool

	LLM          llm.Config
	Underwriting underwriting.Config

	KYCDocumentSteps bool
	KYCStepDelay     time.Duration
	PipelineWorkers  int

	LoanStore   string
	DatabaseURL string
	SQLitePath  string
	MySQLDSN    string

	RedisURL       string
	IdempotencyTTL time.Duration

	// Requests per minute per client IP; 0 disables the limit.
	RateLimitLLM   int
	RateLimitLogin int

	KafkaBrokers []string
	KafkaTopic   string

	ManagerUsername string
	ManagerPassword string
	JWTSigningKey   string
	JWTTTL          time.Duration
}

// Load reads a local .env file when present and then builds the config from
// the environment. A missing .env file is not an error.
func Load() (Server, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Server{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Server config from environment variables so main stays lean.
func FromEnv() (Server, error) {
	var p parser
	cfg := Server{
		Addr:        getenv("LOANFLOW_ADDR", ":8000"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogFormat:   getenv("LOG_FORMAT", "json"),
		CORSOrigins: splitList(getenv("CORS_ORIGINS", "http://localhost:3000")),
		DebugRoutes: p.bool("DEBUG_ROUTES", false),

		KYCDocumentSteps: p.bool("KYC_DOCUMENT_STEPS", false),
		KYCStepDelay:     p.duration("KYC_STEP_DELAY", time.Second),
		PipelineWorkers:  p.int("PIPELINE_WORKERS", 8),

		LoanStore:   strings.ToLower(getenv("LOAN_STORE", StoreMemory)),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getenv("SQLITE_PATH", "loanflow.db"),
		MySQLDSN:    os.Getenv("MYSQL_DSN"),

		RedisURL:       os.Getenv("REDIS_URL"),
		IdempotencyTTL: p.duration("IDEMPOTENCY_TTL", 24*time.Hour),
		RateLimitLLM:   p.int("RATE_LIMIT_LLM", 30),
		RateLimitLogin: p.int("RATE_LIMIT_LOGIN", 10),

		KafkaBrokers: splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:   getenv("KAFKA_TOPIC", "loan.timeline"),

		ManagerUsername: getenv("MANAGER_USERNAME", "manager"),
		ManagerPassword: os.Getenv("MANAGER_PASSWORD"),
		JWTSigningKey:   os.Getenv("JWT_SIGNING_KEY"),
		JWTTTL:          p.duration("JWT_TTL", 8*time.Hour),
	}

	cfg.LLM = llm.Config{
		Provider:    getenv("LLM_PROVIDER", llm.ProviderOpenRouter),
		Model:       os.Getenv("LLM_MODEL"),
		Temperature: p.float("LLM_TEMPERATURE", llm.DefaultTemperature),
		MaxTokens:   p.int("LLM_MAX_TOKENS", llm.DefaultMaxTokens),
		Timeout:     p.duration("LLM_TIMEOUT", llm.DefaultTimeout),
	}
	switch strings.ToLower(cfg.LLM.Provider) {
	case llm.ProviderGemini:
		cfg.LLM.APIKey = os.Getenv("GEMINI_API_KEY")
	default:
		cfg.LLM.APIKey = os.Getenv("OPENROUTER_API_KEY")
		cfg.LLM.BaseURL = getenv("OPENROUTER_BASE_URL", llm.DefaultOpenRouterBaseURL)
	}

	uw := underwriting.DefaultConfig()
	if path := os.Getenv("POLICY_FILE"); path != "" {
		if err := LoadPolicyFile(path, &uw); err != nil {
			return Server{}, err
		}
	}
	if v := os.Getenv("UNDERWRITING_POLICY"); v != "" {
		uw.Policy = underwriting.Policy(strings.ToLower(v))
	}
	uw.RatioThreshold = p.float("RATIO_THRESHOLD", uw.RatioThreshold)
	uw.MaxLoanToIncome = p.float("MAX_LOAN_TO_INCOME", uw.MaxLoanToIncome)
	uw.AnnualRate = p.float("ANNUAL_RATE", uw.AnnualRate)
	uw.TenureYears = p.int("TENURE_YEARS", uw.TenureYears)
	cfg.Underwriting = uw

	if p.err != nil {
		return Server{}, p.err
	}
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c Server) Validate() error {
	if err := c.Underwriting.Validate(); err != nil {
		return fmt.Errorf("underwriting config: %w", err)
	}
	switch c.LoanStore {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("LOAN_STORE=postgres requires DATABASE_URL")
		}
	case StoreMySQL:
		if c.MySQLDSN == "" {
			return errors.New("LOAN_STORE=mysql requires MYSQL_DSN")
		}
	default:
		return fmt.Errorf("unknown LOAN_STORE %q", c.LoanStore)
	}
	if c.PipelineWorkers <= 0 {
		return errors.New("PIPELINE_WORKERS must be positive")
	}
	return nil
}

// ManagerLoginEnabled reports whether a manager password was configured.
func (c Server) ManagerLoginEnabled() bool {
	return c.ManagerPassword != ""
}

// LoadPolicyFile overlays the YAML policy at path onto uw.
func LoadPolicyFile(path string, uw *underwriting.Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(raw, uw); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}
	return nil
}

func getenv(k, d string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser keeps the first conversion error so FromEnv reports one failure.
type parser struct {
	err error
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
}

func (p *parser) int(key string, d int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return d
	}
	return n
}

func (p *parser) float(key string, d float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return d
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return d
	}
	return f
}

func (p *parser) bool(key string, d bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return d
	}
	return b
}

func (p *parser) duration(key string, d time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return d
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return d
	}
	return dur
}
