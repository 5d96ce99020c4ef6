package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port                    string
	AllowedOrigin           string
	DatabaseURL             string
	RedisAddr               string
	RedisPassword           string
	RedisDB                 int
	CurrencyCacheTTLSeconds int
	BaseCurrency            string
	TaxRate                 decimal.Decimal
	TaxRateRaw              string
	AuthSecret              string
	AccessTokenTTLMinutes   int
	KafkaBrokers            []string
	KafkaTopic              string
	RatesURL                string
	GeminiAPIKey            string
	GeminiModel             string
	LogLevel                string
	LogFile                 string
	AuditBuffer             int
}

// Load reads the environment, after merging an optional .env file. Values
// already present in the environment win over the file.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	ttl, err := strconv.Atoi(getEnv("CURRENCY_CACHE_TTL_SECONDS", "60"))
	if err != nil || ttl < 1 {
		ttl = 60
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	taxRateRaw := strings.TrimSpace(getEnv("TAX_RATE", "0"))
	taxRate, err := ParseTaxRate(taxRateRaw)
	if err != nil {
		taxRate = decimal.Zero
	}
	auditBuffer, err := strconv.Atoi(getEnv("AUDIT_BUFFER", "256"))
	if err != nil || auditBuffer < 0 {
		auditBuffer = 256
	}

	return Config{
		Port:                    getEnv("PORT", "8080"),
		AllowedOrigin:           getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 redisDB,
		CurrencyCacheTTLSeconds: ttl,
		BaseCurrency:            strings.ToUpper(strings.TrimSpace(getEnv("BASE_CURRENCY", "USD"))),
		TaxRate:                 taxRate,
		TaxRateRaw:              taxRateRaw,
		AuthSecret:              strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:   tokenTTL,
		KafkaBrokers:            splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:              getEnv("KAFKA_TOPIC", "tillcore.commerce"),
		RatesURL:                strings.TrimSpace(os.Getenv("RATES_URL")),
		GeminiAPIKey:            strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		GeminiModel:             getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		LogFile:                 os.Getenv("LOG_FILE"),
		AuditBuffer:             auditBuffer,
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// ParseTaxRate parses TAX_RATE. Empty means no tax; negative or malformed
// values are errors.
func ParseTaxRate(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("TAX_RATE %q is not a number", raw)
	}
	if rate.IsNegative() {
		return decimal.Zero, fmt.Errorf("TAX_RATE %q must not be negative", raw)
	}
	return rate, nil
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
