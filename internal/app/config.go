package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr            string
	RequestTimeout      time.Duration
	SourceTimeout       time.Duration
	LogLevel            string
	LogFormat           string
	UserAgent           string
	Region              string
	SourcePriority      []string
	PerSourceLimit      int
	SufficientCount     int
	AudibleEndpoint     string
	AudimetaEndpoint    string
	AudnexusEndpoint    string
	GoogleBooksEndpoint string
	GoogleBooksAPIKey   string
	OpenLibraryEndpoint string
	RedisURL            string
	CacheTTL            time.Duration
	CacheDisabled       bool
	DatabasePath        string
	JanitorInterval     time.Duration
	JanitorMaxAge       time.Duration
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:            getEnv("HTTP_ADDR", ":8085"),
		RequestTimeout:      time.Duration(getEnvInt("SEARCH_TIMEOUT_SECONDS", 20)) * time.Second,
		SourceTimeout:       time.Duration(getEnvInt("SEARCH_SOURCE_TIMEOUT_SECONDS", 5)) * time.Second,
		LogLevel:            strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(getEnv("LOG_FORMAT", "text")),
		UserAgent:           getEnv("SEARCH_USER_AGENT", "book-request-search/1.0"),
		Region:              strings.ToLower(getEnv("SEARCH_REGION", "us")),
		SourcePriority:      splitCSV(getEnv("SEARCH_SOURCE_PRIORITY", "audible,googlebooks,openlibrary")),
		PerSourceLimit:      getEnvInt("SEARCH_PER_SOURCE_LIMIT", 50),
		SufficientCount:     getEnvInt("SEARCH_SUFFICIENT_COUNT", 10),
		AudibleEndpoint:     getEnv("SEARCH_SOURCE_AUDIBLE_ENDPOINT", ""),
		AudimetaEndpoint:    getEnv("SEARCH_SOURCE_AUDIMETA_ENDPOINT", "https://audimeta.de"),
		AudnexusEndpoint:    getEnv("SEARCH_SOURCE_AUDNEXUS_ENDPOINT", "https://api.audnex.us"),
		GoogleBooksEndpoint: getEnv("SEARCH_SOURCE_GOOGLEBOOKS_ENDPOINT", "https://www.googleapis.com/books/v1/volumes"),
		GoogleBooksAPIKey:   strings.TrimSpace(os.Getenv("GOOGLE_BOOKS_API_KEY")),
		OpenLibraryEndpoint: getEnv("SEARCH_SOURCE_OPENLIBRARY_ENDPOINT", "https://openlibrary.org/search.json"),
		RedisURL:            getEnv("REDIS_URL", ""),
		CacheTTL:            time.Duration(getEnvInt("SEARCH_CACHE_TTL_SECONDS", 604800)) * time.Second,
		CacheDisabled:       getEnvBool("SEARCH_CACHE_DISABLED", false),
		DatabasePath:        getEnv("SEARCH_DB_PATH", "data/books.db"),
		JanitorInterval:     time.Duration(getEnvInt("SEARCH_JANITOR_INTERVAL_HOURS", 24)) * time.Hour,
		JanitorMaxAge:       time.Duration(getEnvInt("SEARCH_JANITOR_MAX_AGE_DAYS", 14)) * 24 * time.Hour,
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		value := strings.ToLower(strings.TrimSpace(part))
		if value != "" {
			out = append(out, value)
		}
	}
	return out
}
