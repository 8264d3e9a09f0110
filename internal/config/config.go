package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/jordimassana/bankfeed/internal/domain"
)

type Config struct {
	Server  ServerConfig
	Scrape  ScrapeConfig
	Feed    FeedConfig
	Logging LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ShutdownTimeout time.Duration
}

type ScrapeConfig struct {
	DetailWorkers int
	FaultCeiling  int
}

type FeedConfig struct {
	BaseURL string
	Proxies []domain.Proxy
}

type LoggingConfig struct {
	Level string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using default values")
	}

	return &Config{
		Server: ServerConfig{
			Port:            getEnv("SERVER_PORT", "8080"),
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Scrape: ScrapeConfig{
			DetailWorkers: getIntEnv("DETAIL_WORKERS", 2),
			FaultCeiling:  getIntEnv("DETAIL_FAULT_CEILING", 5),
		},
		Feed: FeedConfig{
			BaseURL: getEnv("FEED_BASE_URL", "http://localhost:9090"),
			Proxies: getProxiesEnv("PROXY_URLS"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getIntEnv(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Invalid value for %s: %s, using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}

	return value
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		log.Printf("Invalid duration for %s: %s, using default: %s", key, valueStr, defaultValue)
		return defaultValue
	}

	return value
}

// getProxiesEnv parses a comma-separated list of name=endpoint pairs, e.g.
// "eu1=http://10.0.0.1:3128,eu2=http://10.0.0.2:3128". Each endpoint serves
// both http and https traffic. An empty variable means direct connections.
func getProxiesEnv(key string) []domain.Proxy {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return nil
	}

	var proxies []domain.Proxy
	for _, pair := range strings.Split(valueStr, ",") {
		name, endpoint, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || name == "" || endpoint == "" {
			log.Printf("Invalid proxy entry for %s: %q, skipping", key, pair)
			continue
		}
		proxies = append(proxies, domain.Proxy{
			Name: name,
			Endpoints: map[string]string{
				"http":  endpoint,
				"https": endpoint,
			},
		})
	}
	return proxies
}
