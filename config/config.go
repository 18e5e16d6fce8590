package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoadENV loads environment variables from .env unless GO_ENV says otherwise
func LoadENV() error {
	goEnv := os.Getenv("GO_ENV")

	if goEnv == "" || goEnv == "development" {
		err := godotenv.Load()
		if err != nil {
			return err
		}
	}

	return nil
}

// EnvironmentVariable holds all recognized configuration options
type EnvironmentVariable struct {
	GO_ENV string

	// Database
	DB_USER_NAME string
	DB_PASSWORD  string
	DB_NAME      string
	DB_HOST      string
	DB_PORT      string
	DB_SSL_MODE  string

	// Redis
	REDIS_URL string

	// DigitalOcean Spaces (artifact storage)
	DO_SPACES_ACCESS_KEY string
	DO_SPACES_SECRET_KEY string
	DO_SPACES_BUCKET     string
	DO_SPACES_REGION     string
	DO_SPACES_ENDPOINT   string
	DO_SPACES_CDN_URL    string

	// Inference (external classification service)
	DO_INFERENCE_API_KEY string
	DO_INFERENCE_MODEL   string

	// Pipeline knobs
	ACCEPT_CONFIDENCE    float64       // classifier acceptance threshold
	CLASSIFY_BATCH_SIZE  int           // units per external classification call
	CLASSIFY_RATE_DELAY  time.Duration // minimum delay between external calls
	CLASSIFY_TIMEOUT     time.Duration // per-batch external call timeout
	SUBJECT_PROFILE_PATH string        // optional JSON override for subject profiles
	WORKSHEET_TTL        time.Duration // lifetime of generated worksheets
	WORKSHEET_CACHE_TTL  time.Duration // redis cache lifetime for assembly results
	WORKSHEET_MAX_COUNT  int           // hard ceiling on criteria.MaxCount
}

// Get reads the environment into an EnvironmentVariable with defaults applied
func Get() (*EnvironmentVariable, error) {
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}

	dbPort := os.Getenv("DB_PORT")
	if dbPort == "" {
		dbPort = "5432"
	}

	env := &EnvironmentVariable{
		GO_ENV:       os.Getenv("GO_ENV"),
		DB_USER_NAME: os.Getenv("DB_USER_NAME"),
		DB_PASSWORD:  os.Getenv("DB_PASSWORD"),
		DB_NAME:      os.Getenv("DB_NAME"),
		DB_HOST:      dbHost,
		DB_PORT:      dbPort,
		DB_SSL_MODE:  os.Getenv("DB_SSL_MODE"),

		REDIS_URL: os.Getenv("REDIS_URL"),

		DO_SPACES_ACCESS_KEY: os.Getenv("DO_SPACES_ACCESS_KEY"),
		DO_SPACES_SECRET_KEY: os.Getenv("DO_SPACES_SECRET_KEY"),
		DO_SPACES_BUCKET:     os.Getenv("DO_SPACES_BUCKET"),
		DO_SPACES_REGION:     os.Getenv("DO_SPACES_REGION"),
		DO_SPACES_ENDPOINT:   os.Getenv("DO_SPACES_ENDPOINT"),
		DO_SPACES_CDN_URL:    os.Getenv("DO_SPACES_CDN_URL"),

		DO_INFERENCE_API_KEY: os.Getenv("DO_INFERENCE_API_KEY"),
		DO_INFERENCE_MODEL:   os.Getenv("DO_INFERENCE_MODEL"),

		ACCEPT_CONFIDENCE:    envFloat("ACCEPT_CONFIDENCE", 0.7),
		CLASSIFY_BATCH_SIZE:  envInt("CLASSIFY_BATCH_SIZE", 8),
		CLASSIFY_RATE_DELAY:  envDuration("CLASSIFY_RATE_DELAY", 2*time.Second),
		CLASSIFY_TIMEOUT:     envDuration("CLASSIFY_TIMEOUT", 90*time.Second),
		SUBJECT_PROFILE_PATH: os.Getenv("SUBJECT_PROFILE_PATH"),
		WORKSHEET_TTL:        envDuration("WORKSHEET_TTL", 7*24*time.Hour),
		WORKSHEET_CACHE_TTL:  envDuration("WORKSHEET_CACHE_TTL", 30*time.Minute),
		WORKSHEET_MAX_COUNT:  envInt("WORKSHEET_MAX_COUNT", 50),
	}

	return env, nil
}

func envInt(key string, fallback int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func envFloat(key string, fallback float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || v <= 0 || v > 1 {
		return fallback
	}
	return v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(key))
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}
