package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DB      DBConfig
	JWT     JWTConfig
	Server  ServerConfig
	Passkey PasskeyConfig
}

type DBConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
	SSLMode  string
}

type JWTConfig struct {
	Secret          string
	ExpirationHours int
}

type ServerConfig struct {
	Port        string
	Environment string
	LoginDest   string
}

// PasskeyConfig controls relying-party resolution and ceremony policy.
type PasskeyConfig struct {
	RPName                  string
	RPID                    string
	AllowedHosts            []string
	DomainNames             map[string]string
	Timeout                 time.Duration
	ChallengeTTL            time.Duration
	RequireUserVerification bool
	RequireUserPresence     bool
	DisableOnCloneSuspicion bool
}

func Load() *Config {
	return &Config{
		DB: DBConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "passkeygate"),
			Password: getEnv("DB_PASSWORD", "passkeygate_secret"),
			Name:     getEnv("DB_NAME", "passkeygate"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		JWT: JWTConfig{
			Secret:          getEnv("JWT_SECRET", "change-me-in-production"),
			ExpirationHours: getEnvAsInt("JWT_EXPIRATION_HOURS", 24),
		},
		Server: ServerConfig{
			Port:        getEnv("SERVER_PORT", "8080"),
			Environment: getEnv("APP_ENV", "dev"),
			LoginDest:   getEnv("LOGIN_DEST", "/"),
		},
		Passkey: PasskeyConfig{
			RPName:                  getEnv("PASSKEY_RP_NAME", ""),
			RPID:                    getEnv("PASSKEY_RP_ID", ""),
			AllowedHosts:            getEnvAsList("PASSKEY_ALLOWED_HOSTS", nil),
			DomainNames:             getEnvAsMap("PASSKEY_DOMAIN_NAMES", nil),
			Timeout:                 getEnvAsDuration("PASSKEY_TIMEOUT", 60*time.Second),
			ChallengeTTL:            getEnvAsDuration("PASSKEY_CHALLENGE_TTL", 5*time.Minute),
			RequireUserVerification: getEnvAsBool("PASSKEY_REQUIRE_USER_VERIFICATION", true),
			RequireUserPresence:     getEnvAsBool("PASSKEY_REQUIRE_USER_PRESENCE", true),
			DisableOnCloneSuspicion: getEnvAsBool("PASSKEY_DISABLE_ON_CLONE", false),
		},
	}
}

func (s ServerConfig) IsDev() bool {
	return s.Environment == "dev"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvAsList parses a comma-separated value, e.g. "example.com,shop.example.com".
func getEnvAsList(key string, fallback []string) []string {
	if value, ok := os.LookupEnv(key); ok {
		var out []string
		for _, item := range strings.Split(value, ",") {
			item = strings.TrimSpace(item)
			if item != "" {
				out = append(out, item)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}

// getEnvAsMap parses "key=value" pairs separated by commas, e.g.
// "shop.example.com=Example Shop,example.com=Example".
func getEnvAsMap(key string, fallback map[string]string) map[string]string {
	if value, ok := os.LookupEnv(key); ok {
		out := map[string]string{}
		for _, pair := range strings.Split(value, ",") {
			k, v, found := strings.Cut(pair, "=")
			k = strings.TrimSpace(k)
			v = strings.TrimSpace(v)
			if found && k != "" && v != "" {
				out[k] = v
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
