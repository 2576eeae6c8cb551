package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Domain struct {
	Name    string
	Version string
	ChainID int64
}

type Engine struct {
	DBPath       string // "" = in-memory only
	MaxBatchSize int
}

type Relay struct {
	DBPath      string // "" = in-memory only
	ExpirySweep time.Duration
	TxLogFile   string // "" disables the settlement log
}

type P2P struct {
	Enabled    bool
	ListenAddr string
	Bootstrap  []string
}

type API struct {
	Addr string
}

type Config struct {
	Domain Domain
	Engine Engine
	Relay  Relay
	P2P    P2P
	API    API
}

func Default() Config {
	return Config{
		Domain: Domain{
			Name:    "HashFill",
			Version: "1",
			ChainID: 1337,
		},
		Engine: Engine{
			DBPath:       "data/settle.db",
			MaxBatchSize: 16,
		},
		Relay: Relay{
			DBPath:      "data/relay.db",
			ExpirySweep: 5 * time.Second,
			TxLogFile:   "data/transactions.log",
		},
		P2P: P2P{
			Enabled:    false,
			ListenAddr: "/ip4/0.0.0.0/tcp/9000",
		},
		API: API{
			Addr: ":8080",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if chainID := os.Getenv("DOMAIN_CHAIN_ID"); chainID != "" {
		if id, err := strconv.ParseInt(chainID, 10, 64); err == nil {
			cfg.Domain.ChainID = id
		}
	}
	cfg.Domain.Name = getEnv("DOMAIN_NAME", cfg.Domain.Name)
	cfg.Domain.Version = getEnv("DOMAIN_VERSION", cfg.Domain.Version)

	cfg.Engine.DBPath = getEnv("ENGINE_DB_PATH", cfg.Engine.DBPath)
	if maxBatch := os.Getenv("ENGINE_MAX_BATCH"); maxBatch != "" {
		if n, err := strconv.Atoi(maxBatch); err == nil && n > 0 {
			cfg.Engine.MaxBatchSize = n
		}
	}

	cfg.Relay.DBPath = getEnv("RELAY_DB_PATH", cfg.Relay.DBPath)
	cfg.Relay.TxLogFile = getEnv("TX_LOG_FILE", cfg.Relay.TxLogFile)
	if sweep := os.Getenv("RELAY_EXPIRY_SWEEP_MS"); sweep != "" {
		if ms, err := strconv.Atoi(sweep); err == nil && ms > 0 {
			cfg.Relay.ExpirySweep = time.Duration(ms) * time.Millisecond
		}
	}

	if enabled := os.Getenv("P2P_ENABLED"); enabled != "" {
		cfg.P2P.Enabled = enabled == "true"
	}
	cfg.P2P.ListenAddr = getEnv("P2P_LISTEN_ADDR", cfg.P2P.ListenAddr)
	if bootstrap := os.Getenv("P2P_BOOTSTRAP"); bootstrap != "" {
		// Comma-separated multiaddrs
		cfg.P2P.Bootstrap = strings.Split(bootstrap, ",")
	}

	cfg.API.Addr = getEnv("API_ADDR", cfg.API.Addr)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
