package params

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Node struct {
	DBPath  string // Pebble database directory
	APIAddr string // REST/WebSocket listen address
	LogFile string
}

type Reserve struct {
	BaseAsset  string // base token address (0x...)
	QuoteAsset string // quote token address (0x...)

	MaxOrdersPerMaker int
	MaxOrdersPerTrade int

	// Stake policy in basis points of order value. BurnBps must not exceed
	// StakeBps.
	StakeBps uint64
	BurnBps  uint64

	// MinOrderValue is a decimal string in quote units; it may be moved at
	// runtime by an external feed.
	MinOrderValue string
}

type Config struct {
	Node    Node
	Reserve Reserve
}

func Default() Config {
	return Config{
		Node: Node{
			DBPath:  "./data/reserve.db",
			APIAddr: ":8080",
			LogFile: "data/reserved.log",
		},
		Reserve: Reserve{
			BaseAsset:         "0x0000000000000000000000000000000000000001",
			QuoteAsset:        "0x0000000000000000000000000000000000000002",
			MaxOrdersPerMaker: 32,
			MaxOrdersPerTrade: 10,
			StakeBps:          125, // 1.25% of order value staked
			BurnBps:           25,  // 0.25% of filled value burned
			MinOrderValue:     "1000",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("RESERVE_DB_PATH"); v != "" {
		cfg.Node.DBPath = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}
	if v := os.Getenv("BASE_ASSET"); v != "" {
		cfg.Reserve.BaseAsset = v
	}
	if v := os.Getenv("QUOTE_ASSET"); v != "" {
		cfg.Reserve.QuoteAsset = v
	}
	if v := os.Getenv("MAX_ORDERS_PER_MAKER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reserve.MaxOrdersPerMaker = n
		}
	}
	if v := os.Getenv("MAX_ORDERS_PER_TRADE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reserve.MaxOrdersPerTrade = n
		}
	}
	if v := os.Getenv("STAKE_BPS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Reserve.StakeBps = n
		}
	}
	if v := os.Getenv("BURN_BPS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Reserve.BurnBps = n
		}
	}
	if v := os.Getenv("MIN_ORDER_VALUE"); v != "" {
		cfg.Reserve.MinOrderValue = v
	}

	return cfg
}
