package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBDriver string
	DBDSN    string
	DBSchema string
	DBPath   string

	RPCURL      string
	RPCUser     string
	RPCPassword string

	ListenAddr   string
	APIToken     string
	PollInterval time.Duration
	BatchWidth   int64
	ScanWorkers  int
	ZMQHashBlock string

	BrokerDriver       string
	BrokerURL          string
	BrokerTopic        string
	BrokerPollInterval time.Duration
	BrokerBatchSize    int
}

func FromFlags() Config {
	var cfg Config

	flag.StringVar(&cfg.DBDriver, "db-driver", getenv("VEIL_SCAN_DB_DRIVER", "postgres"), "Database driver (postgres, mysql, rocksdb)")
	flag.StringVar(&cfg.DBDSN, "db-dsn", getenv("VEIL_SCAN_DB_DSN", "postgres://localhost:5432/veilscan?sslmode=disable"), "Database DSN for postgres/mysql")
	flag.StringVar(&cfg.DBSchema, "db-schema", getenv("VEIL_SCAN_DB_SCHEMA", ""), "Postgres schema for veil-scan tables (optional)")
	flag.StringVar(&cfg.DBPath, "db-path", getenv("VEIL_SCAN_DB_PATH", ""), "RocksDB (Pebble) path (required when db-driver=rocksdb)")

	flag.StringVar(&cfg.RPCURL, "rpc-url", getenv("VEIL_SCAN_RPC_URL", "http://127.0.0.1:8232"), "Node RPC URL")
	flag.StringVar(&cfg.RPCUser, "rpc-user", getenv("VEIL_SCAN_RPC_USER", ""), "Node RPC username")
	flag.StringVar(&cfg.RPCPassword, "rpc-pass", getenv("VEIL_SCAN_RPC_PASS", ""), "Node RPC password")

	flag.StringVar(&cfg.ListenAddr, "listen", getenv("VEIL_SCAN_LISTEN", "127.0.0.1:8080"), "HTTP listen address")
	flag.StringVar(&cfg.APIToken, "api-token", getenv("VEIL_SCAN_API_TOKEN", ""), "Bearer token required on API requests (empty = no auth)")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", getenvDuration("VEIL_SCAN_POLL_INTERVAL", 2*time.Second), "Tip poll interval (fallback when ZMQ is not used)")
	flag.Int64Var(&cfg.BatchWidth, "batch-width", getenvInt64("VEIL_SCAN_BATCH_WIDTH", 100), "Maximum blocks per scan range")
	flag.IntVar(&cfg.ScanWorkers, "scan-workers", getenvInt("VEIL_SCAN_WORKERS", 0), "Trial-decryption workers (0 = GOMAXPROCS)")
	flag.StringVar(&cfg.ZMQHashBlock, "zmq-hashblock", getenv("VEIL_SCAN_ZMQ_HASHBLOCK", ""), "Optional ZMQ endpoint for hashblock notifications (tcp://host:port)")

	flag.StringVar(&cfg.BrokerDriver, "broker-driver", getenv("VEIL_SCAN_BROKER_DRIVER", "none"), "Message broker driver (none, kafka, nats, rabbitmq)")
	flag.StringVar(&cfg.BrokerURL, "broker-url", getenv("VEIL_SCAN_BROKER_URL", ""), "Message broker URL/DSN")
	flag.StringVar(&cfg.BrokerTopic, "broker-topic", getenv("VEIL_SCAN_BROKER_TOPIC", "veil.scan.events"), "Message broker topic/subject/queue name")
	flag.DurationVar(&cfg.BrokerPollInterval, "broker-poll-interval", getenvDuration("VEIL_SCAN_BROKER_POLL_INTERVAL", 500*time.Millisecond), "Broker outbox poll interval")
	flag.IntVar(&cfg.BrokerBatchSize, "broker-batch-size", getenvInt("VEIL_SCAN_BROKER_BATCH_SIZE", 1000), "Broker outbox batch size")

	flag.Parse()
	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
