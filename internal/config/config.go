// Package config loads ratelimitd's runtime configuration from flags,
// environment variables (RATELIMIT_* prefix) and an optional .env file,
// the same layered precedence the teacher's agent CLI uses for its own
// PULSE_* settings.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// StorageBackend selects the CounterStorage implementation ratelimitd runs.
type StorageBackend string

const (
	StorageMemory      StorageBackend = "memory"
	StorageSQLite      StorageBackend = "sqlite"
	StorageDistributed StorageBackend = "distributed"
)

// HeadersPolicy selects whether and how rate-limit headers are attached to
// responses. Mirrors ratelimiter.HeadersPolicy as strings for flag parsing.
type HeadersPolicy string

const (
	HeadersNone    HeadersPolicy = "none"
	HeadersDraft03 HeadersPolicy = "draft-03"
)

// multiValue accumulates repeated occurrences of a flag, same shape as the
// teacher's pulse-agent multiValue for --tags.
type multiValue []string

func (m *multiValue) String() string { return strings.Join(*m, ",") }

func (m *multiValue) Set(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	*m = append(*m, value)
	return nil
}

// Config holds everything needed to start the façade and replication broker.
type Config struct {
	ListenAddr    string
	BrokerAddr    string
	MetricsAddr   string
	ReplicaID     string
	PeerSeedURLs  []string
	RulesetPath   string
	Headers       HeadersPolicy
	Storage       StorageBackend
	SQLiteDSN     string
	LogLevel      zerolog.Level
	Logger        *zerolog.Logger
}

// Load merges args, the process environment (via getenv) and an optional
// .env file (loaded as a side effect, same as the teacher's agent does at
// startup) into a Config.
func Load(args []string, getenv func(string) string) (Config, error) {
	if path := strings.TrimSpace(getenv("RATELIMIT_DOTENV")); path != "" {
		_ = godotenv.Load(path)
	} else {
		_ = godotenv.Load()
	}

	envListenAddr := strings.TrimSpace(getenv("RATELIMIT_LISTEN_ADDR"))
	envBrokerAddr := strings.TrimSpace(getenv("RATELIMIT_BROKER_ADDR"))
	envMetricsAddr := strings.TrimSpace(getenv("RATELIMIT_METRICS_ADDR"))
	envReplicaID := strings.TrimSpace(getenv("RATELIMIT_REPLICA_ID"))
	envRulesetPath := strings.TrimSpace(getenv("RATELIMIT_RULESET_PATH"))
	envHeaders := strings.TrimSpace(getenv("RATELIMIT_HEADERS"))
	envStorage := strings.TrimSpace(getenv("RATELIMIT_STORAGE"))
	envSQLiteDSN := strings.TrimSpace(getenv("RATELIMIT_SQLITE_DSN"))
	envLogLevel := strings.TrimSpace(getenv("RATELIMIT_LOG_LEVEL"))
	envPeers := strings.TrimSpace(getenv("RATELIMIT_PEERS"))

	fs := flag.NewFlagSet("ratelimitd", flag.ContinueOnError)

	listenAddr := fs.String("listen-addr", orDefault(envListenAddr, ":8080"), "RLS façade listen address")
	brokerAddr := fs.String("broker-addr", orDefault(envBrokerAddr, ":8081"), "replication broker listen address")
	metricsAddr := fs.String("metrics-addr", orDefault(envMetricsAddr, ":9090"), "Prometheus /metrics listen address")
	replicaID := fs.String("replica-id", envReplicaID, "stable replica id (defaults to a generated uuid)")
	rulesetPath := fs.String("ruleset", orDefault(envRulesetPath, "limits.yaml"), "path to the YAML limit ruleset")
	headers := fs.String("headers", orDefault(envHeaders, string(HeadersDraft03)), "rate-limit header policy: none|draft-03")
	storage := fs.String("storage", orDefault(envStorage, string(StorageMemory)), "counter storage backend: memory|sqlite|distributed")
	sqliteDSN := fs.String("sqlite-dsn", orDefault(envSQLiteDSN, "ratelimitd.db"), "sqlite DSN, when --storage=sqlite")
	logLevel := fs.String("log-level", defaultLogLevel(envLogLevel), "log level")

	var peers multiValue
	for _, p := range strings.Split(envPeers, ",") {
		_ = peers.Set(p)
	}
	fs.Var(&peers, "peer", "replication peer seed URL (repeatable)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(*logLevel)))
	if err != nil {
		level = zerolog.InfoLevel
	}

	hp := HeadersPolicy(strings.ToLower(strings.TrimSpace(*headers)))
	if hp != HeadersNone && hp != HeadersDraft03 {
		return Config{}, fmt.Errorf("config: invalid --headers %q", *headers)
	}

	sb := StorageBackend(strings.ToLower(strings.TrimSpace(*storage)))
	if sb != StorageMemory && sb != StorageSQLite && sb != StorageDistributed {
		return Config{}, fmt.Errorf("config: invalid --storage %q", *storage)
	}

	id := strings.TrimSpace(*replicaID)
	if id == "" {
		id = uuid.NewString()
	}

	return Config{
		ListenAddr:   *listenAddr,
		BrokerAddr:   *brokerAddr,
		MetricsAddr:  *metricsAddr,
		ReplicaID:    id,
		PeerSeedURLs: []string(peers),
		RulesetPath:  *rulesetPath,
		Headers:      hp,
		Storage:      sb,
		SQLiteDSN:    *sqliteDSN,
		LogLevel:     level,
	}, nil
}

// NewLogger builds the process logger: a human-readable console writer when
// stdout is a terminal, structured JSON lines otherwise — the same branch the
// teacher's CLIs take for interactive vs. piped output.
func NewLogger(level zerolog.Level, isTerminal bool) zerolog.Logger {
	zerolog.SetGlobalLevel(level)
	if isTerminal {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func defaultLogLevel(envValue string) string {
	if strings.TrimSpace(envValue) == "" {
		return "info"
	}
	return envValue
}
