package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env               string
	ServiceName       string
	HTTPPort          int
	LogLevel          string
	ConfigPath        string
	RequestTimeoutMS  int
	RequestTimeout    time.Duration
	ShutdownTimeoutMS int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int
	DBAutoMigrate    bool

	KafkaBrokers       []string
	KafkaClientID      string
	KafkaGroupID       string
	ContactsTopic      string
	VerifiedTopic      string
	KafkaRetryMax      int
	KafkaWriteMS       int
	KafkaStartEarliest bool

	ConsumerRetryMax       int
	ConsumerRetryBackoffMS int

	VerifyWorkers         int
	VerifyQueueDepth      int
	VerifySubmitTimeoutMS int
	VerifyTimeoutMS       int
	VerifyDrainTimeoutMS  int
	DirectWorkers         int
	DirectQueueDepth      int

	VerifierMode      string
	VerifierDelayMS   int
	VerifierURL       string
	VerifierTimeoutMS int
	VerifierRetryMax  int

	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	OutcomeCacheTTLSec int

	AsynqRedisAddr     string
	AsynqRedisPass     string
	AsynqRedisDB       int
	AsynqQueue         string
	AsynqConcurrency   int
	RedriveBatchSize   int
	RedriveMaxAttempts int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int
	RedriveRole     string

	RateLimitRPS   float64
	RateLimitBurst int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

const (
	VerifierModeStub   = "stub"
	VerifierModeRemote = "remote"
)

func defaults(serviceName string, httpPort int) Config {
	return Config{
		ServiceName:            serviceName,
		HTTPPort:               httpPort,
		LogLevel:               "info",
		RequestTimeoutMS:       30000,
		ShutdownTimeoutMS:      15000,
		DBMaxConns:             10,
		DBMinConns:             1,
		DBConnMaxIdleSec:       300,
		DBConnMaxLifeSec:       1800,
		DBAutoMigrate:          true,
		KafkaGroupID:           "integration-service",
		ContactsTopic:          "contacts",
		VerifiedTopic:          "customer-ssn-verified",
		KafkaRetryMax:          3,
		KafkaWriteMS:           5000,
		KafkaStartEarliest:     true,
		ConsumerRetryMax:       3,
		ConsumerRetryBackoffMS: 1000,
		VerifyWorkers:          8,
		VerifyQueueDepth:       50,
		VerifySubmitTimeoutMS:  30000,
		VerifyTimeoutMS:        30000,
		VerifyDrainTimeoutMS:   20000,
		DirectWorkers:          10,
		DirectQueueDepth:       100,
		VerifierMode:           VerifierModeStub,
		VerifierDelayMS:        5000,
		VerifierTimeoutMS:      10000,
		VerifierRetryMax:       2,
		OutcomeCacheTTLSec:     300,
		AsynqQueue:             "default",
		AsynqConcurrency:       2,
		RedriveBatchSize:       100,
		RedriveMaxAttempts:     10,
		InfluxTimeoutMS:        5000,
		JWKSTTLSeconds:         300,
		JWTClockSkewSec:        60,
		RedriveRole:            "integration-admin",
		RateLimitRPS:           5,
		RateLimitBurst:         10,
		OtelInsecure:           true,
		OtelSampleRatio:        1.0,
	}
}

// binding maps one configuration key onto a Config field. Exactly one target is set.
type binding struct {
	key    string
	str    *string
	secret bool
	num    *int
	float  *float64
	flag   *bool
	list   *[]string
}

func bindings(cfg *Config) []binding {
	return []binding{
		{key: "ENV", str: &cfg.Env},
		{key: "SERVICE_NAME", str: &cfg.ServiceName},
		{key: "HTTP_PORT", num: &cfg.HTTPPort},
		{key: "LOG_LEVEL", str: &cfg.LogLevel},
		{key: "REQUEST_TIMEOUT_MS", num: &cfg.RequestTimeoutMS},
		{key: "SHUTDOWN_TIMEOUT_MS", num: &cfg.ShutdownTimeoutMS},
		{key: "DATABASE_URL", str: &cfg.DatabaseURL},
		{key: "DB_MAX_CONNS", num: &cfg.DBMaxConns},
		{key: "DB_MIN_CONNS", num: &cfg.DBMinConns},
		{key: "DB_CONN_MAX_IDLE_SECONDS", num: &cfg.DBConnMaxIdleSec},
		{key: "DB_CONN_MAX_LIFETIME_SECONDS", num: &cfg.DBConnMaxLifeSec},
		{key: "DB_AUTO_MIGRATE", flag: &cfg.DBAutoMigrate},
		{key: "KAFKA_BROKERS", list: &cfg.KafkaBrokers},
		{key: "KAFKA_CLIENT_ID", str: &cfg.KafkaClientID},
		{key: "KAFKA_CONSUMER_GROUP", str: &cfg.KafkaGroupID},
		{key: "KAFKA_CONTACTS_TOPIC", str: &cfg.ContactsTopic},
		{key: "KAFKA_VERIFIED_TOPIC", str: &cfg.VerifiedTopic},
		{key: "KAFKA_RETRY_MAX", num: &cfg.KafkaRetryMax},
		{key: "KAFKA_WRITE_TIMEOUT_MS", num: &cfg.KafkaWriteMS},
		{key: "KAFKA_START_EARLIEST", flag: &cfg.KafkaStartEarliest},
		{key: "CONSUMER_RETRY_MAX", num: &cfg.ConsumerRetryMax},
		{key: "CONSUMER_RETRY_BACKOFF_MS", num: &cfg.ConsumerRetryBackoffMS},
		{key: "VERIFY_WORKERS", num: &cfg.VerifyWorkers},
		{key: "VERIFY_QUEUE_DEPTH", num: &cfg.VerifyQueueDepth},
		{key: "VERIFY_SUBMIT_TIMEOUT_MS", num: &cfg.VerifySubmitTimeoutMS},
		{key: "VERIFY_TIMEOUT_MS", num: &cfg.VerifyTimeoutMS},
		{key: "VERIFY_DRAIN_TIMEOUT_MS", num: &cfg.VerifyDrainTimeoutMS},
		{key: "DIRECT_WORKERS", num: &cfg.DirectWorkers},
		{key: "DIRECT_QUEUE_DEPTH", num: &cfg.DirectQueueDepth},
		{key: "VERIFIER_MODE", str: &cfg.VerifierMode},
		{key: "VERIFIER_DELAY_MS", num: &cfg.VerifierDelayMS},
		{key: "VERIFIER_URL", str: &cfg.VerifierURL},
		{key: "VERIFIER_TIMEOUT_MS", num: &cfg.VerifierTimeoutMS},
		{key: "VERIFIER_RETRY_MAX", num: &cfg.VerifierRetryMax},
		{key: "REDIS_ADDR", str: &cfg.RedisAddr},
		{key: "REDIS_PASSWORD", str: &cfg.RedisPassword, secret: true},
		{key: "REDIS_DB", num: &cfg.RedisDB},
		{key: "OUTCOME_CACHE_TTL_SECONDS", num: &cfg.OutcomeCacheTTLSec},
		{key: "ASYNQ_REDIS_ADDR", str: &cfg.AsynqRedisAddr},
		{key: "ASYNQ_REDIS_PASSWORD", str: &cfg.AsynqRedisPass, secret: true},
		{key: "ASYNQ_REDIS_DB", num: &cfg.AsynqRedisDB},
		{key: "ASYNQ_QUEUE", str: &cfg.AsynqQueue},
		{key: "ASYNQ_CONCURRENCY", num: &cfg.AsynqConcurrency},
		{key: "REDRIVE_BATCH_SIZE", num: &cfg.RedriveBatchSize},
		{key: "REDRIVE_MAX_ATTEMPTS", num: &cfg.RedriveMaxAttempts},
		{key: "INFLUX_URL", str: &cfg.InfluxURL},
		{key: "INFLUX_TOKEN", str: &cfg.InfluxToken, secret: true},
		{key: "INFLUX_ORG", str: &cfg.InfluxOrg},
		{key: "INFLUX_BUCKET", str: &cfg.InfluxBucket},
		{key: "INFLUX_TIMEOUT_MS", num: &cfg.InfluxTimeoutMS},
		{key: "OIDC_ISSUER", str: &cfg.OIDCIssuer},
		{key: "OIDC_AUDIENCE", str: &cfg.OIDCAudience},
		{key: "OIDC_JWKS_URL", str: &cfg.OIDCJWKSURL},
		{key: "JWKS_CACHE_TTL_SECONDS", num: &cfg.JWKSTTLSeconds},
		{key: "JWT_CLOCK_SKEW_SECONDS", num: &cfg.JWTClockSkewSec},
		{key: "REDRIVE_ROLE", str: &cfg.RedriveRole},
		{key: "RATE_LIMIT_RPS", float: &cfg.RateLimitRPS},
		{key: "RATE_LIMIT_BURST", num: &cfg.RateLimitBurst},
		{key: "OTEL_ENABLED", flag: &cfg.OtelEnabled},
		{key: "OTEL_EXPORTER_OTLP_ENDPOINT", str: &cfg.OtelEndpoint},
		{key: "OTEL_EXPORTER_OTLP_INSECURE", flag: &cfg.OtelInsecure},
		{key: "OTEL_SAMPLE_RATIO", float: &cfg.OtelSampleRatio},
	}
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	cfg := defaults(serviceNameDefault, httpPortDefault)
	cfg.ConfigPath = strings.TrimSpace(os.Getenv("CONFIG_PATH"))
	envRaw := strings.TrimSpace(os.Getenv("ENV"))

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && envRaw != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", envRaw+".json")
	}

	fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != "")
	problems = append(problems, fileProblems...)
	if ok {
		if fileEnv, ok := fileData["ENV"].(string); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	}

	applyEnv(&cfg, &problems)

	if cfg.OIDCIssuer != "" && cfg.OIDCJWKSURL == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}

	validate(&cfg, httpPortDefault, &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}

	positive(problems, "REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, 30000)
	positive(problems, "SHUTDOWN_TIMEOUT_MS", &cfg.ShutdownTimeoutMS, 15000)
	positive(problems, "DB_MAX_CONNS", &cfg.DBMaxConns, 10)
	nonNegative(problems, "DB_MIN_CONNS", &cfg.DBMinConns, 1)
	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	positive(problems, "DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, 300)
	positive(problems, "DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, 1800)
	nonNegative(problems, "KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, 3)
	positive(problems, "KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, 5000)
	positive(problems, "CONSUMER_RETRY_MAX", &cfg.ConsumerRetryMax, 3)
	nonNegative(problems, "CONSUMER_RETRY_BACKOFF_MS", &cfg.ConsumerRetryBackoffMS, 1000)
	positive(problems, "VERIFY_WORKERS", &cfg.VerifyWorkers, 8)
	positive(problems, "VERIFY_QUEUE_DEPTH", &cfg.VerifyQueueDepth, 50)
	positive(problems, "VERIFY_SUBMIT_TIMEOUT_MS", &cfg.VerifySubmitTimeoutMS, 30000)
	positive(problems, "VERIFY_TIMEOUT_MS", &cfg.VerifyTimeoutMS, 30000)
	positive(problems, "VERIFY_DRAIN_TIMEOUT_MS", &cfg.VerifyDrainTimeoutMS, 20000)
	positive(problems, "DIRECT_WORKERS", &cfg.DirectWorkers, 10)
	positive(problems, "DIRECT_QUEUE_DEPTH", &cfg.DirectQueueDepth, 100)
	nonNegative(problems, "VERIFIER_DELAY_MS", &cfg.VerifierDelayMS, 5000)
	positive(problems, "VERIFIER_TIMEOUT_MS", &cfg.VerifierTimeoutMS, 10000)
	nonNegative(problems, "VERIFIER_RETRY_MAX", &cfg.VerifierRetryMax, 2)
	nonNegative(problems, "REDIS_DB", &cfg.RedisDB, 0)
	positive(problems, "OUTCOME_CACHE_TTL_SECONDS", &cfg.OutcomeCacheTTLSec, 300)
	nonNegative(problems, "ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, 0)
	positive(problems, "ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, 2)
	positive(problems, "REDRIVE_BATCH_SIZE", &cfg.RedriveBatchSize, 100)
	positive(problems, "REDRIVE_MAX_ATTEMPTS", &cfg.RedriveMaxAttempts, 10)
	positive(problems, "INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, 5000)
	positive(problems, "JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, 300)
	nonNegative(problems, "JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, 60)
	positive(problems, "RATE_LIMIT_BURST", &cfg.RateLimitBurst, 10)

	switch strings.ToLower(cfg.VerifierMode) {
	case VerifierModeStub, VerifierModeRemote:
		cfg.VerifierMode = strings.ToLower(cfg.VerifierMode)
	default:
		*problems = append(*problems, Problem{Field: "VERIFIER_MODE", Message: "VERIFIER_MODE must be stub or remote"})
		cfg.VerifierMode = VerifierModeStub
	}
	if cfg.VerifierMode == VerifierModeRemote && cfg.VerifierURL == "" {
		*problems = append(*problems, Problem{Field: "VERIFIER_URL", Message: "VERIFIER_URL is required when VERIFIER_MODE=remote"})
	}
	if cfg.RateLimitRPS <= 0 {
		*problems = append(*problems, Problem{Field: "RATE_LIMIT_RPS", Message: "RATE_LIMIT_RPS must be > 0"})
		cfg.RateLimitRPS = 5
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
	if strings.TrimSpace(cfg.ContactsTopic) == "" {
		*problems = append(*problems, Problem{Field: "KAFKA_CONTACTS_TOPIC", Message: "KAFKA_CONTACTS_TOPIC must not be empty"})
		cfg.ContactsTopic = "contacts"
	}
	if strings.TrimSpace(cfg.VerifiedTopic) == "" {
		*problems = append(*problems, Problem{Field: "KAFKA_VERIFIED_TOPIC", Message: "KAFKA_VERIFIED_TOPIC must not be empty"})
		cfg.VerifiedTopic = "customer-ssn-verified"
	}
}

func positive(problems *[]Problem, field string, v *int, def int) {
	if *v <= 0 {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be > 0"})
		*v = def
	}
}

func nonNegative(problems *[]Problem, field string, v *int, def int) {
	if *v < 0 {
		*problems = append(*problems, Problem{Field: field, Message: field + " must be >= 0"})
		*v = def
	}
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if !explicit {
			return nil, nil, false
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	upper := make(map[string]any, len(raw))
	for k, v := range raw {
		upper[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return upper, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	for _, b := range bindings(cfg) {
		raw := os.Getenv(b.key)
		if b.key == "HTTP_PORT" && strings.TrimSpace(raw) == "" {
			raw = os.Getenv("PORT")
		}
		if !b.secret {
			raw = strings.TrimSpace(raw)
		}
		if raw == "" {
			continue
		}
		if !b.set(raw) {
			*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be " + b.kind()})
		}
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	for _, b := range bindings(cfg) {
		v, ok := raw[b.key]
		if !ok || v == nil {
			continue
		}
		if !b.setAny(v) {
			*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be " + b.kind()})
		}
	}
}

func (b binding) kind() string {
	switch {
	case b.num != nil:
		return "an integer"
	case b.float != nil:
		return "a number"
	case b.flag != nil:
		return "a boolean"
	case b.list != nil:
		return "a list"
	default:
		return "a string"
	}
}

func (b binding) set(raw string) bool {
	switch {
	case b.str != nil:
		*b.str = raw
	case b.num != nil:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return false
		}
		*b.num = n
	case b.float != nil:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return false
		}
		*b.float = f
	case b.flag != nil:
		v, ok := asBool(raw)
		if !ok {
			return false
		}
		*b.flag = v
	case b.list != nil:
		*b.list = parseCSV(raw)
	}
	return true
}

func (b binding) setAny(v any) bool {
	switch {
	case b.str != nil:
		s, ok := v.(string)
		if !ok {
			return false
		}
		if !b.secret {
			s = strings.TrimSpace(s)
		}
		if s != "" {
			*b.str = s
		}
	case b.num != nil:
		n, ok := asInt(v)
		if !ok {
			return false
		}
		*b.num = n
	case b.float != nil:
		f, ok := asFloat(v)
		if !ok {
			return false
		}
		*b.float = f
	case b.flag != nil:
		switch t := v.(type) {
		case bool:
			*b.flag = t
		case string:
			parsed, ok := asBool(t)
			if !ok {
				return false
			}
			*b.flag = parsed
		default:
			return false
		}
	case b.list != nil:
		switch t := v.(type) {
		case string:
			*b.list = parseCSV(t)
		case []any:
			*b.list = parseAnyCSV(t)
		default:
			return false
		}
	}
	return true
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		if t != float64(int(t)) {
			return 0, false
		}
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
