package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for numeric options.
const (
	DefaultEventTTL        = 30 * 24 * time.Hour
	DefaultDedupeTTL       = 30 * time.Minute
	DefaultExportMaxItems  = 1000
	DefaultRateLimitWindow = 60 * time.Second
	DefaultRateLimitMax    = 60
	DefaultSignatureWindow = 300 * time.Second

	DefaultNotifyRate        = 5.0
	DefaultNotifyBurst       = 10
	DefaultNotifyMaxInFlight = 64
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config contains runtime configuration required by the service.
type Config struct {
	ListenAddr string

	StoreBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DBURL         string

	EventTTL        time.Duration
	DedupeTTL       time.Duration
	ExportMaxItems  int
	RateLimitWindow time.Duration // <= 0 disables rate limiting
	RateLimitMax    int           // <= 0 disables rate limiting
	SignatureWindow time.Duration // <= 0 disables the ts window check

	RequireSignature bool
	MasterSecret     string
	SigningSecret    string
	IPHMACKey        string

	AdminKey          string
	AllowPublicSign   bool
	AllowPublicExport bool
	PublicBaseURL     string

	TrustRemoteAddr   bool
	EdgeCountryHeader string
	EdgeASNHeader     string
	CORSAllowOrigin   string

	WebhookURL        string
	MailFrom          string
	MailFromName      string
	MailTo            []string
	MailSubjectPrefix string
	MailAPIURL        string
	MailAPIKey        string

	NotifyRatePerSecond float64
	NotifyBurst         int
	NotifyMaxInFlight   int

	LogLevel  string
	LogFormat string
}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load reads the configuration from the environment. When
// KANARIYA_CONFIG_FILE names a YAML file, its values are used for any key
// the environment does not set.
func Load() (Config, error) {
	lookup := LookupFunc(os.LookupEnv)
	if path := strings.TrimSpace(os.Getenv("KANARIYA_CONFIG_FILE")); path != "" {
		file, err := ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		lookup = Overlay(lookup, file)
	}
	return LoadFrom(lookup)
}

// ReadFile parses a flat YAML mapping of option names to scalar values.
// Sequences are joined with commas, so MAIL_TO may be written as a list.
func ReadFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			out[k] = strings.Join(parts, ",")
		case map[string]any:
			return nil, fmt.Errorf("config file %s: %s must be a scalar or a list", path, k)
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out, nil
}

// Overlay returns a lookup that prefers primary and falls back to base.
func Overlay(primary LookupFunc, base map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		if v, ok := primary(key); ok {
			return v, true
		}
		v, ok := base[key]
		return v, ok
	}
}

// LoadFrom builds a Config from lookup.
func LoadFrom(lookup LookupFunc) (Config, error) {
	r := reader{lookup: lookup}

	cfg := Config{
		ListenAddr: r.str("LISTEN_ADDR", ":8080"),

		StoreBackend:  strings.ToLower(r.str("STORE_BACKEND", BackendMemory)),
		RedisAddr:     r.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword: r.str("REDIS_PASSWORD", ""),
		RedisDB:       r.number("REDIS_DB", 0, true),
		DBURL:         r.str("DB_URL", ""),

		EventTTL:        r.seconds("EVENT_TTL_SECONDS", DefaultEventTTL, false),
		DedupeTTL:       r.seconds("DEDUPE_TTL_SECONDS", DefaultDedupeTTL, false),
		ExportMaxItems:  r.number("EXPORT_MAX_ITEMS", DefaultExportMaxItems, false),
		RateLimitWindow: r.seconds("RATE_LIMIT_WINDOW_SECONDS", DefaultRateLimitWindow, true),
		RateLimitMax:    r.number("RATE_LIMIT_MAX", DefaultRateLimitMax, true),
		SignatureWindow: r.seconds("SIGNATURE_WINDOW_SECONDS", DefaultSignatureWindow, true),

		RequireSignature: r.boolean("REQUIRE_SIGNATURE"),
		MasterSecret:     r.str("MASTER_SECRET", ""),
		SigningSecret:    r.str("SIGNING_SECRET", ""),
		IPHMACKey:        r.str("IP_HMAC_KEY", ""),

		AdminKey:          r.str("ADMIN_KEY", ""),
		AllowPublicSign:   r.boolean("ALLOW_PUBLIC_SIGN"),
		AllowPublicExport: r.boolean("ALLOW_PUBLIC_EXPORT"),
		PublicBaseURL:     r.str("PUBLIC_BASE_URL", ""),

		TrustRemoteAddr:   r.boolean("TRUST_REMOTE_ADDR"),
		EdgeCountryHeader: r.str("EDGE_COUNTRY_HEADER", "CF-IPCountry"),
		EdgeASNHeader:     r.str("EDGE_ASN_HEADER", "X-ASN"),
		CORSAllowOrigin:   r.str("CORS_ALLOW_ORIGIN", "*"),

		WebhookURL:        r.str("WEBHOOK_URL", ""),
		MailFrom:          r.str("MAIL_FROM", ""),
		MailFromName:      r.str("MAIL_FROM_NAME", ""),
		MailTo:            r.list("MAIL_TO"),
		MailSubjectPrefix: r.str("MAIL_SUBJECT_PREFIX", "[kanariya]"),
		MailAPIURL:        r.str("MAIL_API_URL", ""),
		MailAPIKey:        r.str("MAIL_API_KEY", ""),

		NotifyRatePerSecond: r.float("NOTIFY_RATE_PER_SECOND", DefaultNotifyRate),
		NotifyBurst:         r.number("NOTIFY_BURST", DefaultNotifyBurst, false),
		NotifyMaxInFlight:   r.number("NOTIFY_MAX_INFLIGHT", DefaultNotifyMaxInFlight, false),

		LogLevel:  strings.ToLower(r.str("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(r.str("LOG_FORMAT", "json")),
	}

	switch cfg.StoreBackend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if cfg.DBURL == "" {
			return Config{}, errors.New("DB_URL required when STORE_BACKEND=postgres")
		}
	default:
		return Config{}, fmt.Errorf("STORE_BACKEND must be memory, redis or postgres, got %q", cfg.StoreBackend)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return Config{}, fmt.Errorf("LOG_FORMAT must be json or console, got %q", cfg.LogFormat)
	}

	return cfg, nil
}

// SigningConfigured reports whether any signing secret is set.
func (c Config) SigningConfigured() bool {
	return c.MasterSecret != "" || c.SigningSecret != ""
}

// SignMaster returns the secret new URLs are signed from: MASTER_SECRET,
// or SIGNING_SECRET when no master is set.
func (c Config) SignMaster() string {
	if c.MasterSecret != "" {
		return c.MasterSecret
	}
	return c.SigningSecret
}

type reader struct {
	lookup LookupFunc
}

func (r reader) str(key, def string) string {
	v, ok := r.lookup(key)
	if !ok {
		return def
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return def
	}
	return v
}

// number parses an integer option. Absent or non-numeric values give def.
// Values <= 0 give def unless keepNonPositive is set, in which case they
// are returned as an explicit "off" switch.
func (r reader) number(key string, def int, keepNonPositive bool) int {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		// "60.0" is numeric too.
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || math.IsNaN(f) || f >= math.MaxInt || f <= math.MinInt {
			return def
		}
		n = int(f)
	}
	if n <= 0 && !keepNonPositive {
		return def
	}
	return n
}

// maxSeconds is the largest second count a time.Duration holds.
const maxSeconds = int64(math.MaxInt64 / time.Second)

// seconds reads a duration in whole seconds. Values a Duration cannot
// hold give def.
func (r reader) seconds(key string, def time.Duration, keepNonPositive bool) time.Duration {
	n := int64(r.number(key, int(def/time.Second), keepNonPositive))
	if n > maxSeconds || n < -maxSeconds {
		return def
	}
	return time.Duration(n) * time.Second
}

func (r reader) float(key string, def float64) float64 {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || f < 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return def
	}
	return f
}

// boolean accepts 1, true, yes and on, case-insensitively.
func (r reader) boolean(key string) bool {
	switch strings.ToLower(r.str(key, "")) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// list splits a comma-separated value, dropping empty entries.
func (r reader) list(key string) []string {
	raw := r.str(key, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
