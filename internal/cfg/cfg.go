package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/linnemanlabs/warden/internal/soar"
)

// Config holds warden's own settings; the go-core component configs are
// registered next to it in main.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	// stores and buses
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KafkaBrokers  string
	KafkaTopic    string

	// catalog
	CatalogFile    string
	StrictKeywords bool

	// collaborators
	FirewallURL       string
	EDRURL            string
	DirectoryURL      string
	TicketingURL      string
	NotificationURL   string
	CollaboratorToken string
	SlackWebhookURL   string
	Simulate          bool

	// alert processing loop
	Indices         string
	PollInterval    time.Duration
	Lookback        time.Duration
	BatchSize       int
	Workers         int
	LeaseTTL        time.Duration
	UnmatchedPolicy string
	InstanceID      string

	// threat hunting
	HuntInterval time.Duration
	HuntLookback time.Duration
	HuntLimit    int
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token for the operator API; comma-separated for rotation (empty = unauthenticated)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "Redis address for finding leases (empty = claims in the finding store)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "Redis database number")
	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma-separated Kafka brokers for execution log fan-out (empty = disabled)")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", "warden.playbook-executions", "Kafka topic for execution logs")

	fs.StringVar(&c.CatalogFile, "catalog-file", "", "YAML playbook catalog (empty = built-in catalog)")
	fs.BoolVar(&c.StrictKeywords, "strict-keywords", false, "reject catalogs whose rule keywords overlap")

	fs.StringVar(&c.FirewallURL, "firewall-url", "", "firewall collaborator base URL")
	fs.StringVar(&c.EDRURL, "edr-url", "", "EDR collaborator base URL")
	fs.StringVar(&c.DirectoryURL, "directory-url", "", "directory collaborator base URL")
	fs.StringVar(&c.TicketingURL, "ticketing-url", "", "ticketing collaborator base URL")
	fs.StringVar(&c.NotificationURL, "notification-url", "", "notification collaborator base URL (used when no Slack webhook is set)")
	fs.StringVar(&c.CollaboratorToken, "collaborator-token", "", "bearer token sent to collaborators")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notification actions")
	fs.BoolVar(&c.Simulate, "simulate", false, "report actions without a handler as simulated successes instead of failures")

	fs.StringVar(&c.Indices, "indices", strings.Join(soar.DefaultIndices, ","), "comma-separated indices the processing loop polls")
	fs.DurationVar(&c.PollInterval, "poll-interval", soar.DefaultPollInterval, "processing loop interval")
	fs.DurationVar(&c.Lookback, "lookback", soar.DefaultLookback, "how far back each poll looks for unprocessed alerts")
	fs.IntVar(&c.BatchSize, "batch-size", soar.DefaultBatchSize, "maximum alerts per index per poll (1..1000)")
	fs.IntVar(&c.Workers, "workers", soar.DefaultWorkers, "alerts processed concurrently per index (1..64)")
	fs.DurationVar(&c.LeaseTTL, "lease-ttl", soar.DefaultLeaseTTL, "how long a claimed alert stays reserved")
	fs.StringVar(&c.UnmatchedPolicy, "unmatched-policy", string(soar.UnmatchedLeave), "what to do with alerts no playbook matches: leave, mark or review")
	fs.StringVar(&c.InstanceID, "instance-id", "", "claim owner name for this replica (empty = generated)")

	fs.DurationVar(&c.HuntInterval, "hunt-interval", 5*time.Minute, "threat hunting interval (0 = disabled)")
	fs.DurationVar(&c.HuntLookback, "hunt-lookback", time.Hour, "window each hunt searches (0 = unbounded)")
	fs.IntVar(&c.HuntLimit, "hunt-limit", 50, "maximum hits per hunt (1..10000)")
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	for _, u := range []struct{ name, val string }{
		{"FIREWALL_URL", c.FirewallURL},
		{"EDR_URL", c.EDRURL},
		{"DIRECTORY_URL", c.DirectoryURL},
		{"TICKETING_URL", c.TicketingURL},
		{"NOTIFICATION_URL", c.NotificationURL},
		{"SLACK_WEBHOOK_URL", c.SlackWebhookURL},
	} {
		if err := checkURL(u.val); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", u.name, err))
		}
	}

	if c.RedisDB < 0 {
		errs = append(errs, fmt.Errorf("invalid REDIS_DB %d (must be >= 0)", c.RedisDB))
	}
	if c.KafkaBrokers != "" && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}

	// Processing loop
	if len(c.IndexList()) == 0 {
		errs = append(errs, errors.New("INDICES must name at least one index"))
	}
	if c.PollInterval < time.Second {
		errs = append(errs, fmt.Errorf("invalid POLL_INTERVAL %s (must be >= 1s)", c.PollInterval))
	}
	if c.Lookback < c.PollInterval {
		errs = append(errs, fmt.Errorf("LOOKBACK %s must be at least POLL_INTERVAL %s", c.Lookback, c.PollInterval))
	}
	if c.BatchSize < 1 || c.BatchSize > 1000 {
		errs = append(errs, fmt.Errorf("invalid BATCH_SIZE %d (must be 1..1000)", c.BatchSize))
	}
	if c.Workers < 1 || c.Workers > 64 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..64)", c.Workers))
	}
	if c.LeaseTTL < 10*time.Second {
		errs = append(errs, fmt.Errorf("invalid LEASE_TTL %s (must be >= 10s)", c.LeaseTTL))
	}
	if _, err := soar.ParseUnmatchedPolicy(c.UnmatchedPolicy); err != nil {
		errs = append(errs, fmt.Errorf("invalid UNMATCHED_POLICY: %w", err))
	}

	// Hunting
	if c.HuntInterval < 0 {
		errs = append(errs, fmt.Errorf("invalid HUNT_INTERVAL %s (must be >= 0)", c.HuntInterval))
	}
	if c.HuntLookback < 0 {
		errs = append(errs, fmt.Errorf("invalid HUNT_LOOKBACK %s (must be >= 0)", c.HuntLookback))
	}
	if c.HuntLimit < 1 || c.HuntLimit > 10000 {
		errs = append(errs, fmt.Errorf("invalid HUNT_LIMIT %d (must be 1..10000)", c.HuntLimit))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// IndexList splits Indices, dropping blanks.
func (c *Config) IndexList() []string { return splitList(c.Indices) }

// BrokerList splits KafkaBrokers, dropping blanks.
func (c *Config) BrokerList() []string { return splitList(c.KafkaBrokers) }

// APITokens splits APIToken, dropping blanks.
func (c *Config) APITokens() []string { return splitList(c.APIToken) }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// checkURL accepts an empty string or an absolute http(s) URL.
func checkURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	return nil
}
