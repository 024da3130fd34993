package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mesh-forwarder/uploader"
)

// Mailbox kinds.
const (
	MailboxMESH = "mesh"
	MailboxIMAP = "imap"
	MailboxMbox = "mbox"
)

// Config captures every option of the forwarder. Each flag falls back to the
// environment variable named in its usage text.
type Config struct {
	MailboxKind string

	MESHURL                string
	MESHMailbox            string
	MESHPassword           string
	MESHSharedKey          string
	MESHClientCertPath     string
	MESHClientKeyPath      string
	MESHCACertPath         string
	MESHInsecureSkipVerify bool
	MESHTimeout            time.Duration

	// SSM parameter names. When set they take precedence over the literal
	// values above; certificates are downloaded into ForwarderHome.
	MESHMailboxParam    string
	MESHPasswordParam   string
	MESHSharedKeyParam  string
	MESHClientCertParam string
	MESHClientKeyParam  string
	MESHCACertParam     string
	ForwarderHome       string
	SSMEndpointURL      string

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	IMAPFolder         string

	MboxPath      string
	StateDir      string
	StateBackend  string
	WatchMbox     bool
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string

	Destination  string
	S3BucketName string
	SNSTopicARN  string
	EndpointURL  string
	AWSRegion    string
	KafkaBrokers []string
	KafkaTopic   string

	PollFrequency           time.Duration
	DisableHeaderValidation bool

	LogLevel    string
	LogFormat   string
	LogDir      string
	MetricsAddr string
}

// UsesSSM reports whether any MESH credential is read from SSM.
func (c Config) UsesSSM() bool {
	return c.MESHMailboxParam != "" || c.MESHPasswordParam != "" || c.MESHSharedKeyParam != "" ||
		c.MESHClientCertParam != "" || c.MESHClientKeyParam != "" || c.MESHCACertParam != ""
}

// UploaderConfig returns the destination settings.
func (c Config) UploaderConfig() uploader.Config {
	return uploader.Config{
		Destination:  uploader.Destination(c.Destination),
		S3BucketName: c.S3BucketName,
		SNSTopicARN:  c.SNSTopicARN,
		EndpointURL:  c.EndpointURL,
		Region:       c.AWSRegion,
		KafkaBrokers: c.KafkaBrokers,
		KafkaTopic:   c.KafkaTopic,
	}
}

type flagSpec struct {
	name  string
	env   string
	usage string
}

var (
	flagEnvFile = flagSpec{"env-file", "", "Dotenv file loaded before reading environment variables"}

	flagMailbox = flagSpec{"mailbox", "MAILBOX_KIND", "Mailbox source: mesh, imap or mbox"}

	flagMESHURL         = flagSpec{"mesh-url", "MESH_URL", "MESH base URL"}
	flagMESHMailbox     = flagSpec{"mesh-mailbox", "MESH_MAILBOX", "MESH mailbox id"}
	flagMESHPassword    = flagSpec{"mesh-password", "MESH_PASSWORD", "MESH mailbox password"}
	flagMESHSharedKey   = flagSpec{"mesh-shared-key", "MESH_SHARED_KEY", "MESH shared key for the auth token HMAC"}
	flagMESHClientCert  = flagSpec{"mesh-client-cert", "MESH_CLIENT_CERT_PATH", "Path to the MESH client certificate (PEM)"}
	flagMESHClientKey   = flagSpec{"mesh-client-key", "MESH_CLIENT_KEY_PATH", "Path to the MESH client key (PEM)"}
	flagMESHCACert      = flagSpec{"mesh-ca-cert", "MESH_CA_CERT_PATH", "Path to the MESH CA bundle (PEM)"}
	flagMESHInsecure    = flagSpec{"mesh-insecure-skip-verify", "MESH_INSECURE_SKIP_VERIFY", "Skip MESH TLS certificate verification (not recommended)"}
	flagMESHTimeout     = flagSpec{"mesh-timeout", "MESH_TIMEOUT", "Timeout for a single MESH request"}
	flagMailboxParam    = flagSpec{"mesh-mailbox-ssm-param", "MESH_MAILBOX_SSM_PARAM_NAME", "SSM parameter holding the MESH mailbox id"}
	flagPasswordParam   = flagSpec{"mesh-password-ssm-param", "MESH_PASSWORD_SSM_PARAM_NAME", "SSM parameter holding the MESH password"}
	flagSharedKeyParam  = flagSpec{"mesh-shared-key-ssm-param", "MESH_SHARED_KEY_SSM_PARAM_NAME", "SSM parameter holding the MESH shared key"}
	flagClientCertParam = flagSpec{"mesh-client-cert-ssm-param", "MESH_CLIENT_CERT_SSM_PARAM_NAME", "SSM parameter holding the MESH client certificate"}
	flagClientKeyParam  = flagSpec{"mesh-client-key-ssm-param", "MESH_CLIENT_KEY_SSM_PARAM_NAME", "SSM parameter holding the MESH client key"}
	flagCACertParam     = flagSpec{"mesh-ca-cert-ssm-param", "MESH_CA_CERT_SSM_PARAM_NAME", "SSM parameter holding the MESH CA bundle"}
	flagForwarderHome   = flagSpec{"forwarder-home", "FORWARDER_HOME", "Directory certificates fetched from SSM are written to"}
	flagSSMEndpoint     = flagSpec{"ssm-endpoint-url", "SSM_ENDPOINT_URL", "Override the SSM endpoint"}

	flagIMAPHost     = flagSpec{"imap-host", "IMAP_HOST", "IMAP server hostname"}
	flagIMAPPort     = flagSpec{"imap-port", "IMAP_PORT", "IMAP server port"}
	flagIMAPUser     = flagSpec{"imap-user", "IMAP_USER", "IMAP username"}
	flagIMAPPass     = flagSpec{"imap-pass", "IMAP_PASS", "IMAP password"}
	flagUseTLS       = flagSpec{"use-tls", "IMAP_USE_TLS", "Use TLS for the IMAP connection"}
	flagIMAPInsecure = flagSpec{"insecure-skip-verify", "IMAP_INSECURE_SKIP_VERIFY", "Skip IMAP TLS certificate verification (not recommended)"}
	flagIMAPFolder   = flagSpec{"imap-folder", "IMAP_FOLDER", "IMAP folder treated as the inbox"}

	flagMbox          = flagSpec{"mbox", "MBOX_PATH", "Path to the .mbox archive treated as the inbox"}
	flagStateDir      = flagSpec{"state-dir", "STATE_DIR", "Directory for mbox acknowledgment state"}
	flagStateBackend  = flagSpec{"state-backend", "STATE_BACKEND", "Acknowledgment store: file or pebble"}
	flagWatch         = flagSpec{"watch", "MBOX_WATCH", "Poll again as soon as the mbox archive changes"}
	flagIncludeHeader = flagSpec{"include-header", "", "Regex allow-list applied to mbox message headers (mutually exclusive with exclude flags)"}
	flagIncludeBody   = flagSpec{"include-body", "", "Regex allow-list applied to mbox message bodies (mutually exclusive with exclude flags)"}
	flagExcludeHeader = flagSpec{"exclude-header", "", "Regex block-list applied to mbox message headers (mutually exclusive with include flags)"}
	flagExcludeBody   = flagSpec{"exclude-body", "", "Regex block-list applied to mbox message bodies (mutually exclusive with include flags)"}

	flagDestination  = flagSpec{"destination", "MESSAGE_DESTINATION", "Sink for forwarded messages: s3, sns or kafka"}
	flagBucket       = flagSpec{"s3-bucket-name", "S3_BUCKET_NAME", "Bucket for the s3 destination"}
	flagTopicARN     = flagSpec{"sns-topic-arn", "SNS_TOPIC_ARN", "Topic ARN for the sns destination"}
	flagEndpoint     = flagSpec{"endpoint-url", "ENDPOINT_URL", "Override the S3/SNS endpoint"}
	flagRegion       = flagSpec{"aws-region", "AWS_REGION", "AWS region"}
	flagKafkaBrokers = flagSpec{"kafka-brokers", "KAFKA_BROKERS", "Comma separated Kafka brokers for the kafka destination"}
	flagKafkaTopic   = flagSpec{"kafka-topic", "KAFKA_TOPIC", "Kafka topic for the kafka destination"}

	flagPollFrequency = flagSpec{"poll-frequency", "POLL_FREQUENCY", "Wait between polls when the mailbox is empty (duration or seconds)"}
	flagDisableVal    = flagSpec{"disable-message-header-validation", "DISABLE_MESSAGE_HEADER_VALIDATION", "Forward messages without checking the MESH status headers"}

	flagLogLevel    = flagSpec{"log-level", "LOG_LEVEL", "Logging level: debug, info, warn, error"}
	flagLogFormat   = flagSpec{"log-format", "LOG_FORMAT", "Log output format: json or text"}
	flagLogDir      = flagSpec{"log-dir", "LOG_DIR", "Also write logs to a timestamped file in this directory"}
	flagMetricsAddr = flagSpec{"metrics-addr", "METRICS_ADDR", "Listen address for /healthz and /metrics (empty disables)"}
)

func (f flagSpec) help() string {
	if f.env == "" {
		return f.usage
	}
	return fmt.Sprintf("%s (env %s)", f.usage, f.env)
}

// RegisterFlags attaches all CLI flags to the provided command as persistent
// flags so subcommands share them.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String(flagEnvFile.name, ".env", flagEnvFile.help())
	flags.String(flagMailbox.name, MailboxMESH, flagMailbox.help())

	flags.String(flagMESHURL.name, "", flagMESHURL.help())
	flags.String(flagMESHMailbox.name, "", flagMESHMailbox.help())
	flags.String(flagMESHPassword.name, "", flagMESHPassword.help())
	flags.String(flagMESHSharedKey.name, "", flagMESHSharedKey.help())
	flags.String(flagMESHClientCert.name, "", flagMESHClientCert.help())
	flags.String(flagMESHClientKey.name, "", flagMESHClientKey.help())
	flags.String(flagMESHCACert.name, "", flagMESHCACert.help())
	flags.Bool(flagMESHInsecure.name, false, flagMESHInsecure.help())
	flags.Duration(flagMESHTimeout.name, 60*time.Second, flagMESHTimeout.help())
	flags.String(flagMailboxParam.name, "", flagMailboxParam.help())
	flags.String(flagPasswordParam.name, "", flagPasswordParam.help())
	flags.String(flagSharedKeyParam.name, "", flagSharedKeyParam.help())
	flags.String(flagClientCertParam.name, "", flagClientCertParam.help())
	flags.String(flagClientKeyParam.name, "", flagClientKeyParam.help())
	flags.String(flagCACertParam.name, "", flagCACertParam.help())
	flags.String(flagForwarderHome.name, "", flagForwarderHome.help())
	flags.String(flagSSMEndpoint.name, "", flagSSMEndpoint.help())

	flags.String(flagIMAPHost.name, "", flagIMAPHost.help())
	flags.Int(flagIMAPPort.name, 993, flagIMAPPort.help())
	flags.String(flagIMAPUser.name, "", flagIMAPUser.help())
	flags.String(flagIMAPPass.name, "", flagIMAPPass.help())
	flags.Bool(flagUseTLS.name, true, flagUseTLS.help())
	flags.Bool(flagIMAPInsecure.name, false, flagIMAPInsecure.help())
	flags.String(flagIMAPFolder.name, "INBOX", flagIMAPFolder.help())

	flags.String(flagMbox.name, "", flagMbox.help())
	flags.String(flagStateDir.name, defaultStateDir, flagStateDir.help())
	flags.String(flagStateBackend.name, "file", flagStateBackend.help())
	flags.Bool(flagWatch.name, false, flagWatch.help())
	flags.StringArray(flagIncludeHeader.name, nil, flagIncludeHeader.help())
	flags.StringArray(flagIncludeBody.name, nil, flagIncludeBody.help())
	flags.StringArray(flagExcludeHeader.name, nil, flagExcludeHeader.help())
	flags.StringArray(flagExcludeBody.name, nil, flagExcludeBody.help())

	flags.String(flagDestination.name, string(uploader.DestinationS3), flagDestination.help())
	flags.String(flagBucket.name, "", flagBucket.help())
	flags.String(flagTopicARN.name, "", flagTopicARN.help())
	flags.String(flagEndpoint.name, "", flagEndpoint.help())
	flags.String(flagRegion.name, "", flagRegion.help())
	flags.StringSlice(flagKafkaBrokers.name, nil, flagKafkaBrokers.help())
	flags.String(flagKafkaTopic.name, "", flagKafkaTopic.help())

	flags.Duration(flagPollFrequency.name, 60*time.Second, flagPollFrequency.help())
	flags.Bool(flagDisableVal.name, false, flagDisableVal.help())

	flags.String(flagLogLevel.name, "info", flagLogLevel.help())
	flags.String(flagLogFormat.name, "json", flagLogFormat.help())
	flags.String(flagLogDir.name, "", flagLogDir.help())
	flags.String(flagMetricsAddr.name, "", flagMetricsAddr.help())

	return nil
}

// LoadEnvFile loads the dotenv file named by --env-file. A missing file is
// only an error when the flag was set explicitly. Variables already present
// in the environment win.
func LoadEnvFile(cmd *cobra.Command) error {
	flags := cmd.Flags()
	path, err := flags.GetString(flagEnvFile.name)
	if err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !flags.Changed(flagEnvFile.name) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with
// validation. Precedence is explicit flag, then environment, then default.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	return loadConfig(cmd, os.LookupEnv)
}

func loadConfig(cmd *cobra.Command, lookupEnv func(string) (string, bool)) (Config, error) {
	r := &resolver{cmd: cmd, lookupEnv: lookupEnv}

	cfg := Config{
		MailboxKind: strings.ToLower(r.str(flagMailbox)),

		MESHURL:                r.str(flagMESHURL),
		MESHMailbox:            r.str(flagMESHMailbox),
		MESHPassword:           r.str(flagMESHPassword),
		MESHSharedKey:          r.str(flagMESHSharedKey),
		MESHClientCertPath:     r.str(flagMESHClientCert),
		MESHClientKeyPath:      r.str(flagMESHClientKey),
		MESHCACertPath:         r.str(flagMESHCACert),
		MESHInsecureSkipVerify: r.boolean(flagMESHInsecure),
		MESHTimeout:            r.duration(flagMESHTimeout),
		MESHMailboxParam:       r.str(flagMailboxParam),
		MESHPasswordParam:      r.str(flagPasswordParam),
		MESHSharedKeyParam:     r.str(flagSharedKeyParam),
		MESHClientCertParam:    r.str(flagClientCertParam),
		MESHClientKeyParam:     r.str(flagClientKeyParam),
		MESHCACertParam:        r.str(flagCACertParam),
		ForwarderHome:          r.str(flagForwarderHome),
		SSMEndpointURL:         r.str(flagSSMEndpoint),

		IMAPHost:           r.str(flagIMAPHost),
		IMAPPort:           r.integer(flagIMAPPort),
		IMAPUser:           r.str(flagIMAPUser),
		IMAPPass:           r.str(flagIMAPPass),
		UseTLS:             r.boolean(flagUseTLS),
		InsecureSkipVerify: r.boolean(flagIMAPInsecure),
		IMAPFolder:         r.str(flagIMAPFolder),

		MboxPath:      r.str(flagMbox),
		StateDir:      r.str(flagStateDir),
		StateBackend:  strings.ToLower(r.str(flagStateBackend)),
		WatchMbox:     r.boolean(flagWatch),
		IncludeHeader: r.array(flagIncludeHeader),
		IncludeBody:   r.array(flagIncludeBody),
		ExcludeHeader: r.array(flagExcludeHeader),
		ExcludeBody:   r.array(flagExcludeBody),

		Destination:  r.str(flagDestination),
		S3BucketName: r.str(flagBucket),
		SNSTopicARN:  r.str(flagTopicARN),
		EndpointURL:  r.str(flagEndpoint),
		AWSRegion:    r.str(flagRegion),
		KafkaBrokers: r.list(flagKafkaBrokers),
		KafkaTopic:   r.str(flagKafkaTopic),

		PollFrequency:           r.duration(flagPollFrequency),
		DisableHeaderValidation: r.boolean(flagDisableVal),

		LogLevel:    strings.ToLower(r.str(flagLogLevel)),
		LogFormat:   strings.ToLower(r.str(flagLogFormat)),
		LogDir:      r.str(flagLogDir),
		MetricsAddr: r.str(flagMetricsAddr),
	}
	if r.err != nil {
		return Config{}, r.err
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return Config{}, err
		}
		cfg.StateDir = dir
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	if cfg.Destination != "" {
		dest, err := uploader.ParseDestination(cfg.Destination)
		if err != nil {
			return Config{}, err
		}
		cfg.Destination = string(dest)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	switch cfg.MailboxKind {
	case MailboxMESH:
		if cfg.MESHURL == "" {
			return fmt.Errorf("--mesh-url is required for the mesh mailbox")
		}
		if cfg.MESHMailbox == "" && cfg.MESHMailboxParam == "" {
			return fmt.Errorf("--mesh-mailbox or --mesh-mailbox-ssm-param is required for the mesh mailbox")
		}
		if cfg.UsesSSM() && cfg.ForwarderHome == "" &&
			(cfg.MESHClientCertParam != "" || cfg.MESHClientKeyParam != "" || cfg.MESHCACertParam != "") {
			return fmt.Errorf("--forwarder-home is required when certificates come from SSM")
		}
	case MailboxIMAP:
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required for the imap mailbox")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required for the imap mailbox")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	case MailboxMbox:
		if cfg.MboxPath == "" {
			return fmt.Errorf("--mbox is required for the mbox mailbox")
		}
		switch cfg.StateBackend {
		case "file", "pebble":
		default:
			return fmt.Errorf("invalid --state-backend: %s", cfg.StateBackend)
		}
	default:
		return fmt.Errorf("invalid --mailbox: %q (want mesh, imap or mbox)", cfg.MailboxKind)
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	if cfg.PollFrequency <= 0 {
		return fmt.Errorf("--poll-frequency must be positive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid --log-format: %s", cfg.LogFormat)
	}

	return nil
}

// resolver reads one value per flag, falling back to the environment when
// the flag was not given. The first failure is kept in err.
type resolver struct {
	cmd       *cobra.Command
	lookupEnv func(string) (string, bool)
	err       error
}

func (r *resolver) env(spec flagSpec) (string, bool) {
	if spec.env == "" || r.cmd.Flags().Changed(spec.name) {
		return "", false
	}
	value, ok := r.lookupEnv(spec.env)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return strings.TrimSpace(value), true
}

func (r *resolver) fail(spec flagSpec, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("--%s: %w", spec.name, err)
	}
}

func (r *resolver) str(spec flagSpec) string {
	if value, ok := r.env(spec); ok {
		return value
	}
	value, err := r.cmd.Flags().GetString(spec.name)
	if err != nil {
		r.fail(spec, err)
	}
	return value
}

func (r *resolver) boolean(spec flagSpec) bool {
	if value, ok := r.env(spec); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			r.fail(spec, fmt.Errorf("invalid %s value %q", spec.env, value))
			return false
		}
		return parsed
	}
	value, err := r.cmd.Flags().GetBool(spec.name)
	if err != nil {
		r.fail(spec, err)
	}
	return value
}

func (r *resolver) integer(spec flagSpec) int {
	if value, ok := r.env(spec); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			r.fail(spec, fmt.Errorf("invalid %s value %q", spec.env, value))
			return 0
		}
		return parsed
	}
	value, err := r.cmd.Flags().GetInt(spec.name)
	if err != nil {
		r.fail(spec, err)
	}
	return value
}

// duration accepts Go durations and bare integers, read as seconds.
func (r *resolver) duration(spec flagSpec) time.Duration {
	if value, ok := r.env(spec); ok {
		parsed, err := parseDuration(value)
		if err != nil {
			r.fail(spec, fmt.Errorf("invalid %s value %q", spec.env, value))
			return 0
		}
		return parsed
	}
	value, err := r.cmd.Flags().GetDuration(spec.name)
	if err != nil {
		r.fail(spec, err)
	}
	return value
}

func (r *resolver) list(spec flagSpec) []string {
	if value, ok := r.env(spec); ok {
		var out []string
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return out
	}
	value, err := r.cmd.Flags().GetStringSlice(spec.name)
	if err != nil {
		r.fail(spec, err)
	}
	return value
}

func (r *resolver) array(spec flagSpec) []string {
	value, err := r.cmd.Flags().GetStringArray(spec.name)
	if err != nil {
		r.fail(spec, err)
	}
	return value
}

func parseDuration(value string) (time.Duration, error) {
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(value)
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".mesh-forwarder", "state"), nil
}
