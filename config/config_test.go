package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCommand(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, RegisterFlags(cmd))
	require.NoError(t, cmd.ParseFlags(args))
	return cmd
}

func envMap(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cmd := newCommand(t, "--mesh-url", "https://mesh.local", "--mesh-mailbox", "X26OT181")

	cfg, err := loadConfig(cmd, envMap(nil))
	require.NoError(t, err)

	assert.Equal(t, MailboxMESH, cfg.MailboxKind)
	assert.Equal(t, "s3", cfg.Destination)
	assert.Equal(t, 60*time.Second, cfg.PollFrequency)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.DisableHeaderValidation)
	assert.False(t, cfg.UsesSSM())
}

func TestLoadConfigEnvironmentFallback(t *testing.T) {
	cmd := newCommand(t, "--s3-bucket-name", "from-flag")

	cfg, err := loadConfig(cmd, envMap(map[string]string{
		"MESH_URL":                          "https://mesh.local",
		"MESH_MAILBOX":                      "X26OT181",
		"MESSAGE_DESTINATION":               "topic",
		"S3_BUCKET_NAME":                    "from-env",
		"SNS_TOPIC_ARN":                     "arn:aws:sns:eu-west-2:1:topic",
		"POLL_FREQUENCY":                    "15",
		"DISABLE_MESSAGE_HEADER_VALIDATION": "true",
		"KAFKA_BROKERS":                     "a:9092, b:9092",
	}))
	require.NoError(t, err)

	assert.Equal(t, "https://mesh.local", cfg.MESHURL)
	assert.Equal(t, "sns", cfg.Destination)
	assert.Equal(t, "from-flag", cfg.S3BucketName, "explicit flag wins over env")
	assert.Equal(t, 15*time.Second, cfg.PollFrequency)
	assert.True(t, cfg.DisableHeaderValidation)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)

	up := cfg.UploaderConfig()
	assert.EqualValues(t, "sns", up.Destination)
	assert.Equal(t, "arn:aws:sns:eu-west-2:1:topic", up.SNSTopicARN)
}

func TestLoadConfigInvalidEnvValue(t *testing.T) {
	cmd := newCommand(t, "--mesh-url", "u", "--mesh-mailbox", "m")
	_, err := loadConfig(cmd, envMap(map[string]string{"DISABLE_MESSAGE_HEADER_VALIDATION": "maybe"}))
	assert.ErrorContains(t, err, "--disable-message-header-validation")
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"mesh without url", []string{"--mesh-mailbox", "m"}, "--mesh-url"},
		{"mesh without mailbox", []string{"--mesh-url", "u"}, "--mesh-mailbox"},
		{"ssm certs without home", []string{"--mesh-url", "u", "--mesh-mailbox-ssm-param", "p", "--mesh-client-cert-ssm-param", "c"}, "--forwarder-home"},
		{"imap without host", []string{"--mailbox", "imap"}, "--imap-host"},
		{"imap without password", []string{"--mailbox", "imap", "--imap-host", "h", "--imap-user", "u"}, "IMAP password"},
		{"imap port", []string{"--mailbox", "imap", "--imap-host", "h", "--imap-user", "u", "--imap-pass", "p", "--imap-port", "0"}, "--imap-port"},
		{"mbox without path", []string{"--mailbox", "mbox"}, "--mbox"},
		{"mbox backend", []string{"--mailbox", "mbox", "--mbox", "x", "--state-backend", "redis"}, "--state-backend"},
		{"unknown mailbox", []string{"--mailbox", "pop3"}, "invalid --mailbox"},
		{"unknown destination", []string{"--mesh-url", "u", "--mesh-mailbox", "m", "--destination", "ftp"}, "unknown message destination"},
		{"filters", []string{"--mailbox", "mbox", "--mbox", "x", "--include-header", "a", "--exclude-body", "b"}, "mutually exclusive"},
		{"poll", []string{"--mesh-url", "u", "--mesh-mailbox", "m", "--poll-frequency", "0s"}, "--poll-frequency"},
		{"log level", []string{"--mesh-url", "u", "--mesh-mailbox", "m", "--log-level", "loud"}, "--log-level"},
		{"log format", []string{"--mesh-url", "u", "--mesh-mailbox", "m", "--log-format", "xml"}, "--log-format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(newCommand(t, tt.args...), envMap(nil))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestLoadConfigMboxAndWarningAlias(t *testing.T) {
	dir := t.TempDir()
	cmd := newCommand(t, "--mailbox", "MBOX", "--mbox", "in.mbox", "--state-dir", dir+"/./state",
		"--state-backend", "Pebble", "--log-level", "WARNING", "--watch")

	cfg, err := loadConfig(cmd, envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, MailboxMbox, cfg.MailboxKind)
	assert.Equal(t, "pebble", cfg.StateBackend)
	assert.Equal(t, filepath.Join(dir, "state"), cfg.StateDir)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.True(t, cfg.WatchMbox)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forwarder.env")
	require.NoError(t, os.WriteFile(path, []byte("MESH_FORWARDER_TEST_VALUE=from-file\n"), 0o600))
	t.Setenv("MESH_FORWARDER_TEST_VALUE", "")
	require.NoError(t, os.Unsetenv("MESH_FORWARDER_TEST_VALUE"))

	require.NoError(t, LoadEnvFile(newCommand(t, "--env-file", path)))
	assert.Equal(t, "from-file", os.Getenv("MESH_FORWARDER_TEST_VALUE"))

	missing := filepath.Join(t.TempDir(), "missing.env")
	assert.Error(t, LoadEnvFile(newCommand(t, "--env-file", missing)))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	defer os.Chdir(wd)
	assert.NoError(t, LoadEnvFile(newCommand(t)), "default .env may be absent")
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("90")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = parseDuration("1m30s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = parseDuration("soon")
	assert.Error(t, err)
}
