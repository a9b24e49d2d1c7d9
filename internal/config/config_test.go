package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.SignalingWSIdleTimeout != DefaultSignalingWSIdleTimeout {
		t.Fatalf("SignalingWSIdleTimeout=%v, want %v", cfg.SignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	}
	if cfg.SignalingWSPingInterval != DefaultSignalingWSPingInterval {
		t.Fatalf("SignalingWSPingInterval=%v, want %v", cfg.SignalingWSPingInterval, DefaultSignalingWSPingInterval)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("MaxSignalingMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
	if cfg.MaxSignalingMessagesPerSecond != DefaultMaxSignalingMessagesPerSecond {
		t.Fatalf("MaxSignalingMessagesPerSecond=%d, want %d", cfg.MaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	}
	if cfg.SignalingSendQueueSize != DefaultSignalingSendQueueSize {
		t.Fatalf("SignalingSendQueueSize=%d, want %d", cfg.SignalingSendQueueSize, DefaultSignalingSendQueueSize)
	}
	if cfg.GRPCHealthAddr != "" {
		t.Fatalf("GRPCHealthAddr=%q, want empty", cfg.GRPCHealthAddr)
	}
	if cfg.TURNREST.Enabled() {
		t.Fatalf("TURN REST enabled by default")
	}
	if err := cfg.ICEConfigError(); err != nil {
		t.Fatalf("ICEConfigError=%v", err)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != DefaultSTUNURLs {
		t.Fatalf("ICEServers=%+v, want default STUN", cfg.ICEServers)
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestLogFormatExplicitOverride(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod", "--log-format", "text"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestSignalingLimits_EnvOverride(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarMaxSignalingMessageBytes:      "2048",
		envVarMaxSignalingMessagesPerSecond: "5",
		envVarSignalingWSIdleTimeout:        "30s",
		envVarSignalingWSPingInterval:       "10s",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxSignalingMessageBytes != 2048 {
		t.Fatalf("MaxSignalingMessageBytes=%d, want 2048", cfg.MaxSignalingMessageBytes)
	}
	if cfg.MaxSignalingMessagesPerSecond != 5 {
		t.Fatalf("MaxSignalingMessagesPerSecond=%d, want 5", cfg.MaxSignalingMessagesPerSecond)
	}
	if cfg.SignalingWSIdleTimeout != 30*time.Second || cfg.SignalingWSPingInterval != 10*time.Second {
		t.Fatalf("idle=%v ping=%v", cfg.SignalingWSIdleTimeout, cfg.SignalingWSPingInterval)
	}
}

func TestFlagOverridesEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarMaxSignalingMessagesPerSecond: "5",
	}), []string{"--max-signaling-messages-per-second", "7"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxSignalingMessagesPerSecond != 7 {
		t.Fatalf("MaxSignalingMessagesPerSecond=%d, want 7", cfg.MaxSignalingMessagesPerSecond)
	}
}

func TestPingIntervalMustBeBelowIdleTimeout(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarSignalingWSIdleTimeout:  "10s",
		envVarSignalingWSPingInterval: "10s",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), envVarSignalingWSPingInterval) {
		t.Fatalf("err=%v, expected mention of %s", err, envVarSignalingWSPingInterval)
	}
}

func TestInvalidNumbersAreRejected(t *testing.T) {
	cases := map[string]string{
		envVarMaxSignalingMessageBytes:      "lots",
		envVarMaxSignalingMessagesPerSecond: "-",
		envVarShutdownTimeout:               "soon",
		envVarTURNRESTTTLSeconds:            "1h",
	}
	for key, raw := range cases {
		_, err := load(lookupMap(map[string]string{key: raw}), nil)
		if err == nil {
			t.Fatalf("%s=%q: expected error, got nil", key, raw)
		}
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("%s=%q: err=%v, expected mention of the env var", key, raw, err)
		}
	}
}

func TestValidationRejectsBadValues(t *testing.T) {
	cases := [][]string{
		{"--listen-addr", "not-an-address"},
		{"--max-signaling-message-bytes", "0"},
		{"--signaling-send-queue-size", "0"},
		{"--shutdown-timeout", "0s"},
		{"--public-base-url", "::"},
	}
	for _, args := range cases {
		if _, err := load(noEnv, args); err == nil {
			t.Fatalf("%v: expected error, got nil", args)
		}
	}
}

func TestTURNRESTRequiresPositiveTTL(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarTURNRESTSharedSecret: "secret",
		envVarTURNRESTTTLSeconds:   "0",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestTURNRESTRejectsColonInPrefix(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		envVarTURNRESTSharedSecret:   "secret",
		envVarTURNRESTUsernamePrefix: "duo:call",
	}), nil)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestICEConfigErrorIsDeferred(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envTurnURLs: "turn:turn.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error for TURN without credentials")
	}
	if cfg.ICEServers != nil {
		t.Fatalf("ICEServers=%+v, want nil", cfg.ICEServers)
	}
}

func TestTURNRESTAllowsTURNWithoutStaticCredentials(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envTurnURLs:                "turn:turn.example.com:3478",
		envVarTURNRESTSharedSecret: "secret",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.ICEConfigError(); err != nil {
		t.Fatalf("ICEConfigError=%v", err)
	}
	if cfg.TURNREST.UsernamePrefix != DefaultTURNRESTUsernamePrefix {
		t.Fatalf("UsernamePrefix=%q, want %q", cfg.TURNREST.UsernamePrefix, DefaultTURNRESTUsernamePrefix)
	}
}

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestConfigFileLayering(t *testing.T) {
	path := writeConfigFile(t, `
listen_addr: 0.0.0.0:9000
mode: prod
allowed_origins:
  - https://call.example.com
grpc_health_addr: 127.0.0.1:9090
ice_servers:
  - urls: "stun:stun.example.com:3478"
  - urls: ["turn:turn.example.com:3478"]
    username: u
    credential: p
signaling:
  ws_idle_timeout: 40s
  ws_ping_interval: 15s
  max_messages_per_second: 9
`)

	cfg, err := load(lookupMap(map[string]string{
		envVarMaxSignalingMessagesPerSecond: "11",
	}), []string{"--config", path, "--listen-addr", "127.0.0.1:9001"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9001" {
		t.Fatalf("ListenAddr=%q, want flag value", cfg.ListenAddr)
	}
	if cfg.Mode != ModeProd || cfg.LogFormat != LogFormatJSON {
		t.Fatalf("mode=%q logFormat=%q, want prod/json from file", cfg.Mode, cfg.LogFormat)
	}
	if cfg.MaxSignalingMessagesPerSecond != 11 {
		t.Fatalf("MaxSignalingMessagesPerSecond=%d, want env value 11", cfg.MaxSignalingMessagesPerSecond)
	}
	if cfg.SignalingWSIdleTimeout != 40*time.Second || cfg.SignalingWSPingInterval != 15*time.Second {
		t.Fatalf("idle=%v ping=%v, want file values", cfg.SignalingWSIdleTimeout, cfg.SignalingWSPingInterval)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://call.example.com" {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
	if cfg.GRPCHealthAddr != "127.0.0.1:9090" {
		t.Fatalf("GRPCHealthAddr=%q", cfg.GRPCHealthAddr)
	}
	if len(cfg.ICEServers) != 2 || cfg.ICEServers[1].Username != "u" {
		t.Fatalf("ICEServers=%+v", cfg.ICEServers)
	}
}

func TestConfigFileFromEnv(t *testing.T) {
	path := writeConfigFile(t, "listen_addr: 127.0.0.1:7000\n")
	cfg, err := load(lookupMap(map[string]string{envVarConfigFile: path}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7000" {
		t.Fatalf("ListenAddr=%q, want 127.0.0.1:7000", cfg.ListenAddr)
	}
}

func TestConfigFileRejectsUnknownKeys(t *testing.T) {
	path := writeConfigFile(t, "listen_adr: 127.0.0.1:7000\n")
	if _, err := load(noEnv, []string{"--config=" + path}); err == nil {
		t.Fatalf("expected error for unknown key, got nil")
	}
}

func TestConfigFileMissing(t *testing.T) {
	_, err := load(noEnv, []string{"-config", filepath.Join(t.TempDir(), "nope.yaml")})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
}

func TestConfigFileFromArgs(t *testing.T) {
	cases := []struct {
		args []string
		want string
	}{
		{nil, ""},
		{[]string{"--config", "a.yaml"}, "a.yaml"},
		{[]string{"-config=b.yaml"}, "b.yaml"},
		{[]string{"--mode", "prod", "--config=c.yaml"}, "c.yaml"},
		{[]string{"--", "--config", "d.yaml"}, ""},
		{[]string{"config", "e.yaml"}, ""},
	}
	for _, tc := range cases {
		if got := configFileFromArgs(tc.args); got != tc.want {
			t.Fatalf("configFileFromArgs(%v)=%q, want %q", tc.args, got, tc.want)
		}
	}
}

func TestEmptyConfigFileIsAccepted(t *testing.T) {
	values, err := parseConfigFile(nil)
	if err != nil {
		t.Fatalf("parseConfigFile: %v", err)
	}
	if len(values) != 0 {
		t.Fatalf("values=%v, want empty", values)
	}
}

func TestNewLogger(t *testing.T) {
	var sb strings.Builder
	logger, err := newLogger(&sb, LogFormatJSON, slog.LevelInfo)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("shown", "client_id", "a")
	out := sb.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %s", out)
	}
	if !strings.Contains(out, `"client_id":"a"`) {
		t.Fatalf("missing attribute: %s", out)
	}
	if _, err := newLogger(&sb, LogFormat("xml"), slog.LevelInfo); err == nil {
		t.Fatalf("expected error for unsupported format")
	}
}

func TestParseAllowedOrigins_NormalizesAndValidates(t *testing.T) {
	got, err := parseAllowedOrigins("HTTPS://Example.COM:443, http://localhost:5173/")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len=%d, want 2 (%v)", len(got), got)
	}
	if got[0] != "https://example.com:443" {
		t.Fatalf("got[0]=%q, want %q", got[0], "https://example.com:443")
	}
	if got[1] != "http://localhost:5173" {
		t.Fatalf("got[1]=%q, want %q", got[1], "http://localhost:5173")
	}
}

func TestParseAllowedOrigins_AllowsStarAndNull(t *testing.T) {
	got, err := parseAllowedOrigins("*,null")
	if err != nil {
		t.Fatalf("parseAllowedOrigins: %v", err)
	}
	if len(got) != 2 || got[0] != "*" || got[1] != "null" {
		t.Fatalf("got=%v, want [* null]", got)
	}
}

func TestParseAllowedOrigins_RejectsPathQueryAndCredentials(t *testing.T) {
	cases := []string{
		"ftp://example.com",
		"https://example.com/path",
		"https://example.com/?q=1",
		"https://user@example.com",
		"https://example.com/#frag",
	}
	for _, raw := range cases {
		if _, err := parseAllowedOrigins(raw); err == nil {
			t.Fatalf("expected error for %q, got nil", raw)
		}
	}
}
