package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML config file layout. Each field maps onto the env var
// of the same setting; env vars and flags take precedence over the file.
type fileConfig struct {
	ListenAddr      string   `yaml:"listen_addr"`
	PublicBaseURL   string   `yaml:"public_base_url"`
	Mode            string   `yaml:"mode"`
	LogFormat       string   `yaml:"log_format"`
	LogLevel        string   `yaml:"log_level"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
	GRPCHealthAddr  string   `yaml:"grpc_health_addr"`

	ICEServers     []iceServerJSON `yaml:"ice_servers"`
	STUNURLs       []string        `yaml:"stun_urls"`
	TURNURLs       []string        `yaml:"turn_urls"`
	TURNUsername   string          `yaml:"turn_username"`
	TURNCredential string          `yaml:"turn_credential"`

	TURNREST struct {
		SharedSecret   string `yaml:"shared_secret"`
		TTLSeconds     int64  `yaml:"ttl_seconds"`
		UsernamePrefix string `yaml:"username_prefix"`
		Realm          string `yaml:"realm"`
	} `yaml:"turn_rest"`

	Signaling struct {
		WSIdleTimeout        string `yaml:"ws_idle_timeout"`
		WSPingInterval       string `yaml:"ws_ping_interval"`
		MaxMessageBytes      int64  `yaml:"max_message_bytes"`
		MaxMessagesPerSecond int    `yaml:"max_messages_per_second"`
		SendQueueSize        int    `yaml:"send_queue_size"`
	} `yaml:"signaling"`
}

func readConfigFile(path string) (map[string]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	values, err := parseConfigFile(raw)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return values, nil
}

func parseConfigFile(raw []byte) (map[string]string, error) {
	var fc fileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return fc.values()
}

// values flattens the file into env-var keyed settings so it can sit beneath
// the environment in the lookup chain.
func (fc fileConfig) values() (map[string]string, error) {
	out := make(map[string]string)
	set := func(key, v string) {
		if strings.TrimSpace(v) != "" {
			out[key] = v
		}
	}
	setInt := func(key string, v int64) {
		if v != 0 {
			out[key] = strconv.FormatInt(v, 10)
		}
	}

	set(envVarListenAddr, fc.ListenAddr)
	set(envVarPublicBaseURL, fc.PublicBaseURL)
	set(envVarMode, fc.Mode)
	set(envVarLogFormat, fc.LogFormat)
	set(envVarLogLevel, fc.LogLevel)
	set(envVarAllowedOrigins, strings.Join(fc.AllowedOrigins, ","))
	set(envVarShutdownTimeout, fc.ShutdownTimeout)
	set(envVarGRPCHealthAddr, fc.GRPCHealthAddr)

	if len(fc.ICEServers) > 0 {
		b, err := json.Marshal(fc.ICEServers)
		if err != nil {
			return nil, fmt.Errorf("ice_servers: %w", err)
		}
		out[envICEServersJSON] = string(b)
	}
	set(envStunURLs, strings.Join(fc.STUNURLs, ","))
	set(envTurnURLs, strings.Join(fc.TURNURLs, ","))
	set(envTurnUsername, fc.TURNUsername)
	set(envTurnCredential, fc.TURNCredential)

	set(envVarTURNRESTSharedSecret, fc.TURNREST.SharedSecret)
	setInt(envVarTURNRESTTTLSeconds, fc.TURNREST.TTLSeconds)
	set(envVarTURNRESTUsernamePrefix, fc.TURNREST.UsernamePrefix)
	set(envVarTURNRESTRealm, fc.TURNREST.Realm)

	set(envVarSignalingWSIdleTimeout, fc.Signaling.WSIdleTimeout)
	set(envVarSignalingWSPingInterval, fc.Signaling.WSPingInterval)
	setInt(envVarMaxSignalingMessageBytes, fc.Signaling.MaxMessageBytes)
	setInt(envVarMaxSignalingMessagesPerSecond, int64(fc.Signaling.MaxMessagesPerSecond))
	setInt(envVarSignalingSendQueueSize, int64(fc.Signaling.SendQueueSize))

	return out, nil
}

// layeredLookup consults the environment first and the config file second.
func layeredLookup(env func(string) (string, bool), file map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := env(key); ok && v != "" {
			return v, true
		}
		v, ok := file[key]
		return v, ok
	}
}

// configFileFromArgs finds --config before the flag set is built, since the
// file supplies the flag defaults.
func configFileFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return ""
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}
