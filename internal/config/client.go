package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarServerURL   = "DUOCALL_SERVER_URL"
	envVarDisplayName = "DUOCALL_NAME"
	envVarRecordDir   = "DUOCALL_RECORD_DIR"

	envVarICEGatheringTimeout          = "ICE_GATHERING_TIMEOUT"
	envVarICETransportPolicy           = "DUOCALL_ICE_TRANSPORT_POLICY"
	envVarICECandidatePoolSize         = "DUOCALL_ICE_CANDIDATE_POOL_SIZE"
	envVarWebRTCUDPPortMin             = "DUOCALL_WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "DUOCALL_WEBRTC_UDP_PORT_MAX"
	envVarWebRTCUDPListenIP            = "DUOCALL_WEBRTC_UDP_LISTEN_IP"
	envVarWebRTCNAT1To1IPs             = "DUOCALL_WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "DUOCALL_WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"

	DefaultServerURL            = "ws://127.0.0.1:8080/ws"
	DefaultICEGatherTimeout     = 2 * time.Second
	DefaultICECandidatePoolSize = 10

	// Narrower ranges run out of ports once a few calls gather candidates at once.
	recommendedWebRTCUDPPortRangeSize = 100
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

func (t NAT1To1IPCandidateType) Pion() webrtc.ICECandidateType {
	if t == NAT1To1CandidateTypeSrflx {
		return webrtc.ICECandidateTypeSrflx
	}
	return webrtc.ICECandidateTypeHost
}

type UDPPortRange struct {
	Min uint16
	Max uint16
}

// WebRTCConfig holds the peer connection settings of one client.
type WebRTCConfig struct {
	// UDPPortRange restricts the UDP ports used for ICE. When nil, pion uses
	// its defaults (OS ephemeral port selection).
	UDPPortRange *UDPPortRange

	// NAT1To1IPs advertises these IPs for ICE when the client sits behind a
	// static NAT. Values are literal IPs.
	NAT1To1IPs             []string
	NAT1To1IPCandidateType NAT1To1IPCandidateType

	// UDPListenIP limits ICE gathering to one local interface. The
	// unspecified address means all interfaces.
	UDPListenIP net.IP

	ICEServers           []webrtc.ICEServer
	ICETransportPolicy   ICETransportPolicy `validate:"oneof=all relay"`
	ICECandidatePoolSize uint8
	ICEGatheringTimeout  time.Duration `validate:"gt=0"`
}

// PeerConnectionConfiguration is the webrtc.Configuration every call uses.
func (c WebRTCConfig) PeerConnectionConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers:           c.ICEServers,
		ICETransportPolicy:   c.ICETransportPolicy.Pion(),
		BundlePolicy:         webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy:        webrtc.RTCPMuxPolicyRequire,
		ICECandidatePoolSize: c.ICECandidatePoolSize,
	}
}

type Codec string

const (
	CodecJSON    Codec = "json"
	CodecMsgPack Codec = "msgpack"
)

// ClientConfig configures the duocall CLI.
type ClientConfig struct {
	ServerURL  string `validate:"required,url"`
	Name       string
	Codec      Codec     `validate:"oneof=json msgpack"`
	LogFormat  LogFormat `validate:"oneof=text json"`
	LogLevel   slog.Level
	AutoAnswer bool

	// VideoFile and AudioFile are IVF (VP8) and Ogg (Opus) files streamed as
	// the local media. Empty means a silent track of that kind.
	VideoFile string
	AudioFile string
	RecordDir string

	// FetchICEServers asks the relay's /ice endpoint for ICE servers instead
	// of using the locally configured list.
	FetchICEServers bool

	WebRTC WebRTCConfig
}

// ClientOptions carries CLI flag values. Zero values fall through to the
// environment and then the defaults.
type ClientOptions struct {
	ServerURL       string
	Name            string
	MsgPack         bool
	LogFormat       string
	LogLevel        string
	AutoAnswer      bool
	VideoFile       string
	AudioFile       string
	RecordDir       string
	RelayOnly       bool
	FetchICEServers bool
}

// LoadClient reads the client configuration with the following priority:
// CLI flags (opts), then environment variables, then defaults.
func LoadClient(opts ClientOptions) (ClientConfig, error) {
	return loadClient(os.LookupEnv, opts)
}

func loadClient(lookup func(string) (string, bool), opts ClientOptions) (ClientConfig, error) {
	serverURL := firstNonEmpty(opts.ServerURL, envOrDefault(lookup, envVarServerURL, DefaultServerURL))
	name := firstNonEmpty(opts.Name, envOrDefault(lookup, envVarDisplayName, ""))
	recordDir := firstNonEmpty(opts.RecordDir, envOrDefault(lookup, envVarRecordDir, ""))

	logFormat, err := parseLogFormat(firstNonEmpty(opts.LogFormat, envOrDefault(lookup, envVarLogFormat, string(LogFormatText))))
	if err != nil {
		return ClientConfig{}, err
	}
	logLevel, err := parseLogLevel(firstNonEmpty(opts.LogLevel, envOrDefault(lookup, envVarLogLevel, "info")))
	if err != nil {
		return ClientConfig{}, err
	}

	webrtcCfg, err := loadWebRTC(lookup, opts.RelayOnly)
	if err != nil {
		return ClientConfig{}, err
	}

	codec := CodecJSON
	if opts.MsgPack {
		codec = CodecMsgPack
	}

	cfg := ClientConfig{
		ServerURL:       serverURL,
		Name:            strings.TrimSpace(name),
		Codec:           codec,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		AutoAnswer:      opts.AutoAnswer,
		VideoFile:       opts.VideoFile,
		AudioFile:       opts.AudioFile,
		RecordDir:       recordDir,
		FetchICEServers: opts.FetchICEServers,
		WebRTC:          webrtcCfg,
	}
	if err := validateStruct(cfg); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func loadWebRTC(lookup func(string) (string, bool), relayOnly bool) (WebRTCConfig, error) {
	gatherTimeout, err := envDurationOrDefault(lookup, envVarICEGatheringTimeout, DefaultICEGatherTimeout)
	if err != nil {
		return WebRTCConfig{}, err
	}
	poolSize, err := envIntOrDefault(lookup, envVarICECandidatePoolSize, DefaultICECandidatePoolSize)
	if err != nil {
		return WebRTCConfig{}, err
	}
	if poolSize < 0 || poolSize > 255 {
		return WebRTCConfig{}, fmt.Errorf("%s must be within 0-255, got %d", envVarICECandidatePoolSize, poolSize)
	}

	policy, err := parseICETransportPolicy(envOrDefault(lookup, envVarICETransportPolicy, string(ICETransportPolicyAll)))
	if err != nil {
		return WebRTCConfig{}, fmt.Errorf("%s: %w", envVarICETransportPolicy, err)
	}
	if relayOnly {
		policy = ICETransportPolicyRelay
	}

	portRange, err := parsePortRange(envOrDefault(lookup, envVarWebRTCUDPPortMin, ""), envOrDefault(lookup, envVarWebRTCUDPPortMax, ""))
	if err != nil {
		return WebRTCConfig{}, err
	}

	listenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, "0.0.0.0")
	listenIP := net.ParseIP(strings.TrimSpace(listenIPStr))
	if listenIP == nil {
		return WebRTCConfig{}, fmt.Errorf("invalid %s %q", envVarWebRTCUDPListenIP, listenIPStr)
	}

	var natIPs []string
	if raw := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, ""); strings.TrimSpace(raw) != "" {
		natIPs, err = parseIPList(raw)
		if err != nil {
			return WebRTCConfig{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCNAT1To1IPs, raw, err)
		}
	}
	candidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))
	candidateType, err := parseCandidateType(candidateTypeStr)
	if err != nil {
		return WebRTCConfig{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCNAT1To1IPCandidateType, candidateTypeStr, err)
	}

	iceServers, err := parseICEServersFromValues(
		envOrDefault(lookup, envICEServersJSON, ""),
		envOrDefault(lookup, envStunURLs, DefaultSTUNURLs),
		envOrDefault(lookup, envTurnURLs, ""),
		envOrDefault(lookup, envTurnUsername, ""),
		envOrDefault(lookup, envTurnCredential, ""),
		false,
	)
	if err != nil {
		return WebRTCConfig{}, err
	}

	return WebRTCConfig{
		UDPPortRange:           portRange,
		NAT1To1IPs:             natIPs,
		NAT1To1IPCandidateType: candidateType,
		UDPListenIP:            listenIP,
		ICEServers:             iceServers,
		ICETransportPolicy:     policy,
		ICECandidatePoolSize:   uint8(poolSize),
		ICEGatheringTimeout:    gatherTimeout,
	}, nil
}

func parsePortRange(minStr, maxStr string) (*UDPPortRange, error) {
	minStr, maxStr = strings.TrimSpace(minStr), strings.TrimSpace(maxStr)
	if minStr == "" && maxStr == "" {
		return nil, nil
	}
	if minStr == "" || maxStr == "" {
		return nil, fmt.Errorf("%s and %s must be set together (or both unset)", envVarWebRTCUDPPortMin, envVarWebRTCUDPPortMax)
	}
	min, err := parsePortString(minStr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envVarWebRTCUDPPortMin, err)
	}
	max, err := parsePortString(maxStr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envVarWebRTCUDPPortMax, err)
	}
	if min > max {
		return nil, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
	}
	size := int(max) - int(min) + 1
	if size < recommendedWebRTCUDPPortRangeSize {
		return nil, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
	}
	return &UDPPortRange{Min: min, Max: max}, nil
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if v == 0 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
