package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/webrtc-call-agent/internal/origin"
)

const (
	envVarListenAddr      = "AERO_CALL_LISTEN_ADDR"
	envVarAllowedOrigins  = "AERO_CALL_ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_CALL_LOG_FORMAT"
	envVarLogLevel        = "AERO_CALL_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_CALL_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_CALL_MODE"

	// Control surface authentication.
	envVarControlAuthMode  = "AERO_CALL_CONTROL_AUTH_MODE"
	envVarControlAPIKey    = "AERO_CALL_CONTROL_API_KEY"
	envVarControlJWTSecret = "AERO_CALL_CONTROL_JWT_SECRET"

	// Signaling WebSocket client.
	envVarSignalingURL                  = "AERO_CALL_SIGNALING_URL"
	envVarSignalingWriteTimeout         = "AERO_CALL_SIGNALING_WRITE_TIMEOUT"
	envVarSignalingPingInterval         = "AERO_CALL_SIGNALING_PING_INTERVAL"
	envVarSignalingReconnectMax         = "AERO_CALL_SIGNALING_RECONNECT_MAX"
	envVarMaxSignalingMessageBytes      = "AERO_CALL_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "AERO_CALL_MAX_SIGNALING_MESSAGES_PER_SECOND"

	// REST call records.
	envVarAPIBaseURL        = "AERO_CALL_API_BASE_URL"
	envVarAPIToken          = "AERO_CALL_API_TOKEN"
	envVarAPIAuthScheme     = "AERO_CALL_API_AUTH_SCHEME"
	envVarAPIRequestTimeout = "AERO_CALL_API_REQUEST_TIMEOUT"
	envVarAPIInitiatePath   = "AERO_CALL_API_INITIATE_PATH"
	envVarAPIAnswerPath     = "AERO_CALL_API_ANSWER_PATH"
	envVarAPIRejectPath     = "AERO_CALL_API_REJECT_PATH"
	envVarAPIEndPath        = "AERO_CALL_API_END_PATH"

	// Local user identity.
	envVarSelfUserID   = "AERO_CALL_SELF_USER_ID"
	envVarSelfName     = "AERO_CALL_SELF_NAME"
	envVarSelfUsername = "AERO_CALL_SELF_USERNAME"

	// Capture sources.
	envVarMediaAudioFile = "AERO_CALL_MEDIA_AUDIO_FILE"
	envVarMediaVideoFile = "AERO_CALL_MEDIA_VIDEO_FILE"
	envVarMediaLoop      = "AERO_CALL_MEDIA_LOOP"

	// Session timers and failure policy.
	envVarDurationTick          = "AERO_CALL_DURATION_TICK"
	envVarQualityInterval       = "AERO_CALL_QUALITY_INTERVAL"
	envVarQualityExcellentBelow = "AERO_CALL_QUALITY_EXCELLENT_BELOW"
	envVarQualityPoorAbove      = "AERO_CALL_QUALITY_POOR_ABOVE"
	envVarMaxFailures           = "AERO_CALL_MAX_FAILURES"
	envVarRecoveryWindow        = "AERO_CALL_RECOVERY_WINDOW"
	envVarICERestart            = "AERO_CALL_ICE_RESTART"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	envVarWebRTCUDPPortMin             = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "WEBRTC_UDP_PORT_MAX"
	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
	envVarWebRTCUDPListenIP            = "WEBRTC_UDP_LISTEN_IP"
)

const (
	DefaultListenAddr           = "127.0.0.1:8090"
	DefaultShutdown             = 15 * time.Second
	DefaultMode            Mode = ModeDev
	DefaultWebRTCUDPListenIP    = "0.0.0.0"

	DefaultControlAuthMode AuthMode = AuthModeNone

	DefaultSignalingWriteTimeout         = 10 * time.Second
	DefaultSignalingPingInterval         = 20 * time.Second
	DefaultSignalingReconnectMax         = 30 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(256 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultAPIAuthScheme     = "Token"
	DefaultAPIRequestTimeout = 10 * time.Second
	DefaultAPIInitiatePath   = "/api/messaging/calls/initiate/"
	DefaultAPIAnswerPath     = "/api/accounts/calls/answer/"
	DefaultAPIRejectPath     = "/api/accounts/calls/reject/"
	DefaultAPIEndPath        = "/api/accounts/calls/end/"

	DefaultDurationTick          = time.Second
	DefaultQualityInterval       = 5 * time.Second
	DefaultQualityExcellentBelow = 0.01
	DefaultQualityPoorAbove      = 0.05
	DefaultMaxFailures           = 3
	DefaultRecoveryWindow        = 15 * time.Second

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "aero"
)

const (
	flagWebRTCUDPPortMin             = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax             = "webrtc-udp-port-max"
	flagWebRTCNAT1To1IPs             = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType = "webrtc-nat-1to1-ip-candidate-type"
	flagWebRTCUDPListenIP            = "webrtc-udp-listen-ip"
)

// recommendedWebRTCUDPPortRangeSize keeps a restricted range from starving
// ICE of ports across restarts and reconnects.
const recommendedWebRTCUDPPortRangeSize = 100

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

// APIPaths are the REST endpoints relative to APIBaseURL.
type APIPaths struct {
	Initiate string
	Answer   string
	Reject   string
	End      string
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// ControlAuthMode guards the /call routes. APIKey and JWTSecret hold the
	// credential for the selected mode.
	ControlAuthMode AuthMode
	APIKey          string
	JWTSecret       string

	// SignalingURL is the ws:// or wss:// endpoint of the signaling relay. When
	// empty the agent runs without a peer channel (useful for local testing of
	// the control surface).
	SignalingURL                  string
	SignalingWriteTimeout         time.Duration
	SignalingPingInterval         time.Duration
	SignalingReconnectMax         time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	APIBaseURL        string
	APIToken          string
	APIAuthScheme     string
	APIRequestTimeout time.Duration
	APIPaths          APIPaths

	SelfUserID   int64
	SelfName     string
	SelfUsername string

	MediaAudioFile string
	MediaVideoFile string
	MediaLoop      bool

	DurationTick          time.Duration
	QualityInterval       time.Duration
	QualityExcellentBelow float64
	QualityPoorAbove      float64

	// MaxFailures ends a call after this many "failed" connection states in
	// one session. RecoveryWindow ends it when a failure is not followed by
	// "connected" in time.
	MaxFailures    int
	RecoveryWindow time.Duration
	ICERestart     bool

	// WebRTCUDPPortRange restricts the UDP ports used for ICE. When nil, pion
	// uses OS ephemeral port selection.
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs are public IPs advertised for ICE when the agent sits
	// behind a 1:1 NAT. Values must be literal IPs.
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts ICE to one local interface address; 0.0.0.0
	// keeps pion's default of all interfaces.
	WebRTCUDPListenIP net.IP

	// WebRTCIncludeLoopback gathers loopback candidates. Only tests set it.
	WebRTCIncludeLoopback bool

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError is the deferred ICE parsing error. Load keeps going so the
// binary can log it alongside other startup warnings.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	authModeDefault := string(DefaultControlAuthMode)
	if raw, ok := lookup(envVarControlAuthMode); ok && strings.TrimSpace(raw) != "" {
		authModeDefault = strings.TrimSpace(raw)
	}
	controlAPIKey := envOrDefault(lookup, envVarControlAPIKey, "")
	controlJWTSecret := envOrDefault(lookup, envVarControlJWTSecret, "")

	signalingURL := envOrDefault(lookup, envVarSignalingURL, "")
	apiBaseURL := envOrDefault(lookup, envVarAPIBaseURL, "")
	apiToken := envOrDefault(lookup, envVarAPIToken, "")
	apiAuthScheme := envOrDefault(lookup, envVarAPIAuthScheme, DefaultAPIAuthScheme)
	paths := APIPaths{
		Initiate: envOrDefault(lookup, envVarAPIInitiatePath, DefaultAPIInitiatePath),
		Answer:   envOrDefault(lookup, envVarAPIAnswerPath, DefaultAPIAnswerPath),
		Reject:   envOrDefault(lookup, envVarAPIRejectPath, DefaultAPIRejectPath),
		End:      envOrDefault(lookup, envVarAPIEndPath, DefaultAPIEndPath),
	}
	selfName := envOrDefault(lookup, envVarSelfName, "")
	selfUsername := envOrDefault(lookup, envVarSelfUsername, "")
	mediaAudioFile := envOrDefault(lookup, envVarMediaAudioFile, "")
	mediaVideoFile := envOrDefault(lookup, envVarMediaVideoFile, "")

	var selfUserID int64
	if raw, ok := lookup(envVarSelfUserID); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarSelfUserID, raw, err)
		}
		selfUserID = n
	}

	mediaLoop, err := envBoolOrDefault(lookup, envVarMediaLoop, true)
	if err != nil {
		return Config{}, err
	}
	iceRestart, err := envBoolOrDefault(lookup, envVarICERestart, true)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	signalingWriteTimeout, err := envDurationOrDefault(lookup, envVarSignalingWriteTimeout, DefaultSignalingWriteTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingPingInterval, err := envDurationOrDefault(lookup, envVarSignalingPingInterval, DefaultSignalingPingInterval)
	if err != nil {
		return Config{}, err
	}
	signalingReconnectMax, err := envDurationOrDefault(lookup, envVarSignalingReconnectMax, DefaultSignalingReconnectMax)
	if err != nil {
		return Config{}, err
	}
	apiRequestTimeout, err := envDurationOrDefault(lookup, envVarAPIRequestTimeout, DefaultAPIRequestTimeout)
	if err != nil {
		return Config{}, err
	}
	durationTick, err := envDurationOrDefault(lookup, envVarDurationTick, DefaultDurationTick)
	if err != nil {
		return Config{}, err
	}
	qualityInterval, err := envDurationOrDefault(lookup, envVarQualityInterval, DefaultQualityInterval)
	if err != nil {
		return Config{}, err
	}
	recoveryWindow, err := envDurationOrDefault(lookup, envVarRecoveryWindow, DefaultRecoveryWindow)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxFailures, err := envIntOrDefault(lookup, envVarMaxFailures, DefaultMaxFailures)
	if err != nil {
		return Config{}, err
	}
	qualityExcellentBelow, err := envFloatOrDefault(lookup, envVarQualityExcellentBelow, DefaultQualityExcellentBelow)
	if err != nil {
		return Config{}, err
	}
	qualityPoorAbove, err := envFloatOrDefault(lookup, envVarQualityPoorAbove, DefaultQualityPoorAbove)
	if err != nil {
		return Config{}, err
	}

	// WebRTC network defaults (env values become flag defaults).
	var webrtcUDPPortMin uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	var webrtcUDPPortMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}
	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	fs := flag.NewFlagSet("aero-webrtc-call-agent", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "Control surface listen address (host:port)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated browser origins allowed on the control surface (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&authModeStr, "control-auth-mode", authModeDefault, "Control surface auth mode: none, api_key, or jwt (env "+envVarControlAuthMode+")")
	fs.StringVar(&controlAPIKey, "control-api-key", controlAPIKey, "Control surface API key (env "+envVarControlAPIKey+")")
	fs.StringVar(&controlJWTSecret, "control-jwt-secret", controlJWTSecret, "HS256 secret for control surface JWTs (env "+envVarControlJWTSecret+")")

	fs.StringVar(&signalingURL, "signaling-url", signalingURL, "Signaling WebSocket URL, ws:// or wss:// (env "+envVarSignalingURL+")")
	fs.DurationVar(&signalingWriteTimeout, "signaling-write-timeout", signalingWriteTimeout, "Write deadline for signaling frames (env "+envVarSignalingWriteTimeout+")")
	fs.DurationVar(&signalingPingInterval, "signaling-ping-interval", signalingPingInterval, "Signaling keepalive ping interval (env "+envVarSignalingPingInterval+")")
	fs.DurationVar(&signalingReconnectMax, "signaling-reconnect-max", signalingReconnectMax, "Max backoff between signaling reconnect attempts (env "+envVarSignalingReconnectMax+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")

	fs.StringVar(&apiBaseURL, "api-base-url", apiBaseURL, "Base URL of the call records REST API (env "+envVarAPIBaseURL+")")
	fs.StringVar(&apiToken, "api-token", apiToken, "Auth token for REST and signaling (env "+envVarAPIToken+")")
	fs.StringVar(&apiAuthScheme, "api-auth-scheme", apiAuthScheme, "Authorization scheme: Token or Bearer (env "+envVarAPIAuthScheme+")")
	fs.DurationVar(&apiRequestTimeout, "api-request-timeout", apiRequestTimeout, "REST request timeout (env "+envVarAPIRequestTimeout+")")
	fs.StringVar(&paths.Initiate, "api-initiate-path", paths.Initiate, "REST path for call initiation (env "+envVarAPIInitiatePath+")")
	fs.StringVar(&paths.Answer, "api-answer-path", paths.Answer, "REST path for answering (env "+envVarAPIAnswerPath+")")
	fs.StringVar(&paths.Reject, "api-reject-path", paths.Reject, "REST path for rejecting (env "+envVarAPIRejectPath+")")
	fs.StringVar(&paths.End, "api-end-path", paths.End, "REST path for ending (env "+envVarAPIEndPath+")")

	fs.Int64Var(&selfUserID, "self-user-id", selfUserID, "Local user id (env "+envVarSelfUserID+")")
	fs.StringVar(&selfName, "self-name", selfName, "Local user display name (env "+envVarSelfName+")")
	fs.StringVar(&selfUsername, "self-username", selfUsername, "Local username (env "+envVarSelfUsername+")")

	fs.StringVar(&mediaAudioFile, "media-audio-file", mediaAudioFile, "Ogg/Opus file used as microphone; empty sends silence (env "+envVarMediaAudioFile+")")
	fs.StringVar(&mediaVideoFile, "media-video-file", mediaVideoFile, "IVF file used as camera; empty means no camera (env "+envVarMediaVideoFile+")")
	fs.BoolVar(&mediaLoop, "media-loop", mediaLoop, "Loop media files (env "+envVarMediaLoop+")")

	fs.DurationVar(&durationTick, "duration-tick", durationTick, "Call duration counter tick (env "+envVarDurationTick+")")
	fs.DurationVar(&qualityInterval, "quality-interval", qualityInterval, "Connection quality sampling interval (env "+envVarQualityInterval+")")
	fs.Float64Var(&qualityExcellentBelow, "quality-excellent-below", qualityExcellentBelow, "Loss ratio below which quality is excellent (env "+envVarQualityExcellentBelow+")")
	fs.Float64Var(&qualityPoorAbove, "quality-poor-above", qualityPoorAbove, "Loss ratio above which quality is poor (env "+envVarQualityPoorAbove+")")
	fs.IntVar(&maxFailures, "max-failures", maxFailures, "End a call after this many connection failures (env "+envVarMaxFailures+")")
	fs.DurationVar(&recoveryWindow, "recovery-window", recoveryWindow, "End a call when a failed connection does not recover within this window (env "+envVarRecoveryWindow+")")
	fs.BoolVar(&iceRestart, "ice-restart", iceRestart, "Attempt an ICE restart when an outgoing call's connection fails (env "+envVarICERestart+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config (AERO_ICE_SERVERS_JSON)")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs (AERO_STUN_URLS)")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs (AERO_TURN_URLS)")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (AERO_TURN_USERNAME)")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (AERO_TURN_CREDENTIAL)")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (coturn config; "+envVarTURNRESTRealm+")")

	fs.UintVar(&webrtcUDPPortMin, flagWebRTCUDPPortMin, webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, flagWebRTCUDPPortMax, webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, flagWebRTCUDPListenIP, webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}
	if authMode == AuthModeAPIKey && strings.TrimSpace(controlAPIKey) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarControlAPIKey, envVarControlAuthMode, AuthModeAPIKey)
	}
	if authMode == AuthModeJWT && strings.TrimSpace(controlJWTSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarControlJWTSecret, envVarControlAuthMode, AuthModeJWT)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if signalingWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-write-timeout must be > 0", envVarSignalingWriteTimeout)
	}
	if signalingPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ping-interval must be > 0", envVarSignalingPingInterval)
	}
	if signalingReconnectMax <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-reconnect-max must be > 0", envVarSignalingReconnectMax)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if apiRequestTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--api-request-timeout must be > 0", envVarAPIRequestTimeout)
	}
	if durationTick <= 0 {
		return Config{}, fmt.Errorf("%s/--duration-tick must be > 0", envVarDurationTick)
	}
	if qualityInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--quality-interval must be > 0", envVarQualityInterval)
	}
	if qualityExcellentBelow < 0 || qualityPoorAbove > 1 || qualityExcellentBelow > qualityPoorAbove {
		return Config{}, fmt.Errorf("quality thresholds must satisfy 0 <= excellent-below (%v) <= poor-above (%v) <= 1", qualityExcellentBelow, qualityPoorAbove)
	}
	if maxFailures <= 0 {
		return Config{}, fmt.Errorf("%s/--max-failures must be > 0", envVarMaxFailures)
	}
	if recoveryWindow <= 0 {
		return Config{}, fmt.Errorf("%s/--recovery-window must be > 0", envVarRecoveryWindow)
	}

	apiAuthScheme = strings.TrimSpace(apiAuthScheme)
	switch strings.ToLower(apiAuthScheme) {
	case "token", "bearer":
	default:
		return Config{}, fmt.Errorf("invalid %s/--api-auth-scheme %q (expected Token or Bearer)", envVarAPIAuthScheme, apiAuthScheme)
	}

	if signalingURL = strings.TrimSpace(signalingURL); signalingURL != "" {
		if err := validateURL(signalingURL, "ws", "wss"); err != nil {
			return Config{}, fmt.Errorf("invalid %s/--signaling-url %q: %w", envVarSignalingURL, signalingURL, err)
		}
	}
	if apiBaseURL = strings.TrimRight(strings.TrimSpace(apiBaseURL), "/"); apiBaseURL != "" {
		if err := validateURL(apiBaseURL, "http", "https"); err != nil {
			return Config{}, fmt.Errorf("invalid %s/--api-base-url %q: %w", envVarAPIBaseURL, apiBaseURL, err)
		}
	}
	for name, p := range map[string]string{
		"initiate": paths.Initiate,
		"answer":   paths.Answer,
		"reject":   paths.Reject,
		"end":      paths.End,
	} {
		if !strings.HasPrefix(p, "/") {
			return Config{}, fmt.Errorf("api %s path %q must start with /", name, p)
		}
	}

	if strings.TrimSpace(turnRESTSharedSecret) != "" {
		if turnRESTTTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
		}
		if strings.TrimSpace(turnRESTUsernamePrefix) == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNRESTUsernamePrefix, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/%s and %s/%s must be set together (or both unset)",
				envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin,
				envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax,
			)
		}
		lo, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin, err)
		}
		hi, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax, err)
		}
		if lo > hi {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", lo, hi)
		}
		if size := int(hi) - int(lo) + 1; size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: lo, Max: hi}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q", envVarWebRTCUDPListenIP, "--"+flagWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		ips, err := parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPs, "--"+flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
		webrtcNAT1To1IPs = ips
	}
	if strings.TrimSpace(webrtcNAT1To1CandidateTypeStr) == "" {
		webrtcNAT1To1CandidateTypeStr = string(NAT1To1CandidateTypeHost)
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPCandidateType, "--"+flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		ControlAuthMode: authMode,
		APIKey:          controlAPIKey,
		JWTSecret:       controlJWTSecret,

		SignalingURL:                  signalingURL,
		SignalingWriteTimeout:         signalingWriteTimeout,
		SignalingPingInterval:         signalingPingInterval,
		SignalingReconnectMax:         signalingReconnectMax,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,

		APIBaseURL:        apiBaseURL,
		APIToken:          strings.TrimSpace(apiToken),
		APIAuthScheme:     apiAuthScheme,
		APIRequestTimeout: apiRequestTimeout,
		APIPaths:          paths,

		SelfUserID:   selfUserID,
		SelfName:     selfName,
		SelfUsername: selfUsername,

		MediaAudioFile: mediaAudioFile,
		MediaVideoFile: mediaVideoFile,
		MediaLoop:      mediaLoop,

		DurationTick:          durationTick,
		QualityInterval:       qualityInterval,
		QualityExcellentBelow: qualityExcellentBelow,
		QualityPoorAbove:      qualityPoorAbove,
		MaxFailures:           maxFailures,
		RecoveryWindow:        recoveryWindow,
		ICERestart:            iceRestart,

		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCUDPListenIP:            webrtcUDPListenIP,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1CandidateType,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
	}

	iceServers, err := parseICEServersFromValues(
		iceServersJSON,
		stunURLs,
		turnURLs,
		turnUsername,
		turnCredential,
		cfg.TURNREST.Enabled(),
	)
	if err != nil {
		cfg.iceConfigErr = err
		cfg.ICEServers = []webrtc.ICEServer{{URLs: append([]string(nil), DefaultSTUNURLs...)}}
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envFloatOrDefault(lookup func(string) (string, bool), key string, fallback float64) (float64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return f, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	if strings.EqualFold(strings.TrimSpace(mode), string(ModeProd)) {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if strings.EqualFold(strings.TrimSpace(mode), string(ModeProd)) {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev):
		return ModeDev, nil
	case string(ModeProd):
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarControlAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	if u.User != nil {
		return fmt.Errorf("must not include credentials")
	}
	scheme := strings.ToLower(u.Scheme)
	for _, s := range schemes {
		if scheme == s {
			return nil
		}
	}
	return fmt.Errorf("expected scheme %s", strings.Join(schemes, " or "))
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalized)
	}
	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch NAT1To1IPCandidateType(strings.ToLower(strings.TrimSpace(s))) {
	case NAT1To1CandidateTypeHost:
		return NAT1To1CandidateTypeHost, nil
	case NAT1To1CandidateTypeSrflx:
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("expected host or srflx")
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
