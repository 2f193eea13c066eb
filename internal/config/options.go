package config

import "strings"

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// RelayOptions defines the configuration entries available in relay
// mode. Each entry is registered as a viper default and a CLI flag.
var RelayOptions = []Option{
	{Key: keyRelayHTTPAddress, Flag: toFlag(keyRelayHTTPAddress), Default: ":80", Description: "HTTP ingress listen address"},
	{Key: keyRelayHTTPSAddress, Flag: toFlag(keyRelayHTTPSAddress), Default: ":443", Description: "HTTPS ingress listen address"},
	{Key: keyRelayTLSSNIAddress, Flag: toFlag(keyRelayTLSSNIAddress), Default: ":8443", Description: "TLS-SNI passthrough ingress listen address"},
	{Key: keyRelayControlAddress, Flag: toFlag(keyRelayControlAddress), Default: ":4443", Description: "Control-plane (QUIC) listen address"},
	{Key: keyRelayDomain, Flag: toFlag(keyRelayDomain), Default: "localup.example.com", Description: "Base domain used to build public URLs"},
	{Key: keyRelayTCPPortLow, Flag: toFlag(keyRelayTCPPortLow), Default: 20000, Description: "Low end of the per-tunnel TCP port range"},
	{Key: keyRelayTCPPortHigh, Flag: toFlag(keyRelayTCPPortHigh), Default: 20100, Description: "High end of the per-tunnel TCP port range"},
	{Key: keyRelayJWTSecret, Flag: toFlag(keyRelayJWTSecret), Default: "", Description: "HMAC secret for validating Connect/AgentRegister auth tokens; empty disables authentication"},
	{Key: keyRelayCASeedDir, Flag: toFlag(keyRelayCASeedDir), Default: "/var/lib/localup", Description: "Directory holding the relay's persisted CA seed"},
	{Key: keyRelayAllowManualSub, Flag: toFlag(keyRelayAllowManualSub), Default: true, Description: "Whether clients may request a specific subdomain"},
}

// ClientOptions defines the configuration entries available in
// client mode.
var ClientOptions = []Option{
	{Key: keyClientRelayURL, Flag: toFlag(keyClientRelayURL), Default: "https://localup.example.com", Description: "Relay discovery base URL"},
	{Key: keyClientControlAddr, Flag: toFlag(keyClientControlAddr), Default: "localup.example.com:4443", Description: "Relay control-plane address"},
	{Key: keyClientAuthToken, Flag: toFlag(keyClientAuthToken), Default: "", Description: "Signed auth token presented in Connect"},
	{Key: keyClientLocalAddress, Flag: toFlag(keyClientLocalAddress), Default: "127.0.0.1:3000", Description: "Local address forwarded traffic is proxied to"},
	{Key: keyClientSubdomain, Flag: toFlag(keyClientSubdomain), Default: "", Description: "Requested subdomain; empty lets the relay generate one"},
	{Key: keyClientDomain, Flag: toFlag(keyClientDomain), Default: "", Description: "Custom domain; empty uses the relay's base domain"},
	{Key: keyClientConcurrency, Flag: toFlag(keyClientConcurrency), Default: 5, Description: "Maximum concurrent streams forwarded to the local service"},
}

// AgentOptions defines the configuration entries available in agent
// mode.
var AgentOptions = []Option{
	{Key: keyAgentRelayURL, Flag: toFlag(keyAgentRelayURL), Default: "https://localup.example.com", Description: "Relay discovery base URL"},
	{Key: keyAgentControlAddr, Flag: toFlag(keyAgentControlAddr), Default: "localup.example.com:4443", Description: "Relay control-plane address"},
	{Key: keyAgentID, Flag: toFlag(keyAgentID), Default: "", Description: "Stable agent identifier"},
	{Key: keyAgentAuthToken, Flag: toFlag(keyAgentAuthToken), Default: "", Description: "Signed auth token presented in AgentRegister"},
	{Key: keyAgentTargetAddress, Flag: toFlag(keyAgentTargetAddress), Default: "", Description: "The single reachable target address this agent advertises"},
	{Key: keyAgentTokenSecret, Flag: toFlag(keyAgentTokenSecret), Default: "", Description: "HMAC secret for validating ForwardRequest.agent_token; empty disables the check"},
	{Key: keyAgentListenAddress, Flag: toFlag(keyAgentListenAddress), Default: "", Description: "Optional persistent local listener surviving relay reconnects"},
}

// toFlag converts a viper key like "relay.tcp_port_low" into a CLI
// flag like "tcp-port-low" by lower-casing, replacing dots and
// underscores with hyphens, and stripping the "relay-"/"client-"/
// "agent-" prefix.
func toFlag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	flag = strings.TrimPrefix(flag, "relay-")
	flag = strings.TrimPrefix(flag, "client-")
	flag = strings.TrimPrefix(flag, "agent-")
	return flag
}
