// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix LOCALUP_)
//  3. Config file (config.yaml in . or /etc/localup/)
//  4. Compiled defaults
package config

// Viper keys for relay-mode configuration.
const (
	keyRelayHTTPAddress    = "relay.http_address"
	keyRelayHTTPSAddress   = "relay.https_address"
	keyRelayTLSSNIAddress  = "relay.tls_sni_address"
	keyRelayControlAddress = "relay.control_address"
	keyRelayDomain         = "relay.domain"
	keyRelayTCPPortLow     = "relay.tcp_port_low"
	keyRelayTCPPortHigh    = "relay.tcp_port_high"
	keyRelayJWTSecret      = "relay.jwt_secret"
	keyRelayCASeedDir      = "relay.ca_seed_dir"
	keyRelayAllowManualSub = "relay.allow_manual_subdomains"
)

// Viper keys for client-mode configuration.
const (
	keyClientRelayURL     = "client.relay_url"
	keyClientControlAddr  = "client.control_address"
	keyClientAuthToken    = "client.auth_token"
	keyClientLocalAddress = "client.local_address"
	keyClientSubdomain    = "client.subdomain"
	keyClientDomain       = "client.domain"
	keyClientConcurrency  = "client.concurrency"
)

// Viper keys for agent-mode configuration.
const (
	keyAgentRelayURL      = "agent.relay_url"
	keyAgentControlAddr   = "agent.control_address"
	keyAgentID            = "agent.id"
	keyAgentAuthToken     = "agent.auth_token"
	keyAgentTargetAddress = "agent.target_address"
	keyAgentTokenSecret   = "agent.token_secret"
	keyAgentListenAddress = "agent.listen_address"
)
