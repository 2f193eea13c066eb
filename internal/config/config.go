package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config wraps a viper instance and provides typed accessors for every
// configuration key. Create one via New().
type Config struct {
	v *viper.Viper
}

// New initialises a Config by loading values from environment
// variables, the config file, and compiled defaults (in that priority
// order; CLI flags, bound later via BindFlags, take highest priority).
func New() (*Config, error) {
	v := viper.New()

	// Register compiled defaults for all known options.
	for _, o := range RelayOptions {
		v.SetDefault(o.Key, o.Default)
	}
	for _, o := range ClientOptions {
		v.SetDefault(o.Key, o.Default)
	}
	for _, o := range AgentOptions {
		v.SetDefault(o.Key, o.Default)
	}

	// Attempt to load a config file from the current directory or
	// the system-wide location.
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/localup/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables are prefixed with LOCALUP_ and use
	// underscores in place of dots (e.g. LOCALUP_RELAY_DOMAIN).
	v.SetEnvPrefix("LOCALUP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

// BindFlags registers CLI flags for the given option slice and binds
// them to the underlying viper keys so that flag values override file
// and environment sources.
func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Relay-mode accessors
// ---------------------------------------------------------------------------

// RelayHTTPAddress returns the HTTP ingress listen address.
func (c *Config) RelayHTTPAddress() string {
	return c.v.GetString(keyRelayHTTPAddress)
}

// RelayHTTPSAddress returns the HTTPS ingress listen address.
func (c *Config) RelayHTTPSAddress() string {
	return c.v.GetString(keyRelayHTTPSAddress)
}

// RelayTLSSNIAddress returns the TLS-SNI passthrough ingress listen
// address.
func (c *Config) RelayTLSSNIAddress() string {
	return c.v.GetString(keyRelayTLSSNIAddress)
}

// RelayControlAddress returns the control-plane (QUIC) listen address.
func (c *Config) RelayControlAddress() string {
	return c.v.GetString(keyRelayControlAddress)
}

// RelayDomain returns the base domain used to build public URLs.
func (c *Config) RelayDomain() string {
	return c.v.GetString(keyRelayDomain)
}

// RelayTCPPortRange returns the inclusive low/high bounds of the
// per-tunnel TCP port range.
func (c *Config) RelayTCPPortRange() (lo, hi int) {
	return c.v.GetInt(keyRelayTCPPortLow), c.v.GetInt(keyRelayTCPPortHigh)
}

// RelayJWTSecret returns the HMAC secret used to validate auth tokens.
// An empty string disables authentication.
func (c *Config) RelayJWTSecret() string {
	return c.v.GetString(keyRelayJWTSecret)
}

// RelayCASeedDir returns the directory holding the relay's persisted
// CA seed.
func (c *Config) RelayCASeedDir() string {
	return c.v.GetString(keyRelayCASeedDir)
}

// RelayAllowManualSubdomains reports whether clients may request a
// specific subdomain rather than receiving a generated one.
func (c *Config) RelayAllowManualSubdomains() bool {
	return c.v.GetBool(keyRelayAllowManualSub)
}

// ---------------------------------------------------------------------------
// Client-mode accessors
// ---------------------------------------------------------------------------

// ClientRelayURL returns the relay discovery base URL.
func (c *Config) ClientRelayURL() string {
	return c.v.GetString(keyClientRelayURL)
}

// ClientControlAddress returns the relay control-plane address.
func (c *Config) ClientControlAddress() string {
	return c.v.GetString(keyClientControlAddr)
}

// ClientAuthToken returns the signed auth token presented in Connect.
func (c *Config) ClientAuthToken() string {
	return c.v.GetString(keyClientAuthToken)
}

// ClientLocalAddress returns the local address forwarded traffic is
// proxied to.
func (c *Config) ClientLocalAddress() string {
	return c.v.GetString(keyClientLocalAddress)
}

// ClientSubdomain returns the requested subdomain, or "" to let the
// relay generate one.
func (c *Config) ClientSubdomain() string {
	return c.v.GetString(keyClientSubdomain)
}

// ClientDomain returns the custom domain, or "" to use the relay's
// base domain.
func (c *Config) ClientDomain() string {
	return c.v.GetString(keyClientDomain)
}

// ClientConcurrency returns the maximum concurrent streams forwarded
// to the local service.
func (c *Config) ClientConcurrency() int {
	return c.v.GetInt(keyClientConcurrency)
}

// ---------------------------------------------------------------------------
// Agent-mode accessors
// ---------------------------------------------------------------------------

// AgentRelayURL returns the relay discovery base URL.
func (c *Config) AgentRelayURL() string {
	return c.v.GetString(keyAgentRelayURL)
}

// AgentControlAddress returns the relay control-plane address.
func (c *Config) AgentControlAddress() string {
	return c.v.GetString(keyAgentControlAddr)
}

// AgentID returns the stable agent identifier.
func (c *Config) AgentID() string {
	return c.v.GetString(keyAgentID)
}

// AgentAuthToken returns the signed auth token presented in
// AgentRegister.
func (c *Config) AgentAuthToken() string {
	return c.v.GetString(keyAgentAuthToken)
}

// AgentTargetAddress returns the single reachable target address this
// agent advertises.
func (c *Config) AgentTargetAddress() string {
	return c.v.GetString(keyAgentTargetAddress)
}

// AgentTokenSecret returns the HMAC secret used to validate
// ForwardRequest.agent_token. An empty string disables the check.
func (c *Config) AgentTokenSecret() string {
	return c.v.GetString(keyAgentTokenSecret)
}

// AgentListenAddress returns the optional persistent local listener
// address that survives relay reconnects, or "" if unset.
func (c *Config) AgentListenAddress() string {
	return c.v.GetString(keyAgentListenAddress)
}
