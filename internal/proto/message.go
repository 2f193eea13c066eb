// Package proto defines the wire message taxonomy exchanged on a
// tunnel/agent control connection and its ephemeral data streams, and
// the framing discipline used to carry them.
package proto

// Type identifies the concrete shape of a Message on the wire. CBOR
// encodes each Message as a two-field envelope {Type, Body} so the
// receiver can dispatch before fully decoding the payload.
type Type string

const (
	TypeConnect        Type = "connect"
	TypeConnected      Type = "connected"
	TypeAgentRegister  Type = "agent_register"
	TypeAgentRegistered Type = "agent_registered"
	TypeAgentRejected  Type = "agent_rejected"

	TypePing Type = "ping"
	TypePong Type = "pong"

	TypeDisconnect    Type = "disconnect"
	TypeDisconnectAck Type = "disconnect_ack"

	TypeHttpRequest  Type = "http_request"
	TypeHttpResponse Type = "http_response"

	TypeHttpStreamConnect Type = "http_stream_connect"
	TypeHttpStreamData    Type = "http_stream_data"
	TypeHttpStreamClose   Type = "http_stream_close"

	TypeTcpConnect Type = "tcp_connect"
	TypeTcpData    Type = "tcp_data"
	TypeTcpClose   Type = "tcp_close"

	TypeTlsConnect Type = "tls_connect"
	TypeTlsData    Type = "tls_data"
	TypeTlsClose   Type = "tls_close"

	TypeReverseTunnelRequest Type = "reverse_tunnel_request"
	TypeReverseTunnelAccept  Type = "reverse_tunnel_accept"
	TypeReverseTunnelReject  Type = "reverse_tunnel_reject"
	TypeReverseConnect       Type = "reverse_connect"
	TypeForwardRequest       Type = "forward_request"
	TypeForwardAccept        Type = "forward_accept"
	TypeForwardReject        Type = "forward_reject"
	TypeReverseData          Type = "reverse_data"
	TypeReverseClose         Type = "reverse_close"

	TypeValidateAgentToken       Type = "validate_agent_token"
	TypeValidateAgentTokenOk     Type = "validate_agent_token_ok"
	TypeValidateAgentTokenReject Type = "validate_agent_token_reject"
)

// Message is implemented by every concrete wire-message variant. Kind
// returns the variant's Type tag, used to select the Body type to
// decode into.
type Message interface {
	Kind() Type
}

// Endpoint describes one resolved public endpoint returned to a
// client in Connected.
type Endpoint struct {
	Protocol  string `cbor:"protocol"`
	PublicURL string `cbor:"public_url"`
	Port      int    `cbor:"port,omitempty"`
}

// --- Registration ---

type Connect struct {
	TunnelID    string     `cbor:"tunnel_id"`
	AuthToken   string     `cbor:"auth_token"`
	Protocols   []Protocol `cbor:"protocols"`
	Domain      string     `cbor:"domain,omitempty"`
}

func (Connect) Kind() Type { return TypeConnect }

type Connected struct {
	Endpoints []Endpoint `cbor:"endpoints"`
}

func (Connected) Kind() Type { return TypeConnected }

type AgentRegister struct {
	AgentID       string `cbor:"agent_id"`
	AuthToken     string `cbor:"auth_token"`
	TargetAddress string `cbor:"target_address"`
	Metadata      map[string]string `cbor:"metadata,omitempty"`
}

func (AgentRegister) Kind() Type { return TypeAgentRegister }

type AgentRegistered struct {
	AgentID string `cbor:"agent_id"`
}

func (AgentRegistered) Kind() Type { return TypeAgentRegistered }

type AgentRejected struct {
	Reason string `cbor:"reason"`
}

func (AgentRejected) Kind() Type { return TypeAgentRejected }

// --- Liveness ---

type Ping struct {
	TimestampSecs int64 `cbor:"timestamp_secs"`
}

func (Ping) Kind() Type { return TypePing }

type Pong struct {
	TimestampSecs int64 `cbor:"timestamp_secs"`
}

func (Pong) Kind() Type { return TypePong }

// --- Lifecycle ---

type Disconnect struct {
	Reason string `cbor:"reason"`
}

func (Disconnect) Kind() Type { return TypeDisconnect }

type DisconnectAck struct{}

func (DisconnectAck) Kind() Type { return TypeDisconnectAck }

// --- HTTP (structured request/response) ---

type HttpRequest struct {
	Method  string            `cbor:"method"`
	URI     string            `cbor:"uri"`
	Headers map[string]string `cbor:"headers,omitempty"`
	Body    []byte            `cbor:"body,omitempty"`
}

func (HttpRequest) Kind() Type { return TypeHttpRequest }

type HttpResponse struct {
	Status  int               `cbor:"status"`
	Headers map[string]string `cbor:"headers,omitempty"`
	Body    []byte            `cbor:"body,omitempty"`
}

func (HttpResponse) Kind() Type { return TypeHttpResponse }

// --- HTTP (transparent byte stream) ---

type HttpStreamConnect struct {
	Host        string `cbor:"host"`
	InitialData []byte `cbor:"initial_data,omitempty"`
}

func (HttpStreamConnect) Kind() Type { return TypeHttpStreamConnect }

type HttpStreamData struct {
	Data []byte `cbor:"data"`
}

func (HttpStreamData) Kind() Type { return TypeHttpStreamData }

type HttpStreamClose struct{}

func (HttpStreamClose) Kind() Type { return TypeHttpStreamClose }

// --- TCP ---

type TcpConnect struct {
	RemoteAddr string `cbor:"remote_addr"`
	RemotePort int    `cbor:"remote_port"`
}

func (TcpConnect) Kind() Type { return TypeTcpConnect }

type TcpData struct {
	Data []byte `cbor:"data"`
}

func (TcpData) Kind() Type { return TypeTcpData }

type TcpClose struct{}

func (TcpClose) Kind() Type { return TypeTcpClose }

// --- TLS ---

type TlsConnect struct {
	SNI             string `cbor:"sni"`
	ClientHelloBytes []byte `cbor:"client_hello_bytes"`
}

func (TlsConnect) Kind() Type { return TypeTlsConnect }

type TlsData struct {
	Data []byte `cbor:"data"`
}

func (TlsData) Kind() Type { return TypeTlsData }

type TlsClose struct{}

func (TlsClose) Kind() Type { return TypeTlsClose }

// --- Reverse tunnels ---

type ReverseTunnelRequest struct {
	TunnelID      string `cbor:"tunnel_id"`
	RemoteAddress string `cbor:"remote_address"`
	AgentID       string `cbor:"agent_id"`
	AgentToken    string `cbor:"agent_token,omitempty"`
}

func (ReverseTunnelRequest) Kind() Type { return TypeReverseTunnelRequest }

type ReverseTunnelAccept struct {
	LocalAddress string `cbor:"local_address"`
}

func (ReverseTunnelAccept) Kind() Type { return TypeReverseTunnelAccept }

type ReverseTunnelReject struct {
	Reason string `cbor:"reason"`
}

func (ReverseTunnelReject) Kind() Type { return TypeReverseTunnelReject }

type ReverseConnect struct {
	TunnelID      string `cbor:"tunnel_id"`
	StreamID      uint32 `cbor:"stream_id"`
	RemoteAddress string `cbor:"remote_address"`
}

func (ReverseConnect) Kind() Type { return TypeReverseConnect }

type ForwardRequest struct {
	TunnelID      string `cbor:"tunnel_id"`
	StreamID      uint32 `cbor:"stream_id"`
	RemoteAddress string `cbor:"remote_address"`
	AgentToken    string `cbor:"agent_token,omitempty"`
}

func (ForwardRequest) Kind() Type { return TypeForwardRequest }

type ForwardAccept struct{}

func (ForwardAccept) Kind() Type { return TypeForwardAccept }

type ForwardReject struct {
	Reason string `cbor:"reason"`
}

func (ForwardReject) Kind() Type { return TypeForwardReject }

type ReverseData struct {
	StreamID uint32 `cbor:"stream_id"`
	Data     []byte `cbor:"data"`
}

func (ReverseData) Kind() Type { return TypeReverseData }

type ReverseClose struct {
	StreamID uint32 `cbor:"stream_id"`
	Reason   string `cbor:"reason,omitempty"`
}

func (ReverseClose) Kind() Type { return TypeReverseClose }

type ValidateAgentToken struct {
	Token string `cbor:"token"`
}

func (ValidateAgentToken) Kind() Type { return TypeValidateAgentToken }

type ValidateAgentTokenOk struct{}

func (ValidateAgentTokenOk) Kind() Type { return TypeValidateAgentTokenOk }

type ValidateAgentTokenReject struct {
	Reason string `cbor:"reason"`
}

func (ValidateAgentTokenReject) Kind() Type { return TypeValidateAgentTokenReject }

// --- Protocol (client-requested endpoint shape) ---

// ProtocolKind tags the Protocol sum type.
type ProtocolKind string

const (
	ProtocolHTTP  ProtocolKind = "http"
	ProtocolHTTPS ProtocolKind = "https"
	ProtocolTCP   ProtocolKind = "tcp"
	ProtocolTLS   ProtocolKind = "tls"
)

// Protocol is a polymorphic request for one public endpoint shape.
// Only the fields relevant to Kind are meaningful.
type Protocol struct {
	Kind         ProtocolKind `cbor:"kind"`
	Subdomain    string       `cbor:"subdomain,omitempty"`
	CustomDomain string       `cbor:"custom_domain,omitempty"`
	Port         int          `cbor:"port,omitempty"` // Tcp/Tls: 0 means "allocate"
	SNIPatterns  []string     `cbor:"sni_patterns,omitempty"`
}
