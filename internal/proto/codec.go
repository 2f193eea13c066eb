package proto

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// envelope is the on-the-wire shape of every Message: a discriminator
// tag plus the CBOR-encoded body. Keeping the tag alongside the raw
// body lets Decode pick the right Go type before unmarshaling it.
type envelope struct {
	Type Type            `cbor:"type"`
	Body cbor.RawMessage `cbor:"body"`
}

var encMode = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return mode
}()

// Encode marshals a Message into its canonical CBOR envelope form.
func Encode(m Message) ([]byte, error) {
	body, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("proto: encode body: %w", err)
	}
	env := envelope{Type: m.Kind(), Body: body}
	out, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("proto: encode envelope: %w", err)
	}
	return out, nil
}

// Decode unmarshals a CBOR envelope into its concrete Message type.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("proto: decode envelope: %w", err)
	}

	var m Message
	switch env.Type {
	case TypeConnect:
		m = &Connect{}
	case TypeConnected:
		m = &Connected{}
	case TypeAgentRegister:
		m = &AgentRegister{}
	case TypeAgentRegistered:
		m = &AgentRegistered{}
	case TypeAgentRejected:
		m = &AgentRejected{}
	case TypePing:
		m = &Ping{}
	case TypePong:
		m = &Pong{}
	case TypeDisconnect:
		m = &Disconnect{}
	case TypeDisconnectAck:
		m = &DisconnectAck{}
	case TypeHttpRequest:
		m = &HttpRequest{}
	case TypeHttpResponse:
		m = &HttpResponse{}
	case TypeHttpStreamConnect:
		m = &HttpStreamConnect{}
	case TypeHttpStreamData:
		m = &HttpStreamData{}
	case TypeHttpStreamClose:
		m = &HttpStreamClose{}
	case TypeTcpConnect:
		m = &TcpConnect{}
	case TypeTcpData:
		m = &TcpData{}
	case TypeTcpClose:
		m = &TcpClose{}
	case TypeTlsConnect:
		m = &TlsConnect{}
	case TypeTlsData:
		m = &TlsData{}
	case TypeTlsClose:
		m = &TlsClose{}
	case TypeReverseTunnelRequest:
		m = &ReverseTunnelRequest{}
	case TypeReverseTunnelAccept:
		m = &ReverseTunnelAccept{}
	case TypeReverseTunnelReject:
		m = &ReverseTunnelReject{}
	case TypeReverseConnect:
		m = &ReverseConnect{}
	case TypeForwardRequest:
		m = &ForwardRequest{}
	case TypeForwardAccept:
		m = &ForwardAccept{}
	case TypeForwardReject:
		m = &ForwardReject{}
	case TypeReverseData:
		m = &ReverseData{}
	case TypeReverseClose:
		m = &ReverseClose{}
	case TypeValidateAgentToken:
		m = &ValidateAgentToken{}
	case TypeValidateAgentTokenOk:
		m = &ValidateAgentTokenOk{}
	case TypeValidateAgentTokenReject:
		m = &ValidateAgentTokenReject{}
	default:
		return nil, fmt.Errorf("proto: unknown message type %q", env.Type)
	}

	if len(env.Body) > 0 {
		if err := cbor.Unmarshal(env.Body, m); err != nil {
			return nil, fmt.Errorf("proto: decode %s body: %w", env.Type, err)
		}
	}
	return m, nil
}
