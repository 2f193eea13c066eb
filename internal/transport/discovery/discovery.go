// Package discovery implements the /_localup/transports negotiation
// handshake (spec §6): before the tunnel handshake, a client asks the
// relay which transports it exposes and picks the best one, falling
// back to QUIC on the default port if the handshake itself fails.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Path is the well-known discovery endpoint path.
const Path = "/_localup/transports"

// DefaultQUICAddr is used when discovery fails entirely.
const DefaultQUICAddr = "127.0.0.1:4443"

// TransportOption is one entry in the discovery response: a transport
// the relay is willing to accept control connections over.
type TransportOption struct {
	Protocol string `json:"protocol"` // "quic" | "yamux"
	Address  string `json:"address"`
	Path     string `json:"path,omitempty"`
}

// Response is the full body returned by the relay's discovery
// endpoint.
type Response struct {
	Transports []TransportOption `json:"transports"`
}

// Handler serves the relay side of the handshake: a static list of
// transport options, most-preferred first.
func Handler(transports []TransportOption) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Response{Transports: transports})
	}
}

// Discover queries baseURL+Path and returns the relay's advertised
// transport options. On any failure it returns a single synthetic
// QUIC option at DefaultQUICAddr, matching spec §6's "on failure the
// client falls back to QUIC on the default port".
func Discover(ctx context.Context, baseURL string) []TransportOption {
	fallback := []TransportOption{{Protocol: "quic", Address: DefaultQUICAddr}}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+Path, nil)
	if err != nil {
		return fallback
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fallback
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fallback
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || len(out.Transports) == 0 {
		return fallback
	}
	return out.Transports
}

// Pick selects the first transport of the preferred protocol, falling
// back to the first option of any protocol. Returns an error if opts
// is empty.
func Pick(opts []TransportOption, preferred string) (TransportOption, error) {
	if len(opts) == 0 {
		return TransportOption{}, fmt.Errorf("discovery: no transport options")
	}
	for _, o := range opts {
		if o.Protocol == preferred {
			return o, nil
		}
	}
	return opts[0], nil
}
