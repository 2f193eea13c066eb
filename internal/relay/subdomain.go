package relay

import "hash/fnv"

const subdomainCharset = "abcdefghijklmnopqrstuvwxyz0123456789"
const subdomainLen = 6

// GenerateSubdomain derives a deterministic 6-character lowercase
// base-36 subdomain from tunnelID and the client's peer IP. Including
// the peer IP disambiguates two clients that otherwise hash
// identically (e.g. the same tunnel_id reused from different
// networks); stable for the lifetime of one process, not guaranteed
// across restarts.
func GenerateSubdomain(tunnelID, peerIP string) string {
	h := fnv.New64a()
	h.Write([]byte(tunnelID))
	h.Write([]byte{0})
	h.Write([]byte(peerIP))
	remaining := h.Sum64()

	buf := make([]byte, subdomainLen)
	for i := range buf {
		buf[i] = subdomainCharset[remaining%36]
		remaining /= 36
	}
	return string(buf)
}
