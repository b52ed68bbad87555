// Package version provides client-identification strings for the BEP 10
// extended handshake and any user-facing logging.
package version

var (
	// ExtendedHandshakeClientVersion is carried in the extended handshake's
	// "v" field.
	ExtendedHandshakeClientVersion string
	// Bep20Prefix is the 8-byte peer-id prefix convention from BEP 20.
	Bep20Prefix = "-NG0001-"
)

func init() {
	ExtendedHandshakeClientVersion = "nightglass/peerengine 0.1"
}
