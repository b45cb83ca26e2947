// Package version holds build metadata, set via ldflags:
//
//	go build -ldflags "-X github.com/rickgao/auction-realtime/internal/version.Version=1.0.0 \
//	                   -X github.com/rickgao/auction-realtime/internal/version.Commit=$(git rev-parse --short HEAD)"
package version

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String returns a formatted version string.
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}

// UserAgent identifies this client on REST calls and the websocket handshake.
func UserAgent() string {
	return "auction-realtime/" + Version
}
