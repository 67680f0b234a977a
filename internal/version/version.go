// Package version exposes build metadata stamped in with ldflags:
//
//	go build -ldflags "-X github.com/rickgao/doge-gateway/internal/version.Version=4.2.0 \
//	                   -X github.com/rickgao/doge-gateway/internal/version.Commit=$(git rev-parse --short HEAD) \
//	                   -X github.com/rickgao/doge-gateway/internal/version.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
package version

// Name is the product name reported in banners and outbound User-Agent headers.
const Name = "doge-gateway"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String returns "<version> (<commit>) built <time>".
func String() string {
	return Version + " (" + Commit + ") built " + BuildTime
}

// UserAgent is sent on every request the gateway makes on its own behalf.
func UserAgent() string {
	return Name + "/" + Version
}
