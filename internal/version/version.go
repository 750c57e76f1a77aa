package version

// Version is set at build time via -ldflags "-X github.com/ppiankov/ipfix/internal/version.Version=...".
var Version = "dev"
