package registry

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// Host returns the registry part of an image reference, including any port.
// References without an explicit registry resolve to Docker Hub.
func Host(image string) (string, error) {
	ref, err := name.ParseReference(image)
	if err != nil {
		return "", fmt.Errorf("parsing image reference %q: %w", image, err)
	}
	return ref.Context().RegistryStr(), nil
}

// ProductionRef replaces the registry host in an image reference with the
// production registry host. Tags and digests are kept as-is.
//
// Examples:
//
//	ProductionRef("registry.stage.redhat.io/ns/bundle@sha256:...", "registry.redhat.io")
//	  → "registry.redhat.io/ns/bundle@sha256:..."
//	ProductionRef("ns/bundle:v1", "registry.redhat.io")
//	  → "registry.redhat.io/ns/bundle:v1"
func ProductionRef(image, production string) (string, error) {
	if production == "" {
		return "", fmt.Errorf("production registry is empty")
	}
	host, err := Host(image)
	if err != nil {
		return "", err
	}
	if rest, ok := strings.CutPrefix(image, host+"/"); ok {
		return production + "/" + rest, nil
	}
	// Implicit registry (e.g. "ns/bundle:v1").
	return production + "/" + image, nil
}

// Matcher decides whether a bundle path refers to a given registry domain.
type Matcher struct {
	host string
}

// NewMatcher creates a Matcher for the registry domain. Comparison is
// case-insensitive.
func NewMatcher(host string) *Matcher {
	return &Matcher{host: strings.ToLower(strings.TrimSpace(host))}
}

// Host returns the registry host the matcher looks for.
func (m *Matcher) Host() string {
	return m.host
}

// Matches reports whether image contains the registry domain anywhere in
// the path, including mirrored paths such as "mirror.example.com/<domain>/...".
func (m *Matcher) Matches(image string) bool {
	return m.host != "" && strings.Contains(strings.ToLower(image), m.host)
}
