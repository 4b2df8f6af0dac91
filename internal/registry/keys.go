package registry

import (
	"fmt"
	"strings"
)

const documentExt = ".md"

// ObjectKey is the storage path of one golden path version.
func ObjectKey(namespace, name, version string) string {
	return fmt.Sprintf("%s/%s/%s%s", namespace, name, version, documentExt)
}

// RegistryPath is the user-facing reference, e.g. "@alice/react-service:1.0.0".
func RegistryPath(namespace, name, version string) string {
	return fmt.Sprintf("%s/%s:%s", namespace, name, version)
}

// ParseRegistryPath splits "ns/name[:version]"; version is "latest" when omitted.
func ParseRegistryPath(ref string) (namespace, name, version string, ok bool) {
	namespace, rest, found := strings.Cut(ref, "/")
	if !found || namespace == "" || rest == "" {
		return "", "", "", false
	}
	name, version, found = strings.Cut(rest, ":")
	if !found {
		version = LatestVersion
	}
	if name == "" || version == "" || strings.Contains(name, "/") {
		return "", "", "", false
	}
	return namespace, name, version, true
}

// parseKey reverses ObjectKey. Keys of any other shape are not golden paths.
func parseKey(key string) (namespace, name, version string, ok bool) {
	if !strings.HasSuffix(key, documentExt) {
		return "", "", "", false
	}
	parts := strings.Split(strings.TrimSuffix(key, documentExt), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
