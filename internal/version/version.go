package version

import (
	"strings"

	"golang.org/x/mod/semver"
)

// Version is set at build time with:
// -ldflags "-X github.com/ignea/consulta/internal/version.Version=vX.Y.Z"
var Version = "dev"

func Current() string {
	v := strings.TrimSpace(Version)
	if v == "" {
		return "dev"
	}
	return v
}

// Compatible reports whether a client built as local can talk to a server
// reporting remote. Dev builds and unparsable versions are always accepted;
// otherwise the major versions must match.
func Compatible(local, remote string) bool {
	lv, lok := normalizeSemver(local)
	rv, rok := normalizeSemver(remote)
	if !lok || !rok {
		return true
	}
	return semver.Major(lv) == semver.Major(rv)
}

// Newer reports whether candidate is a strictly higher release than current.
func Newer(current, candidate string) bool {
	cv, cok := normalizeSemver(current)
	nv, nok := normalizeSemver(candidate)
	if !cok || !nok {
		return false
	}
	return semver.Compare(nv, cv) > 0
}

func normalizeSemver(v string) (string, bool) {
	v = strings.TrimSpace(v)
	if v == "" || v == "dev" {
		return "", false
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", false
	}
	return v, true
}
