package stateserver

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"
)

// ProtocolVersion is the wire protocol version this build of the server
// and client speaks, bumped on any breaking change to the op table or
// wire shapes in this package.
const ProtocolVersion = "1.0.0"

// CheckCompatible mirrors the teacher's daemon/client major-version gate:
// a major version mismatch is always rejected, since it signals a wire
// protocol change; within the same major version, an older server is
// rejected (it may be missing an operation the client expects), but an
// older or equal client is always accepted. Invalid version strings (dev
// builds) are let through rather than rejected.
func CheckCompatible(serverVersion, clientVersion string) error {
	sv, cv := normalize(serverVersion), normalize(clientVersion)
	if !semver.IsValid(sv) || !semver.IsValid(cv) {
		return nil
	}

	if semver.Major(sv) != semver.Major(cv) {
		if semver.Compare(sv, cv) < 0 {
			return fmt.Errorf("zproc: incompatible major versions: server %s, client %s; the server is older and must be upgraded", serverVersion, clientVersion)
		}
		return fmt.Errorf("zproc: incompatible major versions: server %s, client %s; the client is older and must be upgraded", serverVersion, clientVersion)
	}

	if semver.Compare(sv, cv) < 0 {
		return fmt.Errorf("zproc: server %s is older than client %s within the same major version", serverVersion, clientVersion)
	}
	return nil
}

func normalize(v string) string {
	if !strings.HasPrefix(v, "v") {
		return "v" + v
	}
	return v
}
