// Copyright (c) 2024 the relaysteal authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wire

import "golang.org/x/mod/semver"

// HTTPFramedVersion is the fixed semver threshold: clients whose
// negotiated protocol version is at/above this receive
// HttpRequestFramed messages; older clients receive HttpRequestFallback.
const HTTPFramedVersion = "v1.3.0"

// SupportsFramedHttp reports whether clientVersion is at/above
// HTTPFramedVersion, using golang.org/x/mod/semver's comparator instead
// of a hand-rolled version-string compare.
func SupportsFramedHttp(clientVersion string) bool {
	if !semver.IsValid(clientVersion) {
		// an unparsable version is treated as pre-framed: the safer,
		// more-compatible fallback.
		return false
	}
	return semver.Compare(clientVersion, HTTPFramedVersion) >= 0
}
