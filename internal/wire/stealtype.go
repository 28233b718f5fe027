// Copyright (c) 2024 the relaysteal authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wire

// StealKind tags the three variants of StealType.
type StealKind int

const (
	StealAll StealKind = iota
	StealFilteredHttp
	StealFilteredHttpEx
)

// StealType is the payload of a PortSubscribe command: either the
// whole port (StealAll), or an HTTP header-regex filter
// (StealFilteredHttp), or an extended path/method/header filter
// (StealFilteredHttpEx). Go has no sum types, so this is a tagged
// struct rather than an enum.
type StealType struct {
	Kind   StealKind
	Port   Port
	Regex  string             // set when Kind == StealFilteredHttp
	Ex     ExtendedFilterSpec // set when Kind == StealFilteredHttpEx
}

// All builds a StealType that claims the whole port exclusively.
func All(port Port) StealType {
	return StealType{Kind: StealAll, Port: port}
}

// FilteredHttp builds a StealType that shares the port, matching
// requests whose header name satisfies the given case-insensitive
// regex.
func FilteredHttp(port Port, headerNameRegex string) StealType {
	return StealType{Kind: StealFilteredHttp, Port: port, Regex: headerNameRegex}
}

// FilteredHttpEx builds a StealType that shares the port under an
// extended path/method/header filter.
func FilteredHttpEx(port Port, spec ExtendedFilterSpec) StealType {
	return StealType{Kind: StealFilteredHttpEx, Port: port, Ex: spec}
}
