// Copyright (c) 2024 the relaysteal authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package wire

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/elazarl/goproxy"
)

// FilterKind distinguishes the two HttpFilter variants.
type FilterKind int

const (
	// FilterHeaderRegex matches a single header by a case-insensitive
	// regex over its name, mirroring StealType.FilteredHttp.
	FilterHeaderRegex FilterKind = iota
	// FilterExtended matches path/method/header sets, mirroring
	// StealType.FilteredHttpEx.
	FilterExtended
)

// ExtendedFilterSpec is the wire form of StealType.FilteredHttpEx's
// payload: an extended matcher over path, method, and a set of
// per-header regexes (all must match).
type ExtendedFilterSpec struct {
	Path    string            // regex over request path; empty = any
	Method  string            // exact method match (case-insensitive); empty = any
	Headers map[string]string // header name -> regex over its value; all must match
}

// HttpFilter is a compiled predicate over an HTTP request, built from
// either a single-header regex or an ExtendedFilterSpec. Construct via
// NewHeaderFilter or NewExtendedFilter; the zero value matches nothing.
type HttpFilter struct {
	kind  FilterKind
	label string
	match func(*http.Request) bool
}

// NewHeaderFilter compiles a case-insensitive regex over a single
// header's name, the way StealType.FilteredHttp is documented to:
// any header whose *name* matches (not its value) counts as a match.
func NewHeaderFilter(headerNameRegex string) (*HttpFilter, error) {
	re, err := regexp.Compile("(?i)" + headerNameRegex)
	if err != nil {
		return nil, fmt.Errorf("bad header filter regex %q: %w", headerNameRegex, err)
	}
	return &HttpFilter{
		kind:  FilterHeaderRegex,
		label: headerNameRegex,
		match: func(req *http.Request) bool {
			for name := range req.Header {
				if re.MatchString(name) {
					return true
				}
			}
			return false
		},
	}, nil
}

// NewExtendedFilter compiles an ExtendedFilterSpec into a predicate.
// Path and each header-value regex use goproxy's request-condition
// vocabulary (UrlMatches, ReqConditionFunc) composed with logical AND,
// instead of a bespoke matcher type — see SPEC_FULL.md §B for why goproxy's
// own proxy-serving loop isn't used here, only its condition helpers.
func NewExtendedFilter(spec ExtendedFilterSpec) (*HttpFilter, error) {
	var conds []goproxy.ReqCondition

	if spec.Path != "" {
		re, err := regexp.Compile(spec.Path)
		if err != nil {
			return nil, fmt.Errorf("bad extended filter path regex %q: %w", spec.Path, err)
		}
		conds = append(conds, goproxy.UrlMatches(re))
	}

	if spec.Method != "" {
		method := strings.ToUpper(spec.Method)
		conds = append(conds, goproxy.ReqConditionFunc(func(req *http.Request, _ *goproxy.ProxyCtx) bool {
			return strings.EqualFold(req.Method, method)
		}))
	}

	for name, pattern := range spec.Headers {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("bad extended filter header regex %s=%q: %w", name, pattern, err)
		}
		headerName := name
		headerRe := re
		conds = append(conds, goproxy.ReqConditionFunc(func(req *http.Request, _ *goproxy.ProxyCtx) bool {
			return headerRe.MatchString(req.Header.Get(headerName))
		}))
	}

	return &HttpFilter{
		kind:  FilterExtended,
		label: fmt.Sprintf("%+v", spec),
		match: func(req *http.Request) bool {
			ctx := &goproxy.ProxyCtx{Req: req}
			for _, c := range conds {
				if !c.HandleReq(req, ctx) {
					return false
				}
			}
			return true
		},
	}, nil
}

// Matches reports whether req satisfies this filter.
func (f *HttpFilter) Matches(req *http.Request) bool {
	if f == nil || f.match == nil {
		return false
	}
	return f.match(req)
}

// Kind reports which variant this filter is.
func (f *HttpFilter) Kind() FilterKind { return f.kind }

func (f *HttpFilter) String() string {
	if f == nil {
		return "<nil filter>"
	}
	return f.label
}
