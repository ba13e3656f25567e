package repository

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/grafana/symbolicator/pkg/debuginfo"
)

type EndpointKind string

const (
	// KindDebuginfod serves {url}/buildid/{id}/debuginfo.
	KindDebuginfod EndpointKind = "debuginfod"
	// KindSymsrv serves {url}/{name}/{ID}/{name}, the Microsoft symbol
	// server layout.
	KindSymsrv EndpointKind = "symsrv"
	// KindBreakpad serves {url}/{name}/{ID}/{stem}.sym.
	KindBreakpad EndpointKind = "breakpad"
)

var errNoDebugName = errors.New("module has no debug name")

// Endpoint is one symbol repository.
type Endpoint struct {
	Kind EndpointKind
	URL  string
}

// ParseEndpoint parses "[kind+]url". Without a kind prefix the endpoint is a
// debuginfod server.
func ParseEndpoint(s string) (Endpoint, error) {
	raw := strings.TrimSpace(s)
	kind := KindDebuginfod
	if i := strings.Index(raw, "+"); i > 0 && !strings.Contains(raw[:i], "/") {
		switch k := EndpointKind(raw[:i]); k {
		case KindDebuginfod, KindSymsrv, KindBreakpad:
			kind, raw = k, raw[i+1:]
		default:
			return Endpoint{}, fmt.Errorf("endpoint %q: unknown kind %q", s, k)
		}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint %q: %w", s, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q: expected an http(s) URL", s)
	}
	return Endpoint{Kind: kind, URL: strings.TrimRight(raw, "/")}, nil
}

func (e Endpoint) String() string {
	return string(e.Kind) + "+" + e.URL
}

// urlFor returns the location of the module on this endpoint.
func (e Endpoint) urlFor(id debuginfo.Identity) (string, error) {
	if e.Kind == KindDebuginfod {
		return fmt.Sprintf("%s/buildid/%s/debuginfo", e.URL, id.ID), nil
	}
	name := baseName(id.DebugName)
	if name == "" {
		return "", errNoDebugName
	}
	file, key := name, id.ID
	if e.Kind == KindBreakpad {
		file = strings.TrimSuffix(name, ".pdb") + ".sym"
		key = id.BreakpadID()
	}
	return fmt.Sprintf("%s/%s/%s/%s",
		e.URL,
		url.PathEscape(name),
		strings.ToUpper(key),
		url.PathEscape(file),
	), nil
}

// baseName strips directories from both Windows and Unix paths.
func baseName(p string) string {
	if i := strings.LastIndexByte(p, '\\'); i >= 0 {
		p = p[i+1:]
	}
	if p == "" {
		return ""
	}
	p = path.Base(p)
	if p == "." || p == "/" {
		return ""
	}
	return p
}
