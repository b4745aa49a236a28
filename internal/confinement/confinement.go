// Package confinement implements C4, AppContextResolver and UriAuthorizer
// (spec §4.4): mapping a bus peer name to a confinement label, and
// deciding whether that label may open a given URI. The label parse is
// grounded on original_source/src/core/media/apparmor/ubuntu.h, which
// shows the confined label as `<package>_<app>_<version>` resolved via a
// package-manager path lookup; this package keeps that parse (ParseContext)
// even though spec.md only states its shape in prose.
package confinement

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/austinkregel/media-hubd/internal/corerr"
)

// Context is the confinement label resolved for a bus peer.
type Context struct {
	// Unconfined is true for trusted callers (the shell, system services).
	Unconfined bool
	// Package, App and Version are populated only when !Unconfined, parsed
	// from the raw "<package>_<app>_<version>" label.
	Package, App, Version string
	// ShortID is "<package>_<app>", the form spec §4.4 says callers see.
	ShortID string
	// raw is the unparsed label, kept for logging.
	raw string
}

func (c Context) String() string {
	if c.Unconfined {
		return "unconfined"
	}
	return c.raw
}

// ParseContext parses a raw confinement label. An empty label and the
// literal "unconfined" both yield an unconfined Context. Any other label
// with fewer than three underscore-separated fields is malformed and
// returns an error; callers must treat that as denial (spec §4.4:
// "ContextUnresolvable is treated as denial"). Underscores after the
// second one stay part of Version.
func ParseContext(raw string) (Context, error) {
	if raw == "" || raw == "unconfined" {
		return Context{Unconfined: true, raw: "unconfined"}, nil
	}
	fields := strings.SplitN(raw, "_", 3)
	if len(fields) != 3 {
		return Context{}, corerr.New(corerr.Authorization, fmt.Sprintf("malformed confinement label %q", raw))
	}
	pkg, app, version := fields[0], fields[1], fields[2]
	return Context{
		Package: pkg,
		App:     app,
		Version: version,
		ShortID: pkg + "_" + app,
		raw:     raw,
	}, nil
}

// PeerLabelSource resolves a bus unique name to its raw confinement label.
// A real implementation queries AppArmor/snapd over D-Bus (the platform
// security stack, an external collaborator per spec.md §1); this
// repository ships only the in-memory fake used by tests.
type PeerLabelSource interface {
	LabelFor(ctx context.Context, peerName string) (string, error)
}

// Resolver implements AppContextResolver.
type Resolver struct {
	source PeerLabelSource
}

func NewResolver(source PeerLabelSource) *Resolver {
	return &Resolver{source: source}
}

// Resolve maps a bus peer name to a Context. Resolution is asynchronous in
// the sense that it may block on the source (spec §4.4); callers should
// invoke it from a suspension point (CreateSession/ReattachSession).
func (r *Resolver) Resolve(ctx context.Context, peerName string) (Context, error) {
	raw, err := r.source.LabelFor(ctx, peerName)
	if err != nil {
		return Context{}, corerr.Wrap(corerr.Authorization, "context unresolvable", err)
	}
	return ParseContext(raw)
}

// Authorizer implements UriAuthorizer.
type Authorizer struct {
	// packageDataDir returns the private data directory for a package,
	// formatted from the configured template.
	packageDataDir func(pkg string) string
	sharedDirs     []string
}

// NewAuthorizer builds an Authorizer. dataDirTemplate is formatted with
// (pkg) via fmt.Sprintf to produce a confined package's private data
// directory; sharedDirs are additionally readable by every confined
// package (spec §4.4: "its own data directory and the shared media
// directories").
func NewAuthorizer(dataDirTemplate string, sharedDirs []string) *Authorizer {
	return &Authorizer{
		packageDataDir: func(pkg string) string { return fmt.Sprintf(dataDirTemplate, pkg) },
		sharedDirs:     sharedDirs,
	}
}

// Authorize decides whether ctx may open uri. Policy per spec §4.4:
//   - unconfined may open any URI.
//   - a confined context may open any http(s):// URI.
//   - a confined context may open a file:// URI only within its own data
//     directory or a shared media directory.
//   - everything else is denied with a non-empty reason.
func (a *Authorizer) Authorize(ctx Context, uri string) (ok bool, reason string) {
	if ctx.Unconfined {
		return true, ""
	}

	switch {
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return true, ""
	case strings.HasPrefix(uri, "file://"):
		return a.authorizeFile(ctx, strings.TrimPrefix(uri, "file://"))
	default:
		return false, fmt.Sprintf("confined context %s may not open scheme-unsupported uri %q", ctx.ShortID, uri)
	}
}

func (a *Authorizer) authorizeFile(ctx Context, path string) (bool, string) {
	dirs := append([]string{a.packageDataDir(ctx.Package)}, a.sharedDirs...)
	for _, dir := range dirs {
		if withinDir(dir, path) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("confined context %s may not open file outside its data or shared media directories: %q", ctx.ShortID, path)
}

func withinDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
