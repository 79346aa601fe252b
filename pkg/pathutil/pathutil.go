// Package pathutil normalizes absolute filesystem paths and compiles the
// subscription glob dialect (plain "*" and recursive "**") into cached
// matchers, per spec §4.1.
package pathutil

import (
	"strings"

	"github.com/fsx-project/fsx/pkg/errtypes"
)

// Normalize collapses repeated slashes, resolves "." and ".." segments,
// and strips any trailing slash except for the root itself. p must be
// absolute.
func Normalize(p string) (string, error) {
	if p == "" || p[0] != '/' {
		return "", errtypes.InvalidArgument("path must be absolute: " + p)
	}

	segments := strings.Split(p, "/")
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, seg)
		}
	}

	if len(out) == 0 {
		return "/", nil
	}
	return "/" + strings.Join(out, "/"), nil
}

// Join normalizes the concatenation of a directory path and a child name.
func Join(dir, name string) (string, error) {
	if dir == "/" {
		return Normalize("/" + name)
	}
	return Normalize(dir + "/" + name)
}

// Parent returns the normalized parent of p ("" for the root, which has no
// parent).
func Parent(p string) string {
	if p == "/" {
		return ""
	}
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// Base returns the final path segment ("/" for the root).
func Base(p string) string {
	if p == "/" {
		return "/"
	}
	i := strings.LastIndex(p, "/")
	return p[i+1:]
}

// IsPattern reports whether p contains glob syntax.
func IsPattern(p string) bool {
	return strings.Contains(p, "*")
}
