// Package scope normalizes workspace paths and decides whether a path falls inside a
// workspace, folder or file scope.
package scope

import (
	"errors"
	"path"
	"strings"
)

var ErrInvalidPath = errors.New("invalid path")

// Normalize cleans p into an absolute slash path without a trailing slash.
func Normalize(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", ErrInvalidPath
	}
	if strings.Contains(p, "\\") || strings.ContainsRune(p, 0) {
		return "", ErrInvalidPath
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", ErrInvalidPath
		}
	}
	return path.Clean(p), nil
}

// Parent returns the folder containing p. The parent of "/" is "/".
func Parent(p string) string {
	return path.Dir(p)
}

// IsDescendant reports whether p lies strictly beneath folder.
func IsDescendant(folder, p string) bool {
	if folder == "/" {
		return p != "/"
	}
	return strings.HasPrefix(p, folder+"/")
}

// Matches applies the scope rules shared by webhooks and subscriptions:
// a file scope matches only its own path, a non-recursive folder scope matches direct
// children, and a recursive folder scope matches its own path and every descendant. Workspace scopes behave
// like a folder scope rooted at "/".
func Matches(scopeType, scopePath string, recursive bool, p string) bool {
	switch scopeType {
	case "file":
		return p == scopePath
	case "workspace":
		scopePath = "/"
	case "folder":
	default:
		return false
	}
	if recursive {
		return p == scopePath || IsDescendant(scopePath, p)
	}
	return p != scopePath && Parent(p) == scopePath
}

// Contains reports whether a capability bound to (scopeType, scopePath) may act on p.
// Capabilities always cover everything beneath their folder.
func Contains(scopeType, scopePath, p string) bool {
	switch scopeType {
	case "workspace":
		return true
	case "folder":
		return p == scopePath || IsDescendant(scopePath, p)
	case "file":
		return p == scopePath
	}
	return false
}

// Within reports whether the inner scope lies entirely inside the outer capability scope.
func Within(outerType, outerPath, innerType, innerPath string) bool {
	if outerType == "workspace" {
		return true
	}
	if innerType == "workspace" {
		return false
	}
	if outerType == "file" {
		return innerType == "file" && innerPath == outerPath
	}
	return Contains(outerType, outerPath, innerPath)
}
