package storage

import (
	"path"
	"strings"
)

// Clean normalizes a backend path: rooted, "/"-separated, no trailing slash.
func Clean(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean("/" + p)
}

// Join joins path elements into a clean backend path.
func Join(elem ...string) string {
	return Clean(path.Join(elem...))
}

// Dir returns the parent directory of p.
func Dir(p string) string {
	return path.Dir(Clean(p))
}

// Base returns the last element of p.
func Base(p string) string {
	return path.Base(Clean(p))
}

// Ext returns the extension of p including the dot.
func Ext(p string) string {
	return path.Ext(Base(p))
}

// Depth returns the number of elements in p; the root has depth 0.
func Depth(p string) int {
	p = Clean(p)
	if p == "/" {
		return 0
	}
	return strings.Count(p, "/")
}

// IsDirectChild reports whether child sits immediately inside dir.
func IsDirectChild(dir, child string) bool {
	child = Clean(child)
	return child != "/" && Dir(child) == Clean(dir)
}

// IsWithin reports whether p is dir itself or anywhere below it.
func IsWithin(dir, p string) bool {
	dir, p = Clean(dir), Clean(p)
	if dir == "/" || dir == p {
		return true
	}
	return strings.HasPrefix(p, dir+"/")
}

// Ancestors returns every proper ancestor directory of p, nearest first,
// excluding the root.
func Ancestors(p string) []string {
	var out []string
	for d := Dir(p); d != "/"; d = Dir(d) {
		out = append(out, d)
	}
	return out
}

// MatchesExtension reports whether name has one of exts. An empty set
// matches everything. Comparison is case-insensitive.
func MatchesExtension(exts []string, name string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := strings.ToLower(path.Ext(name))
	for _, e := range exts {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

var keyEscaper = strings.NewReplacer(
	"_", "__",
	"/", "_s",
	".", "_d",
	":", "_c",
	"\\", "_b",
)

// EscapeKey makes s safe to use as a single filename component.
// The mapping is injective, so distinct inputs never share an output.
func EscapeKey(s string) string {
	return keyEscaper.Replace(s)
}
