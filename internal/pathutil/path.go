// Package pathutil provides path manipulation for slash-separated archive paths.
//
// Paths handed to a volume are rooted ("/dir/file"). Archive member names are
// relative ("dir/file", "./dir/file", "dir/"). Both normalize to the rooted form.
package pathutil

import "strings"

// Root is the normalized path of the archive root.
const Root = "/"

// Normalize converts a user or archive path to its rooted canonical form.
//
// It performs the following transformations:
//   - Adds a leading slash: "etc/nginx" → "/etc/nginx"
//   - Strips trailing slashes: "/etc/nginx/" → "/etc/nginx"
//   - Collapses consecutive slashes: "etc//nginx" → "/etc/nginx"
//   - Drops "." elements: "./etc/./nginx" → "/etc/nginx"
//   - Converts empty string to root: "" → "/"
//
// ".." elements are preserved; they never resolve inside an archive tree.
func Normalize(p string) string {
	parts := Split(p)
	if len(parts) == 0 {
		return Root
	}
	return Root + strings.Join(parts, "/")
}

// Split returns the non-empty, non-"." segments of p in order.
func Split(p string) []string {
	raw := strings.Split(p, "/")
	parts := raw[:0] // reuse backing array
	for _, part := range raw {
		if part == "" || part == "." {
			continue
		}
		parts = append(parts, part)
	}
	return parts
}

// Base returns the last element of a normalized path.
// The root path returns "/".
func Base(p string) string {
	p = Normalize(p)
	if p == Root {
		return Root
	}
	return p[strings.LastIndex(p, "/")+1:]
}

// Dir returns the parent of a normalized path. The parent of root is root.
func Dir(p string) string {
	p = Normalize(p)
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return Root
	}
	return p[:i]
}

// Join appends a child name to a normalized directory path.
func Join(dir, name string) string {
	if dir == Root || dir == "" {
		return Normalize(name)
	}
	return Normalize(dir + "/" + name)
}
