package server

import (
	"bytes"
	"mime"
	"net/http"
	"path"
	"strings"
	"unicode/utf8"
)

// sniffLen is how much of a blob is inspected to decide whether it is binary.
const sniffLen = 8000

// sourceTypes covers extensions that mime.TypeByExtension does not know or
// maps to something unhelpful for source files.
var sourceTypes = map[string]string{
	".h":        "text/x-c-header",
	".hh":       "text/x-c++hdr",
	".hpp":      "text/x-c++hdr",
	".c":        "text/x-csrc",
	".cc":       "text/x-c++src",
	".cpp":      "text/x-c++src",
	".go":       "text/x-go",
	".rs":       "text/x-rust",
	".py":       "text/x-python",
	".rb":       "text/x-ruby",
	".java":     "text/x-java",
	".sh":       "text/x-shellscript",
	".s":        "text/x-asm",
	".S":        "text/x-asm",
	".dts":      "text/x-devicetree",
	".dtsi":     "text/x-devicetree",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".rst":      "text/x-rst",
	".adoc":     "text/asciidoc",
	".org":      "text/x-org",
	".textile":  "text/x-textile",
	".ipynb":    "application/x-ipynb+json",
	".svg":      "image/svg+xml",
	".toml":     "application/toml",
	".yaml":     "application/yaml",
	".yml":      "application/yaml",
	".json":     "application/json",
	".txt":      "text/plain",
}

// wellKnownNames types extensionless files by name.
var wellKnownNames = map[string]string{
	"Makefile":   "text/x-makefile",
	"Kconfig":    "text/x-kconfig",
	"Dockerfile": "text/x-dockerfile",
	"README":     "text/plain",
	"LICENSE":    "text/plain",
	"COPYING":    "text/plain",
}

// isBinary reports whether head, the start of a blob, looks like binary data:
// it contains a NUL byte or is not valid UTF-8. When head is only part of the
// blob, a multi-byte sequence cut off at its end is not counted against it.
func isBinary(head []byte, whole bool) bool {
	if len(head) > sniffLen {
		head = head[:sniffLen]
		whole = false
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return true
	}
	if !whole {
		head = trimPartialRune(head)
	}
	return !utf8.Valid(head)
}

// trimPartialRune drops an incomplete UTF-8 sequence from the end of b.
func trimPartialRune(b []byte) []byte {
	for i := 0; i < utf8.UTFMax-1 && len(b) > 0; i++ {
		if utf8.Valid(b) {
			return b
		}
		r, size := utf8.DecodeLastRune(b)
		if r != utf8.RuneError || size != 1 {
			return b
		}
		b = b[:len(b)-1]
	}
	return b
}

// detectMime picks a media type for the blob at p.
func detectMime(p string, head []byte, binary bool) string {
	base := path.Base(p)
	if t, ok := wellKnownNames[base]; ok {
		return t
	}
	ext := path.Ext(base)
	if t, ok := sourceTypes[ext]; ok {
		return t
	}
	if t, ok := sourceTypes[strings.ToLower(ext)]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	if binary {
		if t := http.DetectContentType(head); t != "text/plain; charset=utf-8" {
			return t
		}
		return "application/octet-stream"
	}
	return "text/plain"
}
