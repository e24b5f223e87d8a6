package fileserver

import (
	"net/url"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
)

// BlockedExt lists executable and script extensions that are never accepted.
var BlockedExt = map[string]bool{
	".exe": true, ".sh": true, ".js": true, ".bat": true, ".cmd": true,
	".php": true, ".py": true, ".rb": true, ".msi": true, ".ps1": true,
}

// normalizeName turns the client supplied name into the stored display name and its
// lowercase extension. Both come from the same cleaned string, so what is checked
// against BlockedExt is what gets served. Some clients and proxies encode spaces as "+".
func normalizeName(raw string) (name, ext string) {
	raw = strings.ReplaceAll(raw, "+", " ")
	name = safeFilename(filepath.Base(raw))
	// Windows ignores trailing dots and spaces, so "run.exe. " is still run.exe.
	name = strings.TrimRight(name, ". ")
	return name, strings.ToLower(filepath.Ext(name))
}

// extFamily maps extensions whose content is verified to the MIME type the bytes must
// sniff as (or descend from). Office documents are zip containers.
var extFamily = map[string]string{
	".jpg": "image/jpeg", ".jpeg": "image/jpeg", ".png": "image/png", ".gif": "image/gif",
	".webp": "image/webp", ".pdf": "application/pdf",
	".zip": "application/zip", ".docx": "application/zip", ".xlsx": "application/zip",
}

// matchesExt reports whether the sniffed type fits ext. Unlisted extensions pass.
func matchesExt(ext string, mt *mimetype.MIME) bool {
	want, ok := extFamily[ext]
	if !ok {
		return true
	}
	for m := mt; m != nil; m = m.Parent() {
		if m.Is(want) {
			return true
		}
	}
	return false
}

// ContentDisposition builds an attachment header that keeps UTF-8 names intact.
// The legacy filename= form is only added when the name is plain ASCII.
func ContentDisposition(name string) string {
	safe := safeFilename(name)
	if safe == "" {
		return "attachment"
	}
	disp := "attachment; filename*=UTF-8''" + url.PathEscape(safe)
	if ascii := asciiFallbackFilename(safe); ascii == safe {
		disp = "attachment; filename=\"" + ascii + "\"; " + disp
	}
	return disp
}

// safeFilename drops control characters, quotes and path separators.
func safeFilename(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\r', '\n', '"', '\\', '/', '\x00':
			continue
		}
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

func asciiFallbackFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
