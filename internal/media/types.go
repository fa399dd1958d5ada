package media

import (
	"mime"
	"path/filepath"
	"strings"
)

// Extension sets driving media_type detection.
var (
	imageExts = map[string]bool{"jpg": true, "jpeg": true, "png": true, "webp": true, "gif": true, "tiff": true}
	videoExts = map[string]bool{"mp4": true, "mov": true, "avi": true, "mkv": true}
	audioExts = map[string]bool{"mp3": true, "wav": true, "aac": true, "ogg": true}
	pdfExts   = map[string]bool{"pdf": true}
)

// wellKnownMimeExts pins the common types so key derivation does not
// depend on the host's mime table ordering.
var wellKnownMimeExts = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/gif":       "gif",
	"image/webp":      "webp",
	"image/tiff":      "tiff",
	"video/mp4":       "mp4",
	"video/quicktime": "mov",
	"audio/mpeg":      "mp3",
	"audio/wav":       "wav",
	"application/pdf": "pdf",
}

// ExtFromNameOrMime derives the object extension: the filename extension
// when present, otherwise a mime-type guess. "jpe" normalizes to "jpg";
// nothing usable yields "bin".
func ExtFromNameOrMime(name, mimeType string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
	if ext == "" {
		base := mimeType
		if i := strings.IndexByte(base, ';'); i >= 0 {
			base = strings.TrimSpace(base[:i])
		}
		if known, ok := wellKnownMimeExts[strings.ToLower(base)]; ok {
			ext = known
		} else if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
			ext = strings.ToLower(strings.TrimPrefix(exts[0], "."))
		}
	}
	if ext == "jpe" {
		ext = "jpg"
	}
	if ext == "" {
		return "bin"
	}
	return ext
}

// TypeFromExt maps an extension to the media_type enum.
func TypeFromExt(ext string) string {
	e := strings.ToLower(ext)
	switch {
	case imageExts[e]:
		return "image"
	case videoExts[e]:
		return "video"
	case audioExts[e]:
		return "audio"
	case pdfExts[e]:
		return "pdf"
	default:
		return "other"
	}
}
