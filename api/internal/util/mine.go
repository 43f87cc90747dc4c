package util

import (
	"net/http"
	"strings"
)

// SniffImageMIME returns the image MIME type of b, falling back to image/png
// (the type the vision endpoint assumes) for anything that is not an image.
func SniffImageMIME(b []byte) string {
	// JPEG: FF D8
	if len(b) >= 2 && b[0] == 0xFF && b[1] == 0xD8 {
		return "image/jpeg"
	}
	// PNG
	if len(b) >= 8 &&
		b[0] == 0x89 && b[1] == 0x50 && b[2] == 0x4E && b[3] == 0x47 &&
		b[4] == 0x0D && b[5] == 0x0A && b[6] == 0x1A && b[7] == 0x0A {
		return "image/png"
	}
	if len(b) > 0 {
		if m := http.DetectContentType(b); strings.HasPrefix(m, "image/") {
			return m
		}
	}
	return "image/png"
}

// ExtForMIME returns a file extension for an image MIME type.
func ExtForMIME(mime string) string {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/bmp":
		return ".bmp"
	default:
		return ".png"
	}
}

func MakeDataURL(mime, b64 string) string {
	return "data:" + mime + ";base64," + b64
}
