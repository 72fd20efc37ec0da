package cloudinary

import (
	"fmt"
	"net/url"
	"strings"
)

// Transform describes the delivery transformation inserted into an asset URL.
type Transform struct {
	Width   int
	Height  int
	Quality string
	Format  string
	Crop    string
}

// ChatTransform sizes images for the conversation view.
var ChatTransform = Transform{Width: 600, Height: 600, Quality: "auto", Format: "auto", Crop: "fill"}

// ThumbnailTransform is used for previews and the image placeholder.
var ThumbnailTransform = Transform{Width: 100, Height: 100, Quality: "low", Format: "auto", Crop: "fill"}

func (t Transform) withDefaults() Transform {
	if t.Width <= 0 {
		t.Width = ChatTransform.Width
	}
	if t.Height <= 0 {
		t.Height = ChatTransform.Height
	}
	if t.Quality == "" {
		t.Quality = ChatTransform.Quality
	}
	if t.Format == "" {
		t.Format = ChatTransform.Format
	}
	if t.Crop == "" {
		t.Crop = ChatTransform.Crop
	}
	return t
}

func (t Transform) String() string {
	return fmt.Sprintf("c_%s,w_%d,h_%d,q_%s,f_%s", t.Crop, t.Width, t.Height, t.Quality, t.Format)
}

// OptimizeURL inserts the transformation after the "upload" path segment of a
// Cloudinary delivery URL. Other URLs come back unchanged.
func OptimizeURL(raw string, t Transform) string {
	if raw == "" || !strings.Contains(raw, "cloudinary.com") {
		return raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	parts := strings.Split(parsed.Path, "/")
	at := -1
	for i, part := range parts {
		if part == "upload" {
			at = i
			break
		}
	}
	if at == -1 {
		return raw
	}

	out := make([]string, 0, len(parts)+1)
	out = append(out, parts[:at+1]...)
	out = append(out, t.withDefaults().String())
	out = append(out, parts[at+1:]...)
	parsed.Path = strings.Join(out, "/")
	parsed.RawPath = ""

	return parsed.String()
}

// ThumbnailURL returns the 100x100 low quality variant.
func ThumbnailURL(raw string) string {
	return OptimizeURL(raw, ThumbnailTransform)
}
