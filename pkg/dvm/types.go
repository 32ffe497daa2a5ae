package dvm

import (
	"strings"

	"github.com/nbd-wtf/go-nostr"
)

// Event kinds used by the thumbnail worker
const (
	KindThumbnailRequest = 5204
	KindThumbnailResult  = 6204
	KindBlossomAuth      = 24242
)

// Tag names (match NIP-90 / Blossom conventions)
const (
	TagInput     = "i"
	TagOutput    = "output"
	TagParam     = "param"
	TagRelays    = "relays"
	TagEncrypted = "encrypted"
	TagRequest   = "request"
	TagEvent     = "e"
	TagPubKey    = "p"
	TagDim       = "dim"
	TagDuration  = "duration"
	TagSize      = "size"
	TagThumb     = "thumb"
	TagHash      = "x"
)

// Request parameters
const (
	ParamThumbnailCount = "thumbnailCount"
	ParamImageFormat    = "imageFormat"

	InputTypeURL = "url"

	DefaultThumbnailCount = 3
	MinThumbnailCount     = 1
	MaxThumbnailCount     = 10
)

// ImageFormat is the closed set of thumbnail encodings a requester may ask for
type ImageFormat string

const (
	FormatJPEG ImageFormat = "jpeg"
	FormatPNG  ImageFormat = "png"
)

// Extension returns the file extension for the format, without the dot
func (f ImageFormat) Extension() string {
	if f == FormatPNG {
		return "png"
	}
	return "jpg"
}

// MimeType returns the content type sent to the blob server
func (f ImageFormat) MimeType() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// ParseImageFormat maps an imageFormat param value or an output mime type onto the enumeration
func ParseImageFormat(s string) (ImageFormat, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jpg", "jpeg", "image/jpeg", "image/jpg":
		return FormatJPEG, true
	case "png", "image/png":
		return FormatPNG, true
	default:
		return "", false
	}
}

// JobRequest is the validated view of a thumbnail request event
type JobRequest struct {
	Request        nostr.Event // original event, as received (still encrypted if it was)
	URL            string
	InputTag       nostr.Tag
	ThumbnailCount int
	Format         ImageFormat
	WasEncrypted   bool
	Relays         []string
}

// BlobDescriptor is returned by a Blossom server for uploaded blobs
type BlobDescriptor struct {
	URL     string `json:"url"`
	SHA256  string `json:"sha256"`
	Size    int64  `json:"size"`
	Type    string `json:"type,omitempty"`
	Created int64  `json:"created,omitempty"`

	// Uploaded is the newer name for Created used by some servers
	Uploaded int64 `json:"uploaded,omitempty"`
}

// UploadedAt returns the unix upload time, or 0 when the server sent none
func (b BlobDescriptor) UploadedAt() int64 {
	if b.Created > 0 {
		return b.Created
	}
	if b.Uploaded > 0 {
		return b.Uploaded
	}
	return 0
}

// FindTag returns the first tag with the given name, or nil
func FindTag(tags nostr.Tags, name string) nostr.Tag {
	for _, t := range tags {
		if len(t) > 0 && t[0] == name {
			return t
		}
	}
	return nil
}

// FindParam returns the value of a ["param", name, value] tag
func FindParam(tags nostr.Tags, name string) (string, bool) {
	for _, t := range tags {
		if len(t) >= 3 && t[0] == TagParam && t[1] == name {
			return t[2], true
		}
	}
	return "", false
}

// HasTag reports whether any tag carries the given name
func HasTag(tags nostr.Tags, name string) bool {
	return FindTag(tags, name) != nil
}
