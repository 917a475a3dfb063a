// Package media provides the Media Port described in spec.md §4.6: a
// blob writer for inbound voice/image/video attachments, backed by
// local disk or an S3-compatible object store.
package media

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Kind mirrors the media-bearing chatmodel.MessageType values.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindVoice Kind = "voice"
)

// extensions lists the accepted file extensions per media kind, exactly
// as the original MediaHandler.media_types table does.
var extensions = map[Kind][]string{
	KindImage: {"jpg", "jpeg", "png", "gif"},
	KindVideo: {"mp4", "webm", "mov", "avi", "mkv", "3gp"},
	KindVoice: {"wav", "mp3", "m4a"},
}

// mimeTypes maps each accepted extension to its MIME type.
var mimeTypes = map[string]string{
	"mp4": "video/mp4", "webm": "video/webm", "mov": "video/quicktime",
	"avi": "video/x-msvideo", "mkv": "video/x-matroska", "3gp": "video/3gpp",
	"jpg": "image/jpeg", "jpeg": "image/jpeg", "png": "image/png", "gif": "image/gif",
	"wav": "audio/wav", "mp3": "audio/mpeg", "m4a": "audio/mp4",
}

const randomSuffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
const randomSuffixLen = 6

var errInvalidKind = fmt.Errorf("invalid media type")
var errInvalidExtension = fmt.Errorf("invalid extension for media type")
var errEmptyContent = fmt.Errorf("empty media content")

// Saved describes a successfully persisted media blob.
type Saved struct {
	Path     string // opaque locator the backend can later resolve/serve.
	Filename string // sanitized, uniquified filename.
	MimeType string
}

// Port is the Media Port: save a blob and learn where it landed.
type Port interface {
	Save(ctx context.Context, kind Kind, filename string, content []byte) (*Saved, error)
}

// MimeType returns the MIME type registered for filename's extension,
// or "application/octet-stream" if unknown.
func MimeType(filename string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if mt, ok := mimeTypes[ext]; ok {
		return mt
	}
	return "application/octet-stream"
}

// validate sanitizes filename (stripping any path component) and checks
// its extension against kind's accepted list, mirroring
// MediaHandler._sanitize_filename / _is_valid_extension.
func validate(kind Kind, filename string, content []byte) (string, error) {
	if len(content) == 0 {
		return "", errEmptyContent
	}
	allowed, ok := extensions[kind]
	if !ok {
		return "", fmt.Errorf("%w: %q", errInvalidKind, kind)
	}
	safe := filepath.Base(filename)
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(safe)), ".")
	for _, a := range allowed {
		if ext == a {
			return safe, nil
		}
	}
	return "", fmt.Errorf("%w: %q (valid: %v)", errInvalidExtension, safe, allowed)
}

// uniqueName generates "{base}_{YYYYMMDD_HHMMSS}_{6 random alphanumerics}{ext}",
// matching the original save_media's new_filename construction.
func uniqueName(filename string) string {
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	timestamp := time.Now().Format("20060102_150405")
	suffix := make([]byte, randomSuffixLen)
	for i := range suffix {
		suffix[i] = randomSuffixAlphabet[rand.Intn(len(randomSuffixAlphabet))]
	}
	return fmt.Sprintf("%s_%s_%s%s", base, timestamp, suffix, ext)
}

// LocalDisk is the default Media Port backend: it writes each blob
// under root/{kind}s/, creating the directory on first use.
type LocalDisk struct {
	root string
}

// NewLocalDisk returns a disk-backed Media Port rooted at root,
// creating the per-kind subdirectories up front, as MediaHandler.__init__ does.
func NewLocalDisk(root string) (*LocalDisk, error) {
	for kind := range extensions {
		dir := filepath.Join(root, string(kind)+"s")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create media directory %s: %w", dir, err)
		}
	}
	return &LocalDisk{root: root}, nil
}

// Save writes content to disk under the kind's subdirectory using a
// uniquified filename, returning the written file's path: root joined
// with "{kind}s/{name}" (relative only when root is relative).
func (d *LocalDisk) Save(ctx context.Context, kind Kind, filename string, content []byte) (*Saved, error) {
	safe, err := validate(kind, filename, content)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(d.root, string(kind)+"s")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create media directory %s: %w", dir, err)
	}

	newName := uniqueName(safe)
	path := filepath.Join(dir, newName)

	if err := os.WriteFile(path, content, 0o644); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write media file %s: %w", path, err)
	}

	return &Saved{Path: path, Filename: newName, MimeType: MimeType(newName)}, nil
}
