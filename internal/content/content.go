package content

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/h2non/filetype"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

// MaxAttachmentSize is the largest file a message may carry.
const MaxAttachmentSize = 10 * 1024 * 1024

// AllowedAttachmentTypes are the MIME types a message attachment may have.
var AllowedAttachmentTypes = []string{
	"image/jpeg",
	"image/png",
	"image/gif",
	"application/pdf",
	"text/plain",
}

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
	ErrEmptyFile       = errors.New("file is empty")
)

var (
	policy        = bluemonday.UGCPolicy()
	strict        = bluemonday.StrictPolicy()
	markdown      = goldmark.New()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize removes unsafe HTML from the input string.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// StripTags removes all markup. Used for display names.
func StripTags(input string) string {
	return strict.Sanitize(input)
}

// Escape escapes special characters like "<" to become "&lt;".
func Escape(input string) string {
	return template.HTMLEscapeString(input)
}

// Render converts message markdown to sanitized HTML.
func Render(src string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return strings.TrimSpace(policy.Sanitize(buf.String())), nil
}

// ValidateUsername checks that the username is non-empty and contains only
// alphanumerics, dots, dashes and underscores.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}

// ValidateAttachment checks the declared type and size of a file before any
// byte of it is sent anywhere.
func ValidateAttachment(mimeType string, size int64) error {
	if !slices.Contains(AllowedAttachmentTypes, mimeType) {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}
	if size <= 0 {
		return ErrEmptyFile
	}
	if size > MaxAttachmentSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, size, MaxAttachmentSize)
	}
	return nil
}

// DetectMIME sniffs the MIME type from the file header. Plain text has no
// magic number, so valid UTF-8 without a known signature is text/plain.
func DetectMIME(head []byte) string {
	kind, err := filetype.Match(head)
	if err == nil && kind != filetype.Unknown {
		return kind.MIME.Value
	}
	if utf8.Valid(head) {
		return "text/plain"
	}
	return "application/octet-stream"
}
