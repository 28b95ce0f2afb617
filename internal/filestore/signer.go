package filestore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrSignatureExpired = errors.New("signature expired")
	ErrSignatureInvalid = errors.New("signature invalid")
)

// Signer issues and checks time-limited access signatures for objects.
type Signer struct {
	secret []byte
	now    func() time.Time
}

func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret, now: time.Now}
}

func (s *Signer) mac(bucket, objectPath string, expires int64) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(bucket + "\n" + objectPath + "\n" + strconv.FormatInt(expires, 10)))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Sign returns the expiry (unix seconds) and signature for the object.
func (s *Signer) Sign(bucket, objectPath string, ttl time.Duration) (int64, string) {
	expires := s.now().Add(ttl).Unix()
	return expires, s.mac(bucket, objectPath, expires)
}

func (s *Signer) Verify(bucket, objectPath string, expires int64, sig string) error {
	if s.now().Unix() > expires {
		return ErrSignatureExpired
	}
	if !hmac.Equal([]byte(sig), []byte(s.mac(bucket, objectPath, expires))) {
		return ErrSignatureInvalid
	}
	return nil
}

// SignedURL builds a resolvable URL for the object valid for ttl.
func (s *Signer) SignedURL(baseURL, bucket, objectPath string, ttl time.Duration) string {
	expires, sig := s.Sign(bucket, objectPath, ttl)
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", sig)
	return fmt.Sprintf("%s/api/storage/signed/%s/%s?%s", strings.TrimRight(baseURL, "/"), url.PathEscape(bucket), EscapePath(objectPath), q.Encode())
}

// PublicURL builds the unsigned URL of an object in a public bucket.
func PublicURL(baseURL, bucket, objectPath string) string {
	return fmt.Sprintf("%s/api/storage/public/%s/%s", strings.TrimRight(baseURL, "/"), url.PathEscape(bucket), EscapePath(objectPath))
}

// EscapePath escapes every segment of a slash separated object path.
func EscapePath(objectPath string) string {
	segs := strings.Split(objectPath, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.Join(segs, "/")
}
