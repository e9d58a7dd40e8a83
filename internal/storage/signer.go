package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joseph-ayodele/docjobs/internal/common"
)

// DownloadPath is the route prefix served by the HTTP API for signed downloads.
const DownloadPath = "/v1/downloads/"

// Signer issues and verifies HMAC-SHA256 download links.
type Signer struct {
	key     []byte
	baseURL string
}

func NewSigner(secret, baseURL string) *Signer {
	return &Signer{key: []byte(secret), baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *Signer) mac(key string, expires int64) string {
	m := hmac.New(sha256.New, s.key)
	m.Write([]byte(key))
	m.Write([]byte{'\n'})
	m.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(m.Sum(nil))
}

// SignURL returns an absolute link for key that expires at exp.
func (s *Signer) SignURL(key string, exp time.Time) string {
	expires := exp.Unix()
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.mac(key, expires))
	return s.baseURL + DownloadPath + strings.Join(segs, "/") + "?" + q.Encode()
}

// Verify checks sig for key and rejects expired links.
func (s *Signer) Verify(key, expires, sig string, now time.Time) error {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return fmt.Errorf("bad expires: %w", common.ErrUnauthorized)
	}
	if now.Unix() > exp {
		return fmt.Errorf("link expired: %w", common.ErrUnauthorized)
	}
	want := s.mac(key, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return fmt.Errorf("bad signature: %w", common.ErrUnauthorized)
	}
	return nil
}
