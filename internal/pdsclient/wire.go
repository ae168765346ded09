package pdsclient

import (
	"bytes"
	"io"
	"time"

	"github.com/atproto-tools/migrate-engine/internal/core/domain"
)

// sessionWire is the JSON shape returned by createSession/createAccount.
type sessionWire struct {
	DID          string `json:"did"`
	Handle       string `json:"handle"`
	AccessJwt    string `json:"accessJwt"`
	RefreshJwt   string `json:"refreshJwt"`
	ExpiresInSec int64  `json:"expiresIn,omitempty"`
}

// toSession converts the wire shape to a domain.Session bound to pdsURL.
// PDSs typically don't echo token expiry, so we assume the conventional
// atproto access-token lifetime of 2 hours when ExpiresInSec is unset.
func (w sessionWire) toSession(pdsURL string) domain.Session {
	ttl := 2 * time.Hour
	if w.ExpiresInSec > 0 {
		ttl = time.Duration(w.ExpiresInSec) * time.Second
	}
	exp := time.Now().Add(ttl)
	return domain.Session{
		DID:          w.DID,
		Handle:       w.Handle,
		PDSURL:       pdsURL,
		AccessToken:  w.AccessJwt,
		RefreshToken: w.RefreshJwt,
		ExpiresAt:    &exp,
	}
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
