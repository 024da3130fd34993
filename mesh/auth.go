package mesh

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	authSchema      = "NHSMESH"
	timestampLayout = "200601021504"
)

// AuthorizationHeader builds the NHSMESH token for one request:
//
//	NHSMESH mailbox:nonce:count:timestamp:hmac
//
// where hmac is the hex HMAC-SHA256, keyed by sharedKey, of
// mailbox:nonce:count:password:timestamp.
func AuthorizationHeader(mailbox, password string, sharedKey []byte, nonce string, nonceCount int, at time.Time) string {
	ts := at.UTC().Format(timestampLayout)
	payload := strings.Join([]string{mailbox, nonce, fmt.Sprint(nonceCount), password, ts}, ":")

	mac := hmac.New(sha256.New, sharedKey)
	mac.Write([]byte(payload))

	return fmt.Sprintf("%s %s:%s:%d:%s:%s", authSchema, mailbox, nonce, nonceCount, ts, hex.EncodeToString(mac.Sum(nil)))
}

type authenticator struct {
	mailbox   string
	password  string
	sharedKey []byte
	now       func() time.Time
	nonce     func() string
}

func newAuthenticator(mailbox, password string, sharedKey []byte) *authenticator {
	return &authenticator{
		mailbox:   mailbox,
		password:  password,
		sharedKey: sharedKey,
		now:       time.Now,
		nonce:     uuid.NewString,
	}
}

// header returns a fresh token. Every request gets a new nonce so the
// count stays at zero.
func (a *authenticator) header() string {
	return AuthorizationHeader(a.mailbox, a.password, a.sharedKey, a.nonce(), 0, a.now())
}
