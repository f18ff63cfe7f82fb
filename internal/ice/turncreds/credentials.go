// Package turncreds generates and validates short-lived TURN REST API
// credentials for a room, so a TURN relay can be offered to the STUN
// phase (internal/ice) without provisioning a long-lived account per
// peer.
package turncreds

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kuuji/roomrtc/internal/rtc"
)

const (
	// DefaultLifetime is the default validity period for TURN credentials.
	DefaultLifetime = 1 * time.Hour

	// DefaultRealm is the realm used in the long-term credential mechanism.
	DefaultRealm = "roomrtc"
)

// Generate creates time-limited TURN REST API credentials from a shared
// secret. The username encodes the expiry timestamp and room ID. The
// password is an HMAC-SHA1 of the username, keyed by the shared secret.
//
// This follows the TURN REST API convention used by coturn and supported
// by pion/ice:
//
//	username = "<unix_expiry>:<roomID>"
//	password = base64(HMAC-SHA1(secret, username))
func Generate(secret, roomID string, lifetime time.Duration) (username, password string) {
	if lifetime == 0 {
		lifetime = DefaultLifetime
	}
	expiry := time.Now().Add(lifetime).Unix()
	username = fmt.Sprintf("%d:%s", expiry, roomID)
	password = computePassword(secret, username)
	return username, password
}

// Validate checks that TURN REST API credentials are valid and not
// expired, recomputing the password from the shared secret.
func Validate(secret, username, password string) error {
	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid username format: expected '<expiry>:<roomID>'")
	}

	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid expiry in username: %w", err)
	}

	if time.Now().Unix() > expiry {
		return fmt.Errorf("credentials expired at %d", expiry)
	}

	expected := computePassword(secret, username)
	if !hmac.Equal([]byte(password), []byte(expected)) {
		return fmt.Errorf("invalid password")
	}

	return nil
}

// DeriveAuthKey computes the long-term credential key used for STUN
// MESSAGE-INTEGRITY:
//
//	key = MD5(username + ":" + realm + ":" + password)
//
// This is per RFC 5389 Section 15.4.
func DeriveAuthKey(username, realm, password string) []byte {
	h := md5.New() //nolint:gosec // MD5 is required by the STUN/TURN spec.
	h.Write([]byte(username + ":" + realm + ":" + password))
	return h.Sum(nil)
}

func computePassword(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ICEServer builds an rtc.ICEServer entry for a TURN server at urls,
// with freshly generated room-scoped credentials.
func ICEServer(urls []string, secret, roomID string, lifetime time.Duration) rtc.ICEServer {
	username, password := Generate(secret, roomID, lifetime)
	return rtc.ICEServer{
		URLs:       append([]string(nil), urls...),
		Username:   username,
		Credential: password,
	}
}
