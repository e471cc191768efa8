// Package secret issues and inspects MTProto proxy credentials.
//
// A credential is the fake-TLS form understood by mtg: "ee" + 16 random
// bytes in hex + the fronting domain in hex. The fronting domain is the
// TLS server name the credential impersonates; it doubles as the SNI
// routing key when several proxies share one public port.
package secret

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const fakeTLSPrefix = "ee"

// Issue generates a fresh fake-TLS secret bound to frontingDomain.
func Issue(frontingDomain string) (string, error) {
	if frontingDomain == "" {
		return "", fmt.Errorf("secret: fronting domain is required")
	}
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("secret: reading random bytes: %w", err)
	}
	return fakeTLSPrefix + hex.EncodeToString(raw[:]) + hex.EncodeToString([]byte(frontingDomain)), nil
}

// Domain extracts the fronting domain embedded in a fake-TLS secret.
func Domain(s string) (string, error) {
	if !strings.HasPrefix(s, fakeTLSPrefix) || len(s) <= 34 {
		return "", fmt.Errorf("secret: not a fake-TLS secret")
	}
	domainHex := s[34:]
	domain, err := hex.DecodeString(domainHex)
	if err != nil {
		return "", fmt.Errorf("secret: decoding domain part: %w", err)
	}
	return string(domain), nil
}

// Valid reports whether s has the shape of a fake-TLS secret.
func Valid(s string) bool {
	_, err := Domain(s)
	return err == nil
}

// ProxyLink builds the tg://proxy deep link for a credential.
func ProxyLink(server string, port int, s string) string {
	return fmt.Sprintf("tg://proxy?server=%s&port=%d&secret=%s",
		url.QueryEscape(server), port, url.QueryEscape(s))
}

// TMeLink builds the https://t.me/proxy share link for a credential.
func TMeLink(server string, port int, s string) string {
	return fmt.Sprintf("https://t.me/proxy?server=%s&port=%d&secret=%s",
		url.QueryEscape(server), port, url.QueryEscape(s))
}

// QRPNG renders a share link as a PNG image.
func QRPNG(link string, size int) ([]byte, error) {
	png, err := qrcode.Encode(link, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("secret: encoding qr: %w", err)
	}
	return png, nil
}
