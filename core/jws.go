package core

import (
	"crypto"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	jose "gopkg.in/square/go-jose.v2"

	"github.com/certhaus/certhaus/database"
)

// ACME problem types surfaced on the wire.
const (
	AcmeMalformed           = "malformed"
	AcmeUnauthorized        = "unauthorized"
	AcmeAccountDoesNotExist = "accountDoesNotExist"
	AcmeBadCSR              = "badCSR"
	AcmeIncorrectResponse   = "incorrectResponse"
	AcmeServerInternal      = "serverInternal"
)

type AcmeProblem struct {
	Status int
	Type   string
	Detail string
}

func (p *AcmeProblem) Error() string {
	return fmt.Sprintf("%s: %s", p.Type, p.Detail)
}

func acmeProblem(status int, typ string, format string, args ...interface{}) *AcmeProblem {
	return &AcmeProblem{Status: status, Type: typ, Detail: fmt.Sprintf(format, args...)}
}

// JwsRequest is the verified content of an ACME POST.
type JwsRequest struct {
	Payload []byte
	Url     string
	Jwk     *jose.JSONWebKey
	Account *database.Account
}

// VerifyJws parses a flattened JWS body, resolves the signing key from the
// protected header (`jwk` for new-account, `kid` for everything else) and
// verifies the signature. Only RS256 is accepted.
//
// Replay nonces are issued but deliberately not checked; anti-replay
// enforcement is out of scope for this core.
func VerifyJws(db *database.Database, body []byte) (*JwsRequest, *AcmeProblem) {
	jws, err := jose.ParseSigned(string(body))
	if err != nil {
		return nil, acmeProblem(400, AcmeMalformed, "cannot parse JWS: %v", err)
	}
	if len(jws.Signatures) != 1 {
		return nil, acmeProblem(400, AcmeMalformed, "expected exactly one signature")
	}
	hdr := jws.Signatures[0].Header

	if hdr.Algorithm != string(jose.RS256) {
		return nil, acmeProblem(400, AcmeMalformed, "unsupported JWS algorithm: %s", hdr.Algorithm)
	}

	req := &JwsRequest{}
	if u, ok := hdr.ExtraHeaders[jose.HeaderKey("url")]; ok {
		if s, ok := u.(string); ok {
			req.Url = s
		}
	}
	if req.Url == "" {
		return nil, acmeProblem(400, AcmeMalformed, "protected header is missing the url claim")
	}

	var pub *rsa.PublicKey
	switch {
	case hdr.JSONWebKey != nil:
		req.Jwk = hdr.JSONWebKey
		k, ok := hdr.JSONWebKey.Key.(*rsa.PublicKey)
		if !ok {
			return nil, acmeProblem(400, AcmeMalformed, "account keys must be RSA")
		}
		pub = k
	case hdr.KeyID != "":
		accountId := AccountIdFromKid(hdr.KeyID)
		account, err := db.GetAcmeAccount(accountId)
		if err != nil {
			return nil, acmeProblem(400, AcmeAccountDoesNotExist, "unknown account: %s", accountId)
		}
		jwk := &jose.JSONWebKey{}
		if err := json.Unmarshal([]byte(account.Jwk), jwk); err != nil {
			return nil, acmeProblem(500, AcmeServerInternal, "stored account key is corrupted")
		}
		k, ok := jwk.Key.(*rsa.PublicKey)
		if !ok {
			return nil, acmeProblem(500, AcmeServerInternal, "stored account key is not RSA")
		}
		req.Account = account
		req.Jwk = jwk
		pub = k
	default:
		return nil, acmeProblem(400, AcmeMalformed, "protected header carries neither jwk nor kid")
	}

	payload, err := jws.Verify(pub)
	if err != nil {
		return nil, acmeProblem(401, AcmeUnauthorized, "JWS verification failed")
	}
	req.Payload = payload
	return req, nil
}

// AccountIdFromKid extracts the trailing path segment of a kid URL.
func AccountIdFromKid(kid string) string {
	trimmed := strings.TrimRight(kid, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

// UrlPath returns the path component of the url claim for dispatch.
func UrlPath(claim string) string {
	u, err := url.Parse(claim)
	if err != nil {
		return claim
	}
	return u.Path
}

// KeyAuthorization is token "." base64url(SHA-256 thumbprint of the
// account JWK).
func KeyAuthorization(token string, jwk *jose.JSONWebKey) (string, error) {
	thumb, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return token + "." + base64.RawURLEncoding.EncodeToString(thumb), nil
}
