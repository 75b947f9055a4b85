package httpsig

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	cavage "code.superseriousbusiness.org/httpsig"
)

// draftSigner implements the draft-cavage scheme: the signing string is the
// ordered concatenation of (request-target), host, date and digest, signed
// RSA-SHA256 and carried in a single Signature header.
type draftSigner struct {
	engine *Engine
}

var draftHeaders = []string{cavage.RequestTarget, "host", "date", "digest"}

func (s *draftSigner) Sign(req *http.Request, keyID string, priv *rsa.PrivateKey, body []byte) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", s.engine.now().UTC().Format(http.TimeFormat))
	}
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}

	signer, _, err := cavage.NewSigner(
		[]cavage.Algorithm{cavage.RSA_SHA256},
		cavage.DigestSha256,
		draftHeaders,
		cavage.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	// The library computes and sets the Digest header from body.
	return signer.SignRequest(priv, keyID, req, body)
}

func (s *draftSigner) Verify(req *http.Request, body []byte, pub *rsa.PublicKey) error {
	header := req.Header.Get("Signature")
	if header == "" {
		return errf(ErrMissingHeader, "no Signature header")
	}

	params := parseDraftParams(header)
	if params["keyId"] == "" || params["signature"] == "" {
		return errf(ErrUnparseable, "Signature header missing keyId or signature")
	}

	switch alg := params["algorithm"]; alg {
	case "", "rsa-sha256", "hs2019":
	default:
		return errf(ErrUnsupportedAlgorithm, "algorithm %q", alg)
	}

	signed := params["headers"]
	if signed == "" {
		// Per the draft, an absent list means date only; we still demand
		// a digest over the body.
		signed = "date"
	}
	if !headerListContains(signed, "date") {
		return errf(ErrMissingHeader, "date is not among the signed headers")
	}
	if !headerListContains(signed, "digest") {
		return errf(ErrMissingHeader, "digest is not among the signed headers")
	}

	dateHeader := req.Header.Get("Date")
	if dateHeader == "" {
		return errf(ErrMissingHeader, "no Date header")
	}
	ts, err := http.ParseTime(dateHeader)
	if err != nil {
		return errf(ErrUnparseable, "bad Date header %q", dateHeader)
	}
	if !s.engine.withinSkew(ts) {
		return errf(ErrExpired, "Date %s outside the acceptance window", ts.UTC().Format(time.RFC3339))
	}

	// A digest mismatch is fatal regardless of the signature itself: it
	// means the signed body is not the body we received.
	if err := s.checkDigest(req, body); err != nil {
		return err
	}

	verifier, err := cavage.NewVerifier(req)
	if err != nil {
		return errf(ErrUnparseable, "failed to parse signature: %v", err)
	}
	if err := verifier.Verify(pub, cavage.RSA_SHA256); err != nil {
		return NewError(ErrCryptoMismatch, "signature verification failed", err)
	}
	return nil
}

func (s *draftSigner) Digest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

func (s *draftSigner) checkDigest(req *http.Request, body []byte) error {
	got := req.Header.Get("Digest")
	if got == "" {
		return errf(ErrMissingHeader, "no Digest header")
	}
	const prefix = "SHA-256="
	if len(got) < len(prefix) || !strings.EqualFold(got[:len(prefix)], prefix) {
		return errf(ErrUnsupportedAlgorithm, "digest algorithm in %q", got)
	}
	want := s.Digest(body)
	if got[len(prefix):] != want[len(prefix):] {
		return errf(ErrDigestMismatch, "body digest does not match Digest header")
	}
	return nil
}
