// Package httpsig signs outgoing federation requests and verifies incoming
// ones. Two standards are supported behind one interface: the draft-cavage
// single-header scheme most fediverse servers still speak, and RFC 9421
// structured-field signatures. Verification is stateless; resolving a keyId
// to key material is the caller's job.
package httpsig

import (
	"crypto/rsa"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// Signature standard names, aligned with the config values.
const (
	StandardDraft      = "draft"
	StandardStructured = "rfc9421"
)

// Signer is one signature standard. Sign mutates the request headers;
// Verify checks them against the body actually received.
type Signer interface {
	Sign(req *http.Request, keyID string, priv *rsa.PrivateKey, body []byte) error
	Verify(req *http.Request, body []byte, pub *rsa.PublicKey) error
	Digest(body []byte) string
}

// Engine hands out Signers sharing one clock-skew policy.
type Engine struct {
	skew time.Duration
	now  func() time.Time
}

// NewEngine creates an engine. Signatures whose date/created timestamp is
// further than skew from now are rejected as expired; skew <= 0 selects the
// 2h default.
func NewEngine(skew time.Duration) *Engine {
	if skew <= 0 {
		skew = 2 * time.Hour
	}
	return &Engine{skew: skew, now: time.Now}
}

func (e *Engine) Draft() Signer      { return &draftSigner{engine: e} }
func (e *Engine) Structured() Signer { return &structuredSigner{engine: e} }

// ByName returns the signer for a configured standard name, defaulting to
// the draft variant for anything unrecognized.
func (e *Engine) ByName(name string) Signer {
	if name == StandardStructured {
		return e.Structured()
	}
	return e.Draft()
}

// ForRequest picks the variant an incoming request carries. A request with
// both header shapes is treated as structured.
func (e *Engine) ForRequest(req *http.Request) (Signer, error) {
	info, err := Parse(req)
	if err != nil {
		return nil, err
	}
	return e.ByName(info.Standard), nil
}

// SigInfo is what can be learned from the signature headers without any key
// material: which standard, and whose key the sender claims.
type SigInfo struct {
	Standard string
	KeyID    string
	Label    string // structured-variant signature label, e.g. "sig1"
}

// Parse extracts the claimed keyId and standard from a request so the
// caller can resolve the public key before verifying.
func Parse(req *http.Request) (*SigInfo, error) {
	if req.Header.Get("Signature-Input") != "" {
		label, keyID, err := parseStructuredKeyID(req)
		if err != nil {
			return nil, err
		}
		return &SigInfo{Standard: StandardStructured, KeyID: keyID, Label: label}, nil
	}

	sig := req.Header.Get("Signature")
	if sig == "" {
		return nil, errf(ErrMissingHeader, "no Signature or Signature-Input header")
	}
	params := parseDraftParams(sig)
	keyID, ok := params["keyId"]
	if !ok || keyID == "" {
		return nil, errf(ErrUnparseable, "Signature header has no keyId")
	}
	return &SigInfo{Standard: StandardDraft, KeyID: keyID}, nil
}

var draftParamRe = regexp.MustCompile(`(\w+)="([^"]*)"`)

// parseDraftParams splits a draft Signature header value into its
// key="value" pairs.
func parseDraftParams(header string) map[string]string {
	params := make(map[string]string)
	for _, m := range draftParamRe.FindAllStringSubmatch(header, -1) {
		params[m[1]] = m[2]
	}
	return params
}

// withinSkew reports whether ts is acceptably close to now.
func (e *Engine) withinSkew(ts time.Time) bool {
	d := e.now().Sub(ts)
	if d < 0 {
		d = -d
	}
	return d <= e.skew
}

// headerListContains checks a space-separated signed-headers list for a
// given (case-insensitive) entry.
func headerListContains(list, name string) bool {
	for _, h := range strings.Fields(list) {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}
