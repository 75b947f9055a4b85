package httpsig

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dunglas/httpsfv"
)

// structuredSigner implements RFC 9421 message signatures: the covered
// components and signature parameters travel in Signature-Input, the raw
// signature in Signature, both as structured-field dictionaries keyed by a
// label. The body is bound through Content-Digest.
type structuredSigner struct {
	engine *Engine
}

const (
	sigLabel     = "sig1"
	sigAlgorithm = "rsa-v1_5-sha256"
	sigLifetime  = 5 * time.Minute
)

var coveredComponents = []string{"@method", "@target-uri", "content-digest"}

func (s *structuredSigner) Sign(req *http.Request, keyID string, priv *rsa.PrivateKey, body []byte) error {
	req.Header.Set("Content-Digest", s.Digest(body))

	created := s.engine.now().Unix()
	expires := created + int64(sigLifetime/time.Second)

	sigParams, err := signatureParams(coveredComponents, created, expires, keyID)
	if err != nil {
		return fmt.Errorf("failed to serialize signature params: %w", err)
	}

	base, err := signatureBase(req, coveredComponents, sigParams)
	if err != nil {
		return fmt.Errorf("failed to build signature base: %w", err)
	}

	hashed := sha256.Sum256([]byte(base))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, hashed[:])
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	req.Header.Set("Signature-Input", sigLabel+"="+sigParams)

	sigDict := httpsfv.NewDictionary()
	sigDict.Add(sigLabel, httpsfv.NewItem(sig))
	sigHeader, err := httpsfv.Marshal(sigDict)
	if err != nil {
		return fmt.Errorf("failed to serialize signature: %w", err)
	}
	req.Header.Set("Signature", sigHeader)
	return nil
}

func (s *structuredSigner) Verify(req *http.Request, body []byte, pub *rsa.PublicKey) error {
	inputDict, err := httpsfv.UnmarshalDictionary(req.Header.Values("Signature-Input"))
	if err != nil {
		return errf(ErrUnparseable, "bad Signature-Input header: %v", err)
	}

	label, member := firstSignatureLabel(inputDict)
	if label == "" {
		return errf(ErrMissingHeader, "Signature-Input carries no signature")
	}
	inner, ok := member.(httpsfv.InnerList)
	if !ok {
		return errf(ErrUnparseable, "Signature-Input %q is not an inner list", label)
	}

	components := make([]string, 0, len(inner.Items))
	for _, item := range inner.Items {
		name, ok := item.Value.(string)
		if !ok {
			return errf(ErrUnparseable, "non-string covered component")
		}
		components = append(components, name)
	}
	if !containsFold(components, "content-digest") {
		return errf(ErrMissingHeader, "content-digest is not a covered component")
	}

	if alg, ok := inner.Params.Get("alg"); ok {
		if name, _ := alg.(string); name != sigAlgorithm {
			return errf(ErrUnsupportedAlgorithm, "algorithm %v", alg)
		}
	}

	created, ok := inner.Params.Get("created")
	if !ok {
		return errf(ErrMissingHeader, "no created parameter")
	}
	createdAt, ok := created.(int64)
	if !ok {
		return errf(ErrUnparseable, "created parameter is not an integer")
	}
	if !s.engine.withinSkew(time.Unix(createdAt, 0)) {
		return errf(ErrExpired, "created %d outside the acceptance window", createdAt)
	}
	if expires, ok := inner.Params.Get("expires"); ok {
		if expiresAt, ok := expires.(int64); ok && s.engine.now().Unix() > expiresAt {
			return errf(ErrExpired, "signature expired at %d", expiresAt)
		}
	}

	// Body binding first: a digest mismatch is fatal even if the
	// signature over the headers is valid.
	if err := s.checkDigest(req, body); err != nil {
		return err
	}

	// Reserialize the exact signature params the sender claims, then
	// rebuild the base from the request we actually received.
	sigParams, err := httpsfv.Marshal(httpsfv.List{inner})
	if err != nil {
		return errf(ErrUnparseable, "failed to reserialize signature params: %v", err)
	}
	base, err := signatureBase(req, components, sigParams)
	if err != nil {
		return err
	}

	sigDict, err := httpsfv.UnmarshalDictionary(req.Header.Values("Signature"))
	if err != nil {
		return errf(ErrUnparseable, "bad Signature header: %v", err)
	}
	sigMember, ok := sigDict.Get(label)
	if !ok {
		return errf(ErrMissingHeader, "no signature for label %q", label)
	}
	sigItem, ok := sigMember.(httpsfv.Item)
	if !ok {
		return errf(ErrUnparseable, "signature %q is not an item", label)
	}
	sig, ok := sigItem.Value.([]byte)
	if !ok {
		return errf(ErrUnparseable, "signature %q is not a byte sequence", label)
	}

	hashed := sha256.Sum256([]byte(base))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, hashed[:], sig); err != nil {
		return NewError(ErrCryptoMismatch, "signature verification failed", err)
	}
	return nil
}

// Digest returns a Content-Digest header value, sha-256=:base64:.
func (s *structuredSigner) Digest(body []byte) string {
	hash := sha256.Sum256(body)
	dict := httpsfv.NewDictionary()
	dict.Add("sha-256", httpsfv.NewItem(hash[:]))
	v, err := httpsfv.Marshal(dict)
	if err != nil {
		// A fixed-shape dictionary of one byte sequence cannot fail to
		// serialize.
		panic(err)
	}
	return v
}

func (s *structuredSigner) checkDigest(req *http.Request, body []byte) error {
	header := req.Header.Values("Content-Digest")
	if len(header) == 0 {
		return errf(ErrMissingHeader, "no Content-Digest header")
	}
	dict, err := httpsfv.UnmarshalDictionary(header)
	if err != nil {
		return errf(ErrUnparseable, "bad Content-Digest header: %v", err)
	}
	member, ok := dict.Get("sha-256")
	if !ok {
		return errf(ErrUnsupportedAlgorithm, "Content-Digest carries no sha-256 entry")
	}
	item, ok := member.(httpsfv.Item)
	if !ok {
		return errf(ErrUnparseable, "Content-Digest sha-256 is not an item")
	}
	got, ok := item.Value.([]byte)
	if !ok {
		return errf(ErrUnparseable, "Content-Digest sha-256 is not a byte sequence")
	}
	want := sha256.Sum256(body)
	if !bytes.Equal(got, want[:]) {
		return errf(ErrDigestMismatch, "body digest does not match Content-Digest header")
	}
	return nil
}

// signatureParams serializes the covered component list with its
// parameters, i.e. the value of @signature-params.
func signatureParams(components []string, created, expires int64, keyID string) (string, error) {
	items := make([]httpsfv.Item, 0, len(components))
	for _, c := range components {
		items = append(items, httpsfv.NewItem(c))
	}
	params := httpsfv.NewParams()
	params.Add("created", created)
	params.Add("expires", expires)
	params.Add("keyid", keyID)
	params.Add("alg", sigAlgorithm)
	inner := httpsfv.InnerList{Items: items, Params: params}
	return httpsfv.Marshal(httpsfv.List{inner})
}

// signatureBase builds the RFC 9421 signature base from the request as
// received, one line per covered component plus the @signature-params line.
func signatureBase(req *http.Request, components []string, sigParams string) (string, error) {
	var b strings.Builder
	for _, c := range components {
		value, err := componentValue(req, c)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "%q: %s\n", strings.ToLower(c), value)
	}
	fmt.Fprintf(&b, "%q: %s", "@signature-params", sigParams)
	return b.String(), nil
}

func componentValue(req *http.Request, component string) (string, error) {
	switch strings.ToLower(component) {
	case "@method":
		return req.Method, nil
	case "@target-uri":
		return targetURI(req), nil
	case "@authority":
		if req.Host != "" {
			return req.Host, nil
		}
		return req.URL.Host, nil
	case "@path":
		return req.URL.Path, nil
	default:
		if strings.HasPrefix(component, "@") {
			return "", errf(ErrUnparseable, "unsupported derived component %q", component)
		}
		v := req.Header.Get(component)
		if v == "" {
			return "", errf(ErrMissingHeader, "covered header %q is absent", component)
		}
		return strings.TrimSpace(v), nil
	}
}

// targetURI reconstructs the absolute request URI. Server-side requests
// carry a relative URL; federation is https-only, so the scheme falls back
// to https unless a proxy says otherwise.
func targetURI(req *http.Request) string {
	if req.URL.IsAbs() {
		return req.URL.String()
	}
	scheme := "https"
	if v := req.Header.Get("X-Forwarded-Proto"); v != "" {
		scheme = v
	}
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	return scheme + "://" + host + req.URL.RequestURI()
}

func firstSignatureLabel(d *httpsfv.Dictionary) (string, httpsfv.Member) {
	names := d.Names()
	if len(names) == 0 {
		return "", nil
	}
	// Prefer our own label when several signatures are present.
	for _, n := range names {
		if n == sigLabel {
			m, _ := d.Get(n)
			return n, m
		}
	}
	m, _ := d.Get(names[0])
	return names[0], m
}

// parseStructuredKeyID pulls the label and keyid parameter out of
// Signature-Input without touching any key material.
func parseStructuredKeyID(req *http.Request) (label, keyID string, err error) {
	dict, err := httpsfv.UnmarshalDictionary(req.Header.Values("Signature-Input"))
	if err != nil {
		return "", "", errf(ErrUnparseable, "bad Signature-Input header: %v", err)
	}
	label, member := firstSignatureLabel(dict)
	if label == "" {
		return "", "", errf(ErrMissingHeader, "Signature-Input carries no signature")
	}
	inner, ok := member.(httpsfv.InnerList)
	if !ok {
		return "", "", errf(ErrUnparseable, "Signature-Input %q is not an inner list", label)
	}
	v, ok := inner.Params.Get("keyid")
	if !ok {
		return "", "", errf(ErrUnparseable, "Signature-Input %q has no keyid", label)
	}
	keyID, ok = v.(string)
	if !ok || keyID == "" {
		return "", "", errf(ErrUnparseable, "Signature-Input %q keyid is not a string", label)
	}
	return label, keyID, nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
