// Package qrcode builds and parses the canonical verification URL that a
// credential's QR code carries, and renders it as PNG and SVG.
//
// The canonical form is
//
//	{scheme}://{host}{base path}/verify?hash=0x{64 hex}&tx=0x{64 hex}
//
// with lowercase hex on output. Parsing accepts either hex case and rejects
// every other shape with an invalid_qr error.
package qrcode

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"path"
	"strings"

	goqr "github.com/skip2/go-qrcode"

	"github.com/ruteri/credential-registry/interfaces"
)

const (
	verifyPath = "/verify"
	hashParam  = "hash"
	txParam    = "tx"

	// DefaultPNGSize is the edge length in pixels of rendered PNGs.
	DefaultPNGSize = 256

	svgModuleSize = 8
	darkColor     = "#1f2937"
	lightColor    = "#ffffff"
)

// QRCode is the rendered form of a verification URL.
type QRCode struct {
	DataURL         string `json:"dataUrl"`
	SVG             string `json:"svg"`
	VerificationURL string `json:"verificationUrl"`
}

// Codec builds verification URLs for one verifier host. BasePath is the path
// the verifier is mounted under, empty or starting with a slash.
type Codec struct {
	Scheme   string
	Host     string
	BasePath string
	PNGSize  int
}

// NewCodec creates a codec from a base URL such as https://verify.example.edu
// or https://example.edu/registry.
func NewCodec(baseURL string) (*Codec, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid verifier base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("verifier base URL must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("verifier base URL %q has no host", baseURL)
	}
	if u.RawQuery != "" || u.Fragment != "" || u.User != nil {
		return nil, fmt.Errorf("verifier base URL %q must not carry a query, fragment or user info", baseURL)
	}
	base := strings.TrimRight(u.Path, "/")
	if base != "" && path.Clean(base) != base {
		return nil, fmt.Errorf("verifier base URL %q has an unclean path", baseURL)
	}
	return &Codec{Scheme: u.Scheme, Host: u.Host, BasePath: base, PNGSize: DefaultPNGSize}, nil
}

// VerificationURL returns the canonical URL for a document and its anchoring transaction.
func (c *Codec) VerificationURL(hash interfaces.DocumentHash, tx interfaces.TxHash) string {
	// Built by hand so the query order is fixed as hash then tx.
	return fmt.Sprintf("%s://%s%s%s?%s=%s&%s=%s", c.Scheme, c.Host, c.BasePath, verifyPath,
		hashParam, hash.String(), txParam, tx.String())
}

// Generate renders the verification URL for (hash, tx) as a PNG data URL and an SVG.
func (c *Codec) Generate(hash interfaces.DocumentHash, tx interfaces.TxHash) (*QRCode, error) {
	link := c.VerificationURL(hash, tx)

	code, err := goqr.New(link, goqr.Medium)
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindInternal, "failed to encode QR code")
	}

	size := c.PNGSize
	if size <= 0 {
		size = DefaultPNGSize
	}
	png, err := code.PNG(size)
	if err != nil {
		return nil, interfaces.WrapError(err, interfaces.KindInternal, "failed to render QR code")
	}

	return &QRCode{
		DataURL:         "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		SVG:             renderSVG(code.Bitmap()),
		VerificationURL: link,
	}, nil
}

// renderSVG draws each dark module as a unit rectangle. The bitmap already
// includes the quiet zone.
func renderSVG(bitmap [][]bool) string {
	n := len(bitmap)
	edge := n * svgModuleSize

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d" shape-rendering="crispEdges">`, edge, edge, n, n)
	fmt.Fprintf(&b, `<rect width="%d" height="%d" fill="%s"/>`, n, n, lightColor)
	fmt.Fprintf(&b, `<path fill="%s" d="`, darkColor)
	for y, row := range bitmap {
		for x, dark := range row {
			if dark {
				fmt.Fprintf(&b, "M%d %dh1v1h-1z", x, y)
			}
		}
	}
	b.WriteString(`"/></svg>`)
	return b.String()
}

func invalidQR(format string, args ...interface{}) error {
	return interfaces.NewError(interfaces.KindInvalidQR, fmt.Sprintf(format, args...))
}

// Parse extracts (hash, tx) from a verification URL. The URL must use http or
// https, have a clean path ending in /verify and carry exactly the query
// parameters hash and tx, each a 0x-prefixed 64-digit hex string.
func Parse(link string) (interfaces.DocumentHash, interfaces.TxHash, error) {
	var hash interfaces.DocumentHash
	var tx interfaces.TxHash

	u, err := url.Parse(strings.TrimSpace(link))
	if err != nil {
		return hash, tx, invalidQR("malformed URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return hash, tx, invalidQR("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return hash, tx, invalidQR("missing host")
	}
	if !strings.HasSuffix(u.Path, verifyPath) || path.Clean(u.Path) != u.Path {
		return hash, tx, invalidQR("unexpected path %q", u.Path)
	}
	if u.Fragment != "" || u.User != nil {
		return hash, tx, invalidQR("unexpected URL components")
	}

	query, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return hash, tx, invalidQR("malformed query")
	}
	if len(query) != 2 || len(query[hashParam]) != 1 || len(query[txParam]) != 1 {
		return hash, tx, invalidQR("query must carry exactly %s and %s", hashParam, txParam)
	}

	hash, err = interfaces.ParseDocumentHash(query.Get(hashParam))
	if err != nil {
		return interfaces.DocumentHash{}, tx, invalidQR("malformed document hash")
	}
	tx, err = interfaces.ParseTxHash(query.Get(txParam))
	if err != nil {
		return interfaces.DocumentHash{}, interfaces.TxHash{}, invalidQR("malformed transaction hash")
	}
	return hash, tx, nil
}

// IsValidQRCodeURL reports whether link is a canonical verification URL.
func IsValidQRCodeURL(link string) bool {
	_, _, err := Parse(link)
	return err == nil
}
