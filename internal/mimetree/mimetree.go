// Package mimetree parses a message into a tree of MIME parts that can be modified in place
// and written back. Parts that are not modified are written back from their raw bytes.
package mimetree

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
)

var (
	// ErrMalformedMessage is returned by [Parse] when the data cannot be split into header and body.
	ErrMalformedMessage = errors.New("mimetree: malformed message")
	// ErrUndecodable is returned by [Part.Text] when the charset or the transfer encoding of a leaf is unknown.
	ErrUndecodable = errors.New("mimetree: cannot decode part")
)

// maxDepth limits multipart nesting. Deeper parts are kept as opaque leaves.
const maxDepth = 32

// Kind tells whether a [Part] is a leaf or a multipart container.
type Kind int

const (
	Leaf Kind = iota
	Multipart
)

// Part is one node of the MIME tree.
//
// A Multipart part only has Children; a Leaf part only has its (still transfer-encoded) body.
type Part struct {
	Header   textproto.Header
	Kind     Kind
	Children []*Part

	contentType string
	boundary    string
	raw         []byte
	changed     bool
}

// Parse reads a complete message and returns the root of its MIME tree.
//
// Parse is best-effort: a multipart body that cannot be split into parts is kept as a leaf.
// Only a header section that cannot be read results in an error wrapping [ErrMalformedMessage].
func Parse(r io.Reader) (*Part, error) {
	br := bufio.NewReader(r)
	h, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	body, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}
	return parsePart(h, body, 0), nil
}

func parsePart(h textproto.Header, body []byte, depth int) *Part {
	p := &Part{Header: h, Kind: Leaf, raw: body}
	mediaType, params := contentType(h)
	p.contentType = mediaType
	if !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" || depth >= maxDepth {
		return p
	}
	children, err := splitMultipart(body, params["boundary"], depth)
	if err != nil || len(children) == 0 {
		return p
	}
	p.Kind = Multipart
	p.boundary = params["boundary"]
	p.Children = children
	p.raw = nil
	return p
}

func splitMultipart(body []byte, boundary string, depth int) ([]*Part, error) {
	mr := textproto.NewMultipartReader(bytes.NewReader(body), boundary)
	var children []*Part
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return children, nil
		}
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, err
		}
		children = append(children, parsePart(part.Header, data, depth+1))
	}
}

// contentType returns the lowercased media type and its parameters.
// A missing Content-Type means text/plain. A Content-Type that does not parse keeps the media type
// but drops the parameters.
func contentType(h textproto.Header) (string, map[string]string) {
	value := h.Get("Content-Type")
	if value == "" {
		return "text/plain", map[string]string{}
	}
	mediaType, params, err := mime.ParseMediaType(value)
	if err != nil {
		mediaType, _, _ = strings.Cut(value, ";")
		return strings.ToLower(strings.TrimSpace(mediaType)), map[string]string{}
	}
	return strings.ToLower(mediaType), params
}

// ContentType returns the lowercased media type of p, e.g. "text/html" or "multipart/mixed".
func (p *Part) ContentType() string {
	return p.contentType
}

// IsHTML reports whether p is a text/html leaf.
func (p *Part) IsHTML() bool {
	return p.Kind == Leaf && p.contentType == "text/html"
}

// Changed reports whether p or one of its descendants was modified.
func (p *Part) Changed() bool {
	if p.changed {
		return true
	}
	for _, c := range p.Children {
		if c.Changed() {
			return true
		}
	}
	return false
}

// Raw returns the raw, still transfer-encoded body of a leaf.
func (p *Part) Raw() []byte {
	return p.raw
}

// Text returns the decoded body of a leaf as UTF-8 text.
// An unknown charset or transfer encoding results in an error wrapping [ErrUndecodable]:
// such a part cannot be re-encoded without corrupting it.
func (p *Part) Text() (string, error) {
	if p.Kind != Leaf {
		return "", fmt.Errorf("mimetree: %s is not a leaf", p.contentType)
	}
	e, err := message.New(message.Header{Header: p.Header}, bytes.NewReader(p.raw))
	if err != nil {
		if message.IsUnknownCharset(err) || message.IsUnknownEncoding(err) {
			return "", fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
		return "", err
	}
	data, err := io.ReadAll(e.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetHTML replaces the content of a leaf with html.
// The part becomes text/html with charset utf-8 and gets encoded with quoted-printable.
// Other Content-Type parameters are kept, the previous Content-Transfer-Encoding is removed.
func (p *Part) SetHTML(html string) error {
	if p.Kind != Leaf {
		return fmt.Errorf("mimetree: %s is not a leaf", p.contentType)
	}
	_, params := contentType(p.Header)
	params["charset"] = "utf-8"
	h := message.Header{Header: p.Header.Copy()}
	h.SetContentType("text/html", params)
	h.Del("Content-Transfer-Encoding")
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, html); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	br := bufio.NewReader(&buf)
	newHeader, err := textproto.ReadHeader(br)
	if err != nil {
		return err
	}
	// message.CreateWriter always adds one
	if !p.Header.Has("Mime-Version") {
		newHeader.Del("Mime-Version")
	}
	raw, err := io.ReadAll(br)
	if err != nil {
		return err
	}
	p.Header = newHeader
	p.raw = raw
	p.contentType = "text/html"
	p.changed = true
	return nil
}

// VisitFunc is called for leaves by [Part.WalkFirst]. It returns true when it changed the leaf.
type VisitFunc func(p *Part) (changed bool, err error)

// WalkFirst traverses the tree depth-first in pre-order and calls visit for every leaf
// until visit reports a change. Later siblings and the rest of the tree are not visited
// after that: the first changed leaf wins.
func (p *Part) WalkFirst(visit VisitFunc) (bool, error) {
	if p.Kind == Leaf {
		return visit(p)
	}
	for _, c := range p.Children {
		changed, err := c.WalkFirst(visit)
		if err != nil || changed {
			return changed, err
		}
	}
	return false, nil
}

// Serialize writes the header and body of p to w.
func (p *Part) Serialize(w io.Writer) error {
	if err := textproto.WriteHeader(w, p.Header); err != nil {
		return err
	}
	return p.SerializeBody(w)
}

// SerializeBody writes only the body of p to w.
func (p *Part) SerializeBody(w io.Writer) error {
	if p.Kind == Leaf {
		_, err := w.Write(p.raw)
		return err
	}
	mw := textproto.NewMultipartWriter(w)
	if err := mw.SetBoundary(p.boundary); err != nil {
		return err
	}
	for _, c := range p.Children {
		pw, err := mw.CreatePart(c.Header)
		if err != nil {
			return err
		}
		if err := c.SerializeBody(pw); err != nil {
			return err
		}
	}
	return mw.Close()
}
