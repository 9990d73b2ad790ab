package tracking

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
)

// maxMIMEDepth bounds multipart nesting.
const maxMIMEDepth = 32

// MessagePartStream walks the leaf parts of a MIME message in document order
// and lets the caller replace HTML content. Bytes reassembles the message.
type MessagePartStream interface {
	// Next returns the next leaf part, or io.EOF after the last one.
	Next() (*Part, error)
	// Replace swaps the content of the part last returned by Next.
	Replace(html string) error
	Bytes() []byte
}

// Part is one leaf of a MIME tree.
type Part struct {
	MediaType string
	Charset   string
	IsHTML    bool

	entity *rawEntity
}

// Text returns the part content decoded to UTF-8. Transfer encoding is
// removed and the declared charset converted. Without a usable charset the
// bytes are kept as UTF-8 when valid and read as Latin-1 otherwise, so no
// byte is lost either way.
func (p *Part) Text() (string, error) {
	e, err := message.Read(bytes.NewReader(p.entity.raw()))
	if err != nil && !message.IsUnknownCharset(err) {
		return "", fmt.Errorf("read mime part: %w", err)
	}
	converted := err == nil && p.Charset != ""
	body, err := io.ReadAll(e.Body)
	if err != nil {
		return "", fmt.Errorf("decode mime part: %w", err)
	}
	if converted || utf8.Valid(body) {
		return string(body), nil
	}
	return latin1(body), nil
}

func latin1(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

// rawEntity keeps the original bytes of a MIME entity so untouched parts
// are written back exactly as read.
type rawEntity struct {
	header    []byte
	body      []byte
	hdr       textproto.Header
	mediaType string
	params    map[string]string
	attached  bool

	multipart bool
	chunks    []chunk
	replaced  []byte
}

// chunk is either literal bytes (preamble, delimiter lines, epilogue) or a
// child entity.
type chunk struct {
	lit   []byte
	child *rawEntity
}

func (e *rawEntity) raw() []byte {
	var buf bytes.Buffer
	e.writeTo(&buf)
	return buf.Bytes()
}

func (e *rawEntity) writeTo(buf *bytes.Buffer) {
	if e.replaced != nil {
		buf.Write(e.replaced)
		return
	}
	buf.Write(e.header)
	if !e.multipart {
		buf.Write(e.body)
		return
	}
	for _, c := range e.chunks {
		if c.child != nil {
			c.child.writeTo(buf)
		} else {
			buf.Write(c.lit)
		}
	}
}

func (e *rawEntity) leaves(out []*rawEntity) []*rawEntity {
	if !e.multipart {
		return append(out, e)
	}
	for _, c := range e.chunks {
		if c.child != nil {
			out = c.child.leaves(out)
		}
	}
	return out
}

func parseEntity(raw []byte, depth int) *rawEntity {
	header, body := splitHeader(raw)
	e := &rawEntity{header: header, body: body, mediaType: "text/plain"}

	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(header)))
	if err != nil {
		// unparseable header: keep the entity opaque
		e.mediaType = ""
		return e
	}
	e.hdr = h
	mh := message.Header{Header: h}
	if t, params, err := mh.ContentType(); err == nil && t != "" {
		e.mediaType, e.params = strings.ToLower(t), params
	}
	if disp, _, err := mh.ContentDisposition(); err == nil && strings.EqualFold(disp, "attachment") {
		e.attached = true
	}

	boundary := e.params["boundary"]
	if !strings.HasPrefix(e.mediaType, "multipart/") || boundary == "" || depth >= maxMIMEDepth {
		return e
	}
	if chunks, ok := splitMultipart(body, boundary, depth); ok {
		e.multipart = true
		e.chunks = chunks
	}
	return e
}

// splitHeader cuts raw at the first blank line. The header keeps the blank
// line.
func splitHeader(raw []byte) (header, body []byte) {
	if bytes.HasPrefix(raw, []byte("\r\n")) {
		return raw[:2], raw[2:]
	}
	if bytes.HasPrefix(raw, []byte("\n")) {
		return raw[:1], raw[1:]
	}
	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	lf := bytes.Index(raw, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf <= lf):
		return raw[:crlf+4], raw[crlf+4:]
	case lf >= 0:
		return raw[:lf+2], raw[lf+2:]
	default:
		return raw, nil
	}
}

// splitMultipart splits body on boundary delimiter lines. The line break
// before a delimiter belongs to the delimiter, so child parts are exact
// and every other byte lands in a literal chunk.
func splitMultipart(body []byte, boundary string, depth int) ([]chunk, bool) {
	delim := []byte("--" + boundary)

	find := func(from int) int {
		for i := from; i < len(body); {
			j := bytes.Index(body[i:], delim)
			if j < 0 {
				return -1
			}
			k := i + j
			if (k == 0 || body[k-1] == '\n') && delimiterEnds(body[k+len(delim):]) {
				return k
			}
			i = k + 1
		}
		return -1
	}

	d := find(0)
	if d < 0 {
		return nil, false
	}
	var chunks []chunk
	chunks = append(chunks, chunk{lit: body[:d]})

	for d >= 0 {
		after := d + len(delim)
		if bytes.HasPrefix(body[after:], []byte("--")) {
			chunks = append(chunks, chunk{lit: body[d:]})
			return chunks, true
		}
		eol := bytes.IndexByte(body[after:], '\n')
		if eol < 0 {
			chunks = append(chunks, chunk{lit: body[d:]})
			return chunks, true
		}
		start := after + eol + 1
		chunks = append(chunks, chunk{lit: body[d:start]})

		next := find(start)
		if next < 0 {
			chunks = append(chunks, chunk{child: parseEntity(body[start:], depth+1)})
			return chunks, true
		}
		end := next
		if end > start && body[end-1] == '\n' {
			end--
			if end > start && body[end-1] == '\r' {
				end--
			}
		}
		chunks = append(chunks, chunk{child: parseEntity(body[start:end], depth+1)})
		chunks = append(chunks, chunk{lit: body[end:next]})
		d = next
	}
	return chunks, true
}

// delimiterEnds reports whether rest, the bytes after "--boundary", close a
// delimiter line: "--", or optional blanks then a line break or the end.
// A longer boundary that merely starts with this one does not match.
func delimiterEnds(rest []byte) bool {
	if bytes.HasPrefix(rest, []byte("--")) {
		return true
	}
	rest = bytes.TrimLeft(rest, " \t")
	return len(rest) == 0 || rest[0] == '\n' || bytes.HasPrefix(rest, []byte("\r\n"))
}

// PartStream is a MessagePartStream over the raw message bytes.
type PartStream struct {
	root    *rawEntity
	leaves  []*rawEntity
	pos     int
	current *rawEntity
}

// NewPartStream parses raw into a walkable part tree.
func NewPartStream(raw []byte) (*PartStream, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errors.New("empty mime message")
	}
	root := parseEntity(raw, 0)
	return &PartStream{root: root, leaves: root.leaves(nil)}, nil
}

func (s *PartStream) Next() (*Part, error) {
	if s.pos >= len(s.leaves) {
		s.current = nil
		return nil, io.EOF
	}
	e := s.leaves[s.pos]
	s.pos++
	s.current = e
	return &Part{
		MediaType: e.mediaType,
		Charset:   e.params["charset"],
		IsHTML:    e.mediaType == "text/html" && !e.attached,
		entity:    e,
	}, nil
}

// Replace re-emits the current part as UTF-8 HTML with its original
// transfer encoding. 7bit parts that now carry non-ASCII text switch to
// quoted-printable.
func (s *PartStream) Replace(html string) error {
	e := s.current
	if e == nil {
		return errors.New("replace called without a current part")
	}
	mh := message.Header{Header: e.hdr.Copy()}

	params := make(map[string]string, len(e.params)+1)
	for k, v := range e.params {
		params[k] = v
	}
	params["charset"] = "utf-8"
	mh.SetContentType(e.mediaType, params)

	cte := strings.ToLower(strings.TrimSpace(mh.Get("Content-Transfer-Encoding")))
	if (cte == "" || cte == "7bit") && !isASCII(html) {
		mh.Set("Content-Transfer-Encoding", "quoted-printable")
	}

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, mh)
	if err != nil {
		return fmt.Errorf("create part writer: %w", err)
	}
	if _, err := io.WriteString(w, html); err != nil {
		return fmt.Errorf("write part: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close part: %w", err)
	}
	e.replaced = buf.Bytes()
	return nil
}

func (s *PartStream) Bytes() []byte { return s.root.raw() }

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// RewriteStream applies the enabled rewrites to every HTML part of s.
func (e *Engine) RewriteStream(s MessagePartStream, sendID string, opts Options) ([]Link, error) {
	var links []Link
	for {
		p, err := s.Next()
		if errors.Is(err, io.EOF) {
			return links, nil
		}
		if err != nil {
			return nil, err
		}
		if !p.IsHTML {
			continue
		}
		text, err := p.Text()
		if err != nil {
			return nil, err
		}
		out, partLinks, err := e.Apply(text, sendID, opts)
		if err != nil {
			return nil, err
		}
		if err := s.Replace(out); err != nil {
			return nil, err
		}
		links = append(links, partLinks...)
	}
}

// RewriteMIME rewrites the HTML parts of a complete message. Every other
// part, delimiter and preamble is returned byte for byte.
func (e *Engine) RewriteMIME(raw []byte, sendID string, opts Options) ([]byte, error) {
	if !opts.Clicks && !opts.Opens {
		return raw, nil
	}
	s, err := NewPartStream(raw)
	if err != nil {
		return nil, err
	}
	if _, err := e.RewriteStream(s, sendID, opts); err != nil {
		return nil, err
	}
	return s.Bytes(), nil
}
