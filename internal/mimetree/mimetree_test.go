package mimetree

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func crlf(s string) string {
	return strings.ReplaceAll(s, "\n", "\r\n")
}

var alternativeMessage = crlf(`From: news@example.com
To: list@example.com
Subject: Newsletter
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="outer"

This is a multi-part message in MIME format.
--outer
Content-Type: multipart/alternative; boundary="inner"

--inner
Content-Type: text/plain; charset=us-ascii
Content-Transfer-Encoding: 7bit

Visit http://x.com
  trailing spaces   
--inner
Content-Type: text/html; charset=iso-8859-1
Content-Transfer-Encoding: quoted-printable

<p>Gr=FC=DFe <a href=3D"http://x.com">Click here</a></p>
--inner--
--outer
Content-Type: application/pdf; name="a.pdf"
Content-Transfer-Encoding: base64

JVBERi0xLjQK
--outer--
`)

func mustParse(t *testing.T, msg string) *Part {
	t.Helper()
	root, err := Parse(strings.NewReader(msg))
	require.NoError(t, err)
	return root
}

func TestParse_tree(t *testing.T) {
	root := mustParse(t, alternativeMessage)
	assert.Equal(t, Multipart, root.Kind)
	assert.Equal(t, "multipart/mixed", root.ContentType())
	require.Len(t, root.Children, 2)
	alt := root.Children[0]
	assert.Equal(t, "multipart/alternative", alt.ContentType())
	require.Len(t, alt.Children, 2)
	assert.Equal(t, "text/plain", alt.Children[0].ContentType())
	assert.True(t, alt.Children[1].IsHTML())
	assert.Equal(t, "application/pdf", root.Children[1].ContentType())
	assert.Equal(t, Leaf, root.Children[1].Kind)
	assert.False(t, root.Changed())
}

func TestPart_Text_charset(t *testing.T) {
	root := mustParse(t, alternativeMessage)
	text, err := root.Children[0].Children[1].Text()
	require.NoError(t, err)
	assert.Equal(t, `<p>Grüße <a href="http://x.com">Click here</a></p>`, text)

	_, err = root.Text()
	assert.Error(t, err)
}

func TestPart_Text_windows1252(t *testing.T) {
	root := mustParse(t, crlf("Content-Type: text/html; charset=windows-1252\nContent-Transfer-Encoding: quoted-printable\n\n<p>=93quoted=94</p>"))
	text, err := root.Text()
	require.NoError(t, err)
	assert.Equal(t, "<p>\u201cquoted\u201d</p>", text)
}

func TestPart_Text_undecodable(t *testing.T) {
	tests := []struct {
		name string
		msg  string
	}{
		{"unknown charset", "Content-Type: text/html; charset=x-mac-unknown\n\n<p>caf\xe9</p>"},
		{"unknown transfer encoding", "Content-Type: text/html\nContent-Transfer-Encoding: x-uuencode\n\nbegin 644 a.html\n#86)C\n`\nend\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := mustParse(t, crlf(tt.msg))
			require.True(t, root.IsHTML())
			_, err := root.Text()
			assert.ErrorIs(t, err, ErrUndecodable)
			assert.False(t, root.Changed())
		})
	}
}

func TestPart_WalkFirst_onlyHTMLChanges(t *testing.T) {
	root := mustParse(t, alternativeMessage)
	plainRaw := append([]byte(nil), root.Children[0].Children[0].Raw()...)
	pdfRaw := append([]byte(nil), root.Children[1].Raw()...)

	var seen []string
	changed, err := root.WalkFirst(func(p *Part) (bool, error) {
		seen = append(seen, p.ContentType())
		if !p.IsHTML() {
			return false, nil
		}
		text, err := p.Text()
		if err != nil {
			return false, err
		}
		return true, p.SetHTML(text + "<img>")
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, root.Changed())
	assert.Equal(t, []string{"text/plain", "text/html"}, seen)

	var out bytes.Buffer
	require.NoError(t, root.Serialize(&out))

	again := mustParse(t, out.String())
	require.Len(t, again.Children, 2)
	require.Len(t, again.Children[0].Children, 2)
	assert.Equal(t, plainRaw, again.Children[0].Children[0].Raw())
	assert.Equal(t, "text/plain; charset=us-ascii", again.Children[0].Children[0].Header.Get("Content-Type"))
	assert.Equal(t, pdfRaw, again.Children[1].Raw())

	html := again.Children[0].Children[1]
	assert.Equal(t, "quoted-printable", html.Header.Get("Content-Transfer-Encoding"))
	assert.False(t, html.Header.Has("Mime-Version"), "nested part must not get a Mime-Version field")
	assert.Contains(t, html.Header.Get("Content-Type"), "utf-8")
	text, err := html.Text()
	require.NoError(t, err)
	assert.Equal(t, `<p>Grüße <a href="http://x.com">Click here</a></p><img>`, text)
}

func TestPart_WalkFirst_firstMatchWins(t *testing.T) {
	msg := crlf(`Content-Type: multipart/mixed; boundary=b

--b
Content-Type: text/html

<p>one</p>
--b
Content-Type: TEXT/HTML

<p>two</p>
--b--
`)
	root := mustParse(t, msg)
	visited := 0
	changed, err := root.WalkFirst(func(p *Part) (bool, error) {
		visited++
		return true, p.SetHTML("<p>changed</p>")
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 1, visited)
	assert.True(t, root.Children[0].Changed())
	assert.False(t, root.Children[1].Changed())
	assert.True(t, root.Children[1].IsHTML())
}

func TestPart_WalkFirst_error(t *testing.T) {
	root := mustParse(t, alternativeMessage)
	boom := errors.New("boom")
	changed, err := root.WalkFirst(func(p *Part) (bool, error) {
		return false, boom
	})
	assert.False(t, changed)
	assert.ErrorIs(t, err, boom)
}

func TestParse_singlePart(t *testing.T) {
	msg := "Subject: hi\nMIME-Version: 1.0\nContent-Type: text/html; charset=UTF-8\nContent-Transfer-Encoding: base64\n\n" +
		crlf("PGEgaHJlZj0iaHR0cDovL3guY29tIj5YPC9hPg==\n")
	root := mustParse(t, msg)
	require.True(t, root.IsHTML())
	text, err := root.Text()
	require.NoError(t, err)
	assert.Equal(t, `<a href="http://x.com">X</a>`, text)

	before := root.Header.Copy()
	require.NoError(t, root.SetHTML(text+"!"))
	ops := HeaderDiff(before, root.Header, "Content-Type", "Content-Transfer-Encoding")
	assert.Equal(t, []HeaderOp{
		{Index: 1, Name: "Content-Type", Value: root.Header.Get("Content-Type")},
		{Index: 1, Name: "Content-Transfer-Encoding", Value: "quoted-printable"},
	}, ops)
	assert.Equal(t, "hi", root.Header.Get("Subject"))
	assert.Equal(t, []string{"1.0"}, root.Header.Values("Mime-Version"))

	var body bytes.Buffer
	require.NoError(t, root.SerializeBody(&body))
	assert.Equal(t, `<a href=3D"http://x.com">X</a>!`, body.String())
}

func TestParse_noContentType(t *testing.T) {
	root := mustParse(t, "Subject: plain\n\nhello\r\n")
	assert.Equal(t, "text/plain", root.ContentType())
	assert.False(t, root.IsHTML())
	var out bytes.Buffer
	require.NoError(t, root.SerializeBody(&out))
	assert.Equal(t, "hello\r\n", out.String())
}

func TestParse_bestEffort(t *testing.T) {
	tests := []struct {
		name string
		msg  string
	}{
		{"no boundary param", "Content-Type: multipart/mixed\n\n--b\r\nfoo\r\n--b--\r\n"},
		{"boundary never used", "Content-Type: multipart/mixed; boundary=zzz\n\njust text\r\n"},
		{"broken content type", "Content-Type: text/html; charset\n\n<p>x</p>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := mustParse(t, crlf(tt.msg))
			assert.Equal(t, Leaf, root.Kind)
			var out bytes.Buffer
			require.NoError(t, root.SerializeBody(&out))
			_, body, _ := strings.Cut(tt.msg, "\n\n")
			assert.Equal(t, body, out.String())
		})
	}
	assert.True(t, mustParse(t, tests[2].msg).IsHTML())
}

func TestParse_malformed(t *testing.T) {
	_, err := Parse(strings.NewReader("this is not a header line\r\n\r\nbody"))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestHeaderDiff(t *testing.T) {
	header := func(fields ...string) textproto.Header {
		var h textproto.Header
		for i := len(fields) - 2; i >= 0; i -= 2 {
			h.Add(fields[i], fields[i+1])
		}
		return h
	}
	tests := []struct {
		name   string
		before textproto.Header
		after  textproto.Header
		want   []HeaderOp
	}{
		{"unchanged", header("Content-Type", "text/html"), header("Content-Type", "text/html"), nil},
		{"add", header(), header("Content-Type", "text/html"), []HeaderOp{{Name: "Content-Type", Value: "text/html"}}},
		{"change", header("Content-Type", "text/plain"), header("Content-Type", "text/html"), []HeaderOp{{Index: 1, Name: "Content-Type", Value: "text/html"}}},
		{"delete", header("Content-Type", "a", "Content-Type", "b"), header(), []HeaderOp{{Index: 2, Name: "Content-Type"}, {Index: 1, Name: "Content-Type"}}},
		{"collapse duplicates", header("Content-Type", "a", "Content-Type", "b"), header("Content-Type", "a"), []HeaderOp{{Index: 2, Name: "Content-Type"}, {Index: 1, Name: "Content-Type", Value: "a"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HeaderDiff(tt.before, tt.after, "Content-Type"))
		})
	}
}
