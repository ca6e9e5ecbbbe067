// Package rfc822 turns raw RFC 5322 messages into mailstore headers.
package rfc822

import (
	"bufio"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html"

	"github.com/nhle/mailindex/internal/mailstore"
)

const (
	// maxPartBytes caps how much of a body part is read for the snippet.
	maxPartBytes = 64 << 10

	// SnippetLength is the longest snippet kept, in runes.
	SnippetLength = 200
)

// Header is a parsed message header. It implements mailstore.Header.
type Header struct {
	key       uint32
	folderURI string
	messageID string
	refs      []string
	subject   string
	author    string
	date      time.Time
	snippet   string
}

func (h *Header) MessageKey() uint32   { return h.key }
func (h *Header) FolderURI() string    { return h.folderURI }
func (h *Header) MessageID() string    { return h.messageID }
func (h *Header) References() []string { return h.refs }
func (h *Header) Subject() string      { return h.subject }
func (h *Header) Author() string       { return h.author }
func (h *Header) Date() time.Time      { return h.date }
func (h *Header) Snippet() string      { return h.snippet }

var _ mailstore.Header = (*Header)(nil)

// Empty returns a header that only knows where it lives. It stands in for
// messages too damaged to parse.
func Empty(folderURI string, key uint32) *Header {
	return &Header{key: key, folderURI: folderURI}
}

// Parse reads the message in r. Header fields that fail to decode are left
// empty. The snippet is taken from the first text/plain part, falling back
// to flattened text/html.
func Parse(r io.Reader, folderURI string, key uint32) (*Header, error) {
	mr, err := mail.CreateReader(bufio.NewReader(r))
	if mr == nil {
		return nil, err
	}
	defer mr.Close()

	h := headerFrom(mr.Header, folderURI, key)
	h.snippet = snippetFrom(mr)
	return h, nil
}

func headerFrom(mh mail.Header, folderURI string, key uint32) *Header {
	h := &Header{key: key, folderURI: folderURI}

	if id, err := mh.MessageID(); err == nil {
		h.messageID = id
	} else {
		h.messageID = mailstore.NormalizeMessageID(mh.Get("Message-Id"))
	}

	refs, _ := mh.MsgIDList("References")
	inReplyTo, _ := mh.MsgIDList("In-Reply-To")
	h.refs = mailstore.ReferenceChain(h.messageID, refs, inReplyTo)

	if s, err := mh.Subject(); err == nil {
		h.subject = strings.TrimSpace(s)
	} else {
		h.subject = strings.TrimSpace(mh.Get("Subject"))
	}

	if from, err := mh.AddressList("From"); err == nil && len(from) > 0 {
		h.author = from[0].Address
	} else {
		h.author = strings.TrimSpace(mh.Get("From"))
	}

	if d, err := mh.Date(); err == nil {
		h.date = d
	}

	return h
}

// partHeader is satisfied by both mail.InlineHeader and
// mail.AttachmentHeader.
type partHeader interface {
	Get(key string) string
	ContentType() (string, map[string]string, error)
}

func snippetFrom(mr *mail.Reader) string {
	var fallback string
	for {
		// Parts with an unknown charset come back with an error but are
		// still readable.
		part, _ := mr.NextPart()
		if part == nil {
			break
		}
		ph, ok := part.Header.(partHeader)
		if !ok || strings.HasPrefix(strings.ToLower(ph.Get("Content-Disposition")), "attachment") {
			continue
		}

		contentType, _, _ := ph.ContentType()
		body, err := io.ReadAll(io.LimitReader(part.Body, maxPartBytes))
		if err != nil {
			continue
		}

		switch {
		case contentType == "" || strings.HasPrefix(contentType, "text/plain"):
			if s := Snippet(string(body)); s != "" {
				return s
			}
		case strings.HasPrefix(contentType, "text/html") && fallback == "":
			fallback = Snippet(htmlToText(string(body)))
		}
	}
	return fallback
}

// Snippet condenses body to its first SnippetLength runes of unquoted
// text, with whitespace collapsed.
func Snippet(body string) string {
	var words []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, ">") {
			continue
		}
		words = append(words, strings.Fields(line)...)
	}

	s := strings.Join(words, " ")
	if utf8.RuneCountInString(s) <= SnippetLength {
		return s
	}
	return string([]rune(s)[:SnippetLength])
}

func htmlToText(body string) string {
	z := html.NewTokenizer(strings.NewReader(body))
	var (
		b    strings.Builder
		skip int
	)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return b.String()
		case html.StartTagToken:
			if name, _ := z.TagName(); isHidden(name) {
				skip++
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); isHidden(name) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			if t := strings.TrimSpace(string(z.Text())); t != "" {
				b.WriteString(t)
				b.WriteByte('\n')
			}
		}
	}
}

func isHidden(tag []byte) bool {
	switch string(tag) {
	case "script", "style", "head", "title":
		return true
	}
	return false
}
