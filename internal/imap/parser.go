package imap

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"
)

// unnamedAttachment is the sentinel filename for attachments whose part
// declares none.
const unnamedAttachment = "unnamed"

// Address is one parsed mailbox address with an optional display name.
type Address struct {
	Name  string
	Email string
}

// String renders the address as "Name <user@host>" or "user@host".
func (a Address) String() string {
	if a.Email == "" {
		return ""
	}
	if a.Name != "" {
		return fmt.Sprintf("%s <%s>", a.Name, a.Email)
	}
	return a.Email
}

// AttachmentInfo is the metadata of one attachment part. Content bytes are
// not retained beyond parsing.
type AttachmentInfo struct {
	Filename  string
	MimeType  string
	SizeBytes int64
	Content   []byte
}

// ParsedMessage is the decoded form of one fetched message. It is constructed
// once by Parse and immutable afterwards; all accessors are pure reads.
type ParsedMessage struct {
	UID        uint32
	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
	From       Address
	To         []Address
	CC         []Address
	SentAt     time.Time
	BodyText   string
	BodyHTML   string

	Attachments []AttachmentInfo
	Flags       []string
	RawHeaders  string
}

// IsRead reports whether the message carried the \Seen flag when fetched.
func (p *ParsedMessage) IsRead() bool {
	for _, flag := range p.Flags {
		if flag == imap.SeenFlag {
			return true
		}
	}
	return false
}

// HasKeyword reports whether the message carried the given custom keyword
// when fetched.
func (p *ParsedMessage) HasKeyword(keyword string) bool {
	for _, flag := range p.Flags {
		if flag == keyword {
			return true
		}
	}
	return false
}

// Parse decodes a fetched IMAP message into a ParsedMessage. Parsing never
// touches server-side state: it works entirely on the already-fetched
// envelope, flags, and body literal.
func Parse(imapMsg *imap.Message) (*ParsedMessage, error) {
	if imapMsg == nil {
		return nil, fmt.Errorf("imap message is nil")
	}

	parsed := &ParsedMessage{
		UID:   imapMsg.Uid,
		Flags: append([]string(nil), imapMsg.Flags...),
	}

	if imapMsg.Envelope != nil {
		parsed.MessageID = imapMsg.Envelope.MessageId
		parsed.InReplyTo = strings.TrimSpace(imapMsg.Envelope.InReplyTo)
		parsed.Subject = imapMsg.Envelope.Subject
		parsed.SentAt = imapMsg.Envelope.Date
		if len(imapMsg.Envelope.From) > 0 {
			parsed.From = convertAddress(imapMsg.Envelope.From[0])
		}
		parsed.To = convertAddressList(imapMsg.Envelope.To)
		parsed.CC = convertAddressList(imapMsg.Envelope.Cc)
	}

	raw, err := readBodyLiteral(imapMsg)
	if err != nil {
		return nil, err
	}

	if len(raw) > 0 {
		parsed.RawHeaders = rawHeaderBlock(raw)
		if err := parseBody(raw, parsed); err != nil {
			// Headers from the envelope are still usable; keep the flat
			// body so the message is not lost.
			log.Printf("Warning: failed to parse MIME structure of message %d: %v", imapMsg.Uid, err)
			parsed.BodyText = flatBody(raw)
		}
	}

	if parsed.SentAt.IsZero() {
		// A message must never be lost because of a malformed date header.
		log.Printf("Warning: message %q has no parsable date, falling back to now", parsed.MessageID)
		parsed.SentAt = time.Now()
	}

	return parsed, nil
}

// readBodyLiteral extracts the raw message bytes from the fetched body
// section, if one was requested.
func readBodyLiteral(imapMsg *imap.Message) ([]byte, error) {
	section := &imap.BodySectionName{}
	bodyReader := imapMsg.GetBody(section)
	if bodyReader == nil {
		return nil, nil
	}

	raw, err := io.ReadAll(bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	return raw, nil
}

// parseBody decodes the MIME structure: body selection, threading headers,
// and attachments.
func parseBody(raw []byte, parsed *ParsedMessage) error {
	envelope, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to read MIME envelope: %w", err)
	}

	// Header-derived fields: enmime decodes encoded-word sequences, which the
	// IMAP envelope does not guarantee.
	if subject := envelope.GetHeader("Subject"); subject != "" {
		parsed.Subject = subject
	}
	if parsed.MessageID == "" {
		parsed.MessageID = strings.TrimSpace(envelope.GetHeader("Message-Id"))
	}
	if parsed.InReplyTo == "" {
		parsed.InReplyTo = strings.TrimSpace(envelope.GetHeader("In-Reply-To"))
	}
	parsed.References = splitReferences(envelope.GetHeader("References"))

	if parsed.SentAt.IsZero() {
		if date, err := mail.ParseDate(envelope.GetHeader("Date")); err == nil {
			parsed.SentAt = date
		}
	}

	parsed.BodyText = firstPartOfType(envelope.Root, "text/plain")
	parsed.BodyHTML = firstPartOfType(envelope.Root, "text/html")
	if parsed.BodyText == "" && parsed.BodyHTML == "" {
		// No matching part anywhere in the tree: treat the flat body as
		// plain text rather than dropping the content.
		parsed.BodyText = flatBody(raw)
	}

	parsed.Attachments = collectAttachments(envelope.Root)
	return nil
}

// firstPartOfType walks the part tree depth-first and returns the decoded
// content of the first non-attachment part with the given content type.
func firstPartOfType(part *enmime.Part, contentType string) string {
	if part == nil {
		return ""
	}

	if part.ContentType == contentType && part.Disposition != "attachment" {
		return string(part.Content)
	}

	for child := part.FirstChild; child != nil; child = child.NextSibling {
		if content := firstPartOfType(child, contentType); content != "" {
			return content
		}
	}

	return ""
}

// collectAttachments walks the part tree and gathers every part whose
// disposition is explicitly "attachment". enmime has already decoded the
// transfer encoding and any encoded-word filename.
func collectAttachments(part *enmime.Part) []AttachmentInfo {
	if part == nil {
		return nil
	}

	var attachments []AttachmentInfo
	if part.Disposition == "attachment" {
		filename := part.FileName
		if filename == "" {
			filename = unnamedAttachment
		}
		attachments = append(attachments, AttachmentInfo{
			Filename:  filename,
			MimeType:  part.ContentType,
			SizeBytes: int64(len(part.Content)),
			Content:   part.Content,
		})
	}

	for child := part.FirstChild; child != nil; child = child.NextSibling {
		attachments = append(attachments, collectAttachments(child)...)
	}

	return attachments
}

// splitReferences turns a References header into an ordered id list, dropping
// empty entries.
func splitReferences(header string) []string {
	if header == "" {
		return nil
	}

	var refs []string
	for _, ref := range strings.Fields(header) {
		if ref != "" {
			refs = append(refs, ref)
		}
	}
	return refs
}

// flatBody returns everything after the header block, for messages without a
// usable MIME structure.
func flatBody(raw []byte) string {
	body := string(raw)
	for _, sep := range []string{"\r\n\r\n", "\n\n"} {
		if idx := strings.Index(body, sep); idx >= 0 {
			return body[idx+len(sep):]
		}
	}
	return body
}

// rawHeaderBlock returns the unparsed header block of the message.
func rawHeaderBlock(raw []byte) string {
	body := string(raw)
	for _, sep := range []string{"\r\n\r\n", "\n\n"} {
		if idx := strings.Index(body, sep); idx >= 0 {
			return body[:idx]
		}
	}
	return body
}

// ParseAddressList splits a comma-separated address-list header into
// addresses, decoding encoded-word display names. Entries that cannot be
// parsed keep their raw text as the address.
func ParseAddressList(header string) []Address {
	if strings.TrimSpace(header) == "" {
		return nil
	}

	parsed, err := mail.ParseAddressList(header)
	if err != nil {
		// Fall back to a naive split so a malformed list does not lose the
		// whole message.
		var addresses []Address
		for _, entry := range strings.Split(header, ",") {
			if trimmed := strings.TrimSpace(entry); trimmed != "" {
				addresses = append(addresses, bracketSplit(trimmed))
			}
		}
		return addresses
	}

	addresses := make([]Address, 0, len(parsed))
	for _, addr := range parsed {
		addresses = append(addresses, Address{Name: addr.Name, Email: addr.Address})
	}
	return addresses
}

// bracketSplit extracts "Name <addr>" without a full RFC 5322 parse.
func bracketSplit(entry string) Address {
	open := strings.LastIndex(entry, "<")
	closing := strings.LastIndex(entry, ">")
	if open >= 0 && closing > open {
		name := strings.Trim(strings.TrimSpace(entry[:open]), `"`)
		return Address{Name: name, Email: strings.TrimSpace(entry[open+1 : closing])}
	}
	return Address{Email: entry}
}

func convertAddress(address *imap.Address) Address {
	if address == nil || (address.MailboxName == "" && address.HostName == "") {
		return Address{}
	}
	return Address{
		Name:  address.PersonalName,
		Email: fmt.Sprintf("%s@%s", address.MailboxName, address.HostName),
	}
}

func convertAddressList(addresses []*imap.Address) []Address {
	result := make([]Address, 0, len(addresses))
	for _, address := range addresses {
		converted := convertAddress(address)
		if converted.Email != "" {
			result = append(result, converted)
		}
	}
	return result
}

// FormatAddressList renders addresses for storage, skipping empties.
func FormatAddressList(addresses []Address) []string {
	result := make([]string, 0, len(addresses))
	for _, address := range addresses {
		if formatted := address.String(); formatted != "" {
			result = append(result, formatted)
		}
	}
	return result
}
