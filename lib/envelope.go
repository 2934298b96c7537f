package lib

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
)

// Envelope is the information needed from the header of a raw message
type Envelope struct {
	MessageID string
	Subject   string
	From      string
	// Recipients from To, Cc and Bcc
	Recipients []string
	Date       time.Time
}

// ParseEnvelope reads the header of a raw RFC 5322 message
func ParseEnvelope(body []byte) (*Envelope, error) {
	header, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(body)))
	if err != nil {
		return nil, fmt.Errorf("cannot read message header: %w", err)
	}
	mailHeader := mail.Header{Header: message.Header{Header: header}}

	envelope := &Envelope{
		MessageID: strings.TrimSpace(header.Get("Message-Id")),
	}
	envelope.Subject, _ = mailHeader.Subject()
	envelope.Date, _ = mailHeader.Date()
	if from, err := mailHeader.AddressList("From"); err == nil && len(from) > 0 {
		envelope.From = from[0].Address
	}
	for _, key := range []string{"To", "Cc", "Bcc"} {
		list, err := mailHeader.AddressList(key)
		if err != nil {
			return nil, fmt.Errorf("invalid %s header: %w", key, err)
		}
		for _, address := range list {
			envelope.Recipients = append(envelope.Recipients, address.Address)
		}
	}
	return envelope, nil
}

// NewMessageID generates a unique Message-ID header value
func NewMessageID(domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// EnsureMessageID returns the body with a Message-ID header, adding a new one when missing,
// and the Message-ID itself
func EnsureMessageID(body []byte, domain string) ([]byte, string) {
	envelope, err := ParseEnvelope(body)
	if err == nil && envelope.MessageID != "" {
		return body, envelope.MessageID
	}
	messageID := NewMessageID(domain)
	output := make([]byte, 0, len(body)+len(messageID)+16)
	output = append(output, "Message-ID: "+messageID+"\r\n"...)
	output = append(output, body...)
	return output, messageID
}
