package lib

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/emersion/go-imap"
)

const charset = "abcdefghijklmnopqrstuvwxyz " +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789 " +
	",./;'\\ \" []{}<>?:|!@£$%^&*()_+-= " +
	"\r\n\r\n\r\n "

const template = "From: %s\r\n" +
	"To: %s\r\n" +
	"Subject: Message number %d\r\n" +
	"Date: Wed, 11 May 2016 14:31:59 +0000\r\n" +
	"Message-ID: %s\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n%s"

var seededRand *rand.Rand = rand.New(
	rand.NewSource(time.Now().UnixMilli()))

var sampleFlags = []string{
	imap.SeenFlag,
	imap.AnsweredFlag,
	imap.FlaggedFlag,
	imap.DraftFlag,
	"$Label1",
}

func stringWithCharset(length int, charset string) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[seededRand.Intn(len(charset))]
	}
	return string(b)
}

// GenerateMessageID returns the Message-ID header value used by GenerateEmail
func GenerateMessageID(seq uint32) string {
	return fmt.Sprintf("<%d@localhost/>", seq)
}

func GenerateEmail(from, to string, seq uint32, minSize, maxSize int) []byte {
	length := minSize
	if maxSize > minSize {
		length += seededRand.Intn(maxSize - minSize)
	}
	msg := fmt.Sprintf(template, from, to, seq, GenerateMessageID(seq), stringWithCharset(length, charset))
	return []byte(msg)
}

// GenerateFlags returns a random (sorted) list of less than maxFlags flags
func GenerateFlags(maxFlags int) []string {
	if maxFlags > len(sampleFlags)+1 {
		maxFlags = len(sampleFlags) + 1
	}
	count := seededRand.Intn(maxFlags)
	flags := make([]string, 0, count)
	for _, index := range seededRand.Perm(len(sampleFlags))[:count] {
		flags, _ = AddFlag(flags, sampleFlags[index])
	}
	return flags
}

// GenerateDateFrom returns a random date between from and now
func GenerateDateFrom(from time.Time) time.Time {
	span := time.Since(from)
	if span <= 0 {
		return from
	}
	return from.Add(time.Duration(seededRand.Int63n(int64(span)-1) + 1))
}
