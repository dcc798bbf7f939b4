// Package inquiry accepts contact form submissions, scores them for spam and
// hands them to a Sink.
//
// Every valid submission gets the same 202 answer whatever its score, so a bot
// can't use the response to tune itself. Spam is kept (under its own status)
// rather than dropped, false positives are expected.
package inquiry

import (
	"strings"
	"time"
	"unicode"
)

type Status string

const (
	StatusNew  Status = "new"
	StatusSpam Status = "spam"
)

// Submission is the JSON body of POST /api/inquiries.
type Submission struct {
	Name    string `json:"name" validate:"required,max=200"`
	Email   string `json:"email" validate:"required,email,max=320"`
	Company string `json:"company" validate:"max=200"`
	Phone   string `json:"phone" validate:"max=50"`
	Subject string `json:"subject" validate:"max=300"`
	Message string `json:"message" validate:"required,min=2,max=5000"`
	Product string `json:"product" validate:"max=100"`
	Locale  string `json:"locale" validate:"omitempty,max=20"`

	// Website is a honeypot, hidden from people, filled by bots
	Website string `json:"website"`

	// RenderedAt is when the form was rendered, unix ms
	RenderedAt int64 `json:"rendered_at"`
}

// Record is what a Sink stores.
type Record struct {
	ID          string     `json:"id"`
	Status      Status     `json:"status"`
	SpamScore   int        `json:"spam_score"`
	SpamReasons []string   `json:"spam_reasons,omitempty"`
	ReceivedAt  time.Time  `json:"received_at"`
	ClientIP    string     `json:"client_ip,omitempty"`
	UserAgent   string     `json:"user_agent,omitempty"`
	RequestID   string     `json:"request_id,omitempty"`
	Submission  Submission `json:"submission"`
}

// sanitize trims fields and drops control characters other than newline and tab.
func (s *Submission) sanitize() {
	for _, f := range []*string{&s.Name, &s.Email, &s.Company, &s.Phone, &s.Subject, &s.Message, &s.Product, &s.Locale, &s.Website} {
		*f = sanitizeText(*f)
	}
	s.Email = strings.ToLower(s.Email)
}

func sanitizeText(text string) string {
	text = strings.TrimSpace(text)
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
