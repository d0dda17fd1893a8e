// Package notify composes run summaries for the external mail delivery
// service.
package notify

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Message is a composed notification ready for delivery.
type Message struct {
	Subject string
	Body    string
}

// Sender delivers a composed message. SMTP delivery lives outside this
// system; the default sink writes the message to a spool file the mailer
// picks up.
type Sender interface {
	Send(msg Message) error
}

// FileSink writes messages into a spool directory, one file per message.
type FileSink struct {
	Dir string
}

// Send writes the message as an RFC-822-ish text file.
func (s FileSink) Send(msg Message) error {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return fmt.Errorf("creating notify spool: %w", err)
	}
	name := fmt.Sprintf("notify-%s.eml", time.Now().UTC().Format("20060102T150405Z"))
	content := fmt.Sprintf("Subject: %s\n\n%s", msg.Subject, msg.Body)
	if err := os.WriteFile(filepath.Join(s.Dir, name), []byte(content), 0644); err != nil {
		return fmt.Errorf("writing notification: %w", err)
	}
	return nil
}

// ComposeRunSummary builds the notification from the deployment summary
// artifact.
func ComposeRunSummary(log *zap.Logger, reportDir string) (Message, error) {
	data, err := os.ReadFile(filepath.Join(reportDir, "deployment-summary.txt"))
	if err != nil {
		return Message{}, fmt.Errorf("no deployment summary to notify about: %w", err)
	}

	body := strings.TrimSpace(string(data))
	subject := "otto-bgp run summary"
	if i := strings.IndexByte(body, '\n'); i > 0 {
		subject = "otto-bgp: " + body[:i]
	}

	log.Info("notification composed", zap.Int("bytes", len(body)))
	return Message{Subject: subject, Body: body + "\n"}, nil
}
