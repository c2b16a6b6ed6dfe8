package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/local/cookscan/internal/config"
	"github.com/local/cookscan/internal/store"
)

// Email sends the end-of-extraction mail. With no SMTP host configured it
// degrades to a log line, which keeps dev environments mail-free.
type Email struct {
	cfg config.SMTPConfig
}

func NewEmail(cfg config.SMTPConfig) *Email {
	return &Email{cfg: cfg}
}

func (e *Email) ExtractionCompleted(ctx context.Context, cb store.Cookbook, job store.Job) error {
	subject := fmt.Sprintf("Your cookbook %q is ready", cb.Title)
	body := e.body(cb, job)

	if e.cfg.Host == "" {
		log.Info().Str("cookbook_id", cb.ID).Str("user_id", cb.UserID).
			Str("subject", subject).Msg("smtp disabled, completion mail skipped")
		return nil
	}

	to := cb.UserID
	if !strings.Contains(to, "@") {
		log.Warn().Str("user_id", cb.UserID).Msg("user id is not a mail address, completion mail skipped")
		return nil
	}

	msg := strings.Join([]string{
		"From: " + e.cfg.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, e.cfg.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("send completion mail: %w", err)
	}
	log.Info().Str("cookbook_id", cb.ID).Str("to", to).Msg("completion mail sent")
	return nil
}

func (e *Email) body(cb store.Cookbook, job store.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "We finished extracting recipes from %q.\n\n", cb.Title)
	fmt.Fprintf(&b, "Recipes found: %d\n", cb.TotalRecipesFound)
	if job.FailedPages > 0 {
		fmt.Fprintf(&b, "Pages we could not read: %d\n", job.FailedPages)
	}
	fmt.Fprintf(&b, "\nReview them at %s/cookbooks/%s\n", e.cfg.AppURL, cb.ID)
	return b.String()
}
