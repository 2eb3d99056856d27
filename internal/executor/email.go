package executor

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/rakunlabs/taskcron/internal/task"
	"github.com/rakunlabs/taskcron/internal/template"
	"github.com/wneessen/go-mail"
)

// EmailExecutor sends EmailConfig as a single SMTP message. Subject and
// body are resolved through the template placeholder set before send.
type EmailExecutor struct{}

func NewEmailExecutor() *EmailExecutor {
	return &EmailExecutor{}
}

func (em *EmailExecutor) Execute(ctx context.Context, t task.Task, e task.Execution) (task.ExecutionResult, error) {
	cfg := t.Config.Email
	if cfg == nil {
		return task.ExecutionResult{}, fmt.Errorf("email executor: task %s has no email config", t.ID)
	}

	start := time.Now()

	subject := template.Resolve(cfg.Subject, t, e)
	body := template.Resolve(cfg.Body, t, e)
	contentType := cfg.ContentType
	if contentType == "" {
		contentType = "text/plain"
	}

	m := mail.NewMsg()
	if err := m.From(cfg.From); err != nil {
		return task.ExecutionResult{}, fmt.Errorf("email executor: set from: %w", err)
	}
	if err := m.To(cfg.To...); err != nil {
		return task.ExecutionResult{}, fmt.Errorf("email executor: set to: %w", err)
	}
	if len(cfg.CC) > 0 {
		if err := m.Cc(cfg.CC...); err != nil {
			return task.ExecutionResult{}, fmt.Errorf("email executor: set cc: %w", err)
		}
	}
	if len(cfg.BCC) > 0 {
		if err := m.Bcc(cfg.BCC...); err != nil {
			return task.ExecutionResult{}, fmt.Errorf("email executor: set bcc: %w", err)
		}
	}
	m.Subject(subject)
	m.SetBodyString(mail.ContentType(contentType), body)

	opts := []mail.Option{
		mail.WithPort(cfg.SMTPPort),
		mail.WithTimeout(30 * time.Second),
	}
	if cfg.Username != "" || cfg.Password != "" {
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain), mail.WithUsername(cfg.Username), mail.WithPassword(cfg.Password))
	}
	if cfg.TLS {
		opts = append(opts, mail.WithSSL(), mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSConfig(&tls.Config{ServerName: cfg.SMTPHost}), mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	client, err := mail.NewClient(cfg.SMTPHost, opts...)
	if err != nil {
		return task.ExecutionResult{}, fmt.Errorf("email executor: create client: %w", err)
	}

	sendErr := client.DialAndSend(m)
	duration := time.Since(start).Milliseconds()

	if sendErr != nil {
		return task.ExecutionResult{
			Status:     task.StatusFailure,
			Error:      sendErr.Error(),
			DurationMS: duration,
		}, nil
	}

	return task.ExecutionResult{
		Status:     task.StatusSuccess,
		Output:     fmt.Sprintf("sent to %s", strings.Join(cfg.To, ", ")),
		DurationMS: duration,
	}, nil
}
