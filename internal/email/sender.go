package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/textproto"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"EnrollDispatch/internal/dispatcherr"
	"EnrollDispatch/internal/models"
)

// Mailer is satisfied by *gomail.Dialer.
type Mailer interface {
	DialAndSend(m ...*gomail.Message) error
}

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	Timeout  time.Duration
}

type Sender struct {
	from    string
	timeout time.Duration
	mailer  Mailer
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func NewSender(cfg Config, logger *zap.Logger) *Sender {
	return NewSenderWithMailer(cfg, gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password), logger)
}

func NewSenderWithMailer(cfg Config, mailer Mailer, logger *zap.Logger) *Sender {
	log := logger.With(zap.String("component", "email-sender"))

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smtp",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("smtp circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Sender{
		from:    cfg.From,
		timeout: timeout,
		mailer:  mailer,
		breaker: cb,
		log:     log,
	}
}

func (s *Sender) Kind() models.JobKind {
	return models.KindEmail
}

func (s *Sender) NeedsCredential() bool {
	return false
}

// templateData is what campaign templates can reference.
type templateData struct {
	To   string
	Name string
	Data map[string]string
}

// Render builds the subject and HTML body of an email job.
func Render(def *models.CampaignDefinition, p models.EmailPayload) (subject, body string, err error) {
	data := templateData{To: p.To, Name: p.Name, Data: p.Data}

	st, err := texttemplate.New("subject").Option("missingkey=zero").Parse(def.Subject)
	if err != nil {
		return "", "", fmt.Errorf("subject template parse error: %w", err)
	}
	var sb strings.Builder
	if err := st.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("subject template execution error: %w", err)
	}

	bt, err := template.New("body").Option("missingkey=zero").Parse(def.Template)
	if err != nil {
		return "", "", fmt.Errorf("template parse error: %w", err)
	}
	var bb bytes.Buffer
	if err := bt.Execute(&bb, data); err != nil {
		return "", "", fmt.Errorf("template execution error: %w", err)
	}

	return sb.String(), bb.String(), nil
}

// Dispatch renders the campaign template and sends the email.
func (s *Sender) Dispatch(ctx context.Context, _ *models.Credential, job models.Job, def *models.CampaignDefinition) error {
	if def == nil {
		return dispatcherr.Permanentf("email job %s has no campaign", job.ID)
	}

	var p models.EmailPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return dispatcherr.Permanentf("malformed email payload: %v", err)
	}
	if strings.TrimSpace(p.To) == "" {
		return dispatcherr.Permanentf("email payload has no recipient")
	}

	subject, body, err := Render(def, p)
	if err != nil {
		return dispatcherr.Permanent(0, err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", p.To)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body)

	return s.send(ctx, m)
}

// send dials through the circuit breaker. A permanent rejection is reported
// to the breaker as a success so bad recipients do not open it.
func (s *Sender) send(ctx context.Context, m *gomail.Message) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var sendErr error
	_, err := s.breaker.Execute(func() (interface{}, error) {
		sendErr = s.dialAndSend(ctx, m)
		if sendErr != nil && dispatcherr.IsTransient(sendErr) {
			return nil, sendErr
		}
		return nil, nil
	})

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return dispatcherr.Transient(0, fmt.Errorf("smtp unavailable: %w", err))
	case sendErr != nil:
		return sendErr
	default:
		return err
	}
}

// dialAndSend bounds the gomail call by ctx. gomail has no context support,
// so an expired call is abandoned and reported as a timeout.
func (s *Sender) dialAndSend(ctx context.Context, m *gomail.Message) error {
	done := make(chan error, 1)
	go func() {
		done <- s.mailer.DialAndSend(m)
	}()

	select {
	case err := <-done:
		if err != nil {
			return classifySMTP(err)
		}
		return nil
	case <-ctx.Done():
		return dispatcherr.Transient(0, fmt.Errorf("smtp send: %w", ctx.Err()))
	}
}

// classifySMTP maps SMTP reply codes: 4xx are temporary, 5xx permanent.
// Anything without a reply code is a connection problem and temporary.
func classifySMTP(err error) error {
	var tp *textproto.Error
	if errors.As(err, &tp) {
		if tp.Code >= 500 {
			return dispatcherr.Permanent(tp.Code, fmt.Errorf("smtp send error: %w", err))
		}
		return dispatcherr.Transient(tp.Code, fmt.Errorf("smtp send error: %w", err))
	}
	return dispatcherr.Transient(0, fmt.Errorf("smtp send error: %w", err))
}
