// Package ses implements a Provider that sends emails via AWS SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/samber/lo"
	"github.com/sethvargo/go-retry"

	"github.com/shineum/mailgun-relay/internal/email"
	"github.com/shineum/mailgun-relay/internal/provider"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// baseRetryDelay is the initial delay for exponential backoff.
const baseRetryDelay = 1 * time.Second

// Config holds the configuration for creating a Provider.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Sender          string
}

// SendEmailAPI is the subset of the SES v2 client used by the provider.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Provider sends emails via the AWS SES v2 API. The configured sender is
// used as the From address; the original author becomes Reply-To.
type Provider struct {
	sender  string
	client  SendEmailAPI
	backoff func() retry.Backoff
}

// New creates a Provider. Static credentials are used when both keys are
// set; otherwise the default AWS credential chain applies.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI) *Provider {
	return &Provider{
		sender:  sender,
		client:  client,
		backoff: defaultBackoff,
	}
}

func defaultBackoff() retry.Backoff {
	return retry.WithMaxRetries(maxRetries, retry.NewExponential(baseRetryDelay))
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

// Send delivers an email message via AWS SES v2. Messages with attachments
// are sent as raw MIME; others use the simple content format. Transient
// API failures are retried with exponential backoff.
func (p *Provider) Send(ctx context.Context, msg email.Message) (*provider.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ses: %w", err)
	}
	e, err := msg.Normalize(ctx)
	if err != nil {
		return nil, fmt.Errorf("ses: %w", err)
	}

	input, err := p.buildInput(msg, e)
	if err != nil {
		return nil, fmt.Errorf("ses: failed to build message: %w", err)
	}

	var out *sesv2.SendEmailOutput
	attempt := 0
	err = retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		res, err := p.client.SendEmail(ctx, input)
		if err == nil {
			out = res
			return nil
		}
		if permanent(err) {
			return fmt.Errorf("%w: %w", email.ErrMalformed, err)
		}
		slog.Warn("SES API error",
			"attempt", attempt,
			"max_retries", maxRetries,
			"error", err,
		)
		return retry.RetryableError(err)
	})
	if err != nil {
		if errors.Is(err, email.ErrMalformed) || ctx.Err() != nil {
			return nil, fmt.Errorf("ses: %w", err)
		}
		return nil, fmt.Errorf("ses: API request failed after %d attempts: %w", attempt, err)
	}

	return &provider.Receipt{
		Provider:  p.Name(),
		MessageID: msg.MessageID(),
		Envelope:  msg.Envelope(),
		Response:  aws.ToString(out.MessageId),
	}, nil
}

// permanent reports whether SES refused the message itself, in which case
// retrying cannot help.
func permanent(err error) bool {
	var rejected *types.MessageRejected
	var badRequest *types.BadRequestException
	return errors.As(err, &rejected) || errors.As(err, &badRequest)
}

func (p *Provider) buildInput(msg email.Message, e *email.Email) (*sesv2.SendEmailInput, error) {
	if len(e.Attachments) == 0 {
		return buildSimpleInput(p.sender, e), nil
	}

	raw, err := buildRawMessage(p.sender, e)
	if err != nil {
		return nil, err
	}

	rcpts := msg.Envelope().To
	if len(rcpts) == 0 {
		rcpts = lo.Uniq(lo.Flatten([][]string{
			email.Mailboxes(e.To),
			email.Mailboxes(e.Cc),
			email.Mailboxes(e.Bcc),
		}))
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(p.sender),
		Destination:      &types.Destination{ToAddresses: rcpts},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: raw},
		},
	}, nil
}

// buildSimpleInput creates a SES SendEmailInput for emails without attachments.
func buildSimpleInput(sender string, e *email.Email) *sesv2.SendEmailInput {
	body := &types.Body{}
	if e.HTML != "" {
		body.Html = utf8Content(e.HTML)
	}
	if e.Text != "" {
		body.Text = utf8Content(e.Text)
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		ReplyToAddresses: rendered(replyTo(sender, e)),
		Destination: &types.Destination{
			ToAddresses:  rendered(e.To),
			CcAddresses:  rendered(e.Cc),
			BccAddresses: rendered(e.Bcc),
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: utf8Content(e.Subject),
				Body:    body,
			},
		},
	}
}

// replyTo keeps replies going to the original author when the configured
// sender replaces the From address.
func replyTo(sender string, e *email.Email) []email.Address {
	if len(e.ReplyTo) > 0 {
		return e.ReplyTo
	}
	if e.From.IsZero() || e.From.Address == sender {
		return nil
	}
	return []email.Address{e.From}
}

func rendered(addrs []email.Address) []string {
	if len(addrs) == 0 {
		return nil
	}
	return lo.Map(addrs, func(a email.Address, _ int) string {
		return a.String()
	})
}

func utf8Content(data string) *types.Content {
	return &types.Content{
		Data:    aws.String(data),
		Charset: aws.String("UTF-8"),
	}
}
