package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobtrail/internal/model"
	"jobtrail/pkg/circuitbreaker"
	"jobtrail/pkg/metrics"
)

const (
	TierHeuristic = model.TierHeuristic
	TierModel     = model.TierModel
	TierDefault   = "default"

	// NotJobSentinel is the exact reply meaning "not a job application email".
	NotJobSentinel = "NOT_JOB_EMAIL"

	relatedMaxTokens = 10
	extractMaxTokens = 200
)

// ErrNoCompany 模型回复里没有 company 字段
var ErrNoCompany = errors.New("model reply has no company")

// Completer is the model client capability: one system instruction plus one
// user message in, free text out.
type Completer interface {
	Complete(ctx context.Context, system, user string, maxTokens int) (string, error)
}

const relatedPrompt = "Decide whether this email is about a job application the recipient made " +
	"(confirmation, rejection, interview invite, offer, recruiter follow-up). " +
	"Answer only Yes or No."

const extractPrompt = `You extract job application details from emails.

If the email is NOT about a job application, reply with exactly: NOT_JOB_EMAIL

Otherwise reply in exactly this format:
Company: <company name or Unknown>
Job Title: <job title or Unknown>
Location: <location, Remote, or Unknown>
Status: <one of: Applied, Screening, Interviewing, Offer, Declined, Withdrawn>

Status meanings:
- Applied: application received or confirmed
- Screening: phone screen or initial review scheduled
- Interviewing: interview scheduled or completed
- Offer: job offer received
- Declined: rejection received
- Withdrawn: candidate withdrew the application`

// statusAliases 按顺序匹配子串，先命中者生效
var statusAliases = []struct {
	fragment string
	status   model.Status
}{
	{"applied", model.StatusApplied},
	{"screening", model.StatusScreening},
	{"interviewing", model.StatusInterviewing},
	{"interview", model.StatusInterviewing},
	{"offer", model.StatusOffer},
	{"declined", model.StatusDeclined},
	{"rejected", model.StatusDeclined},
	{"rejection", model.StatusDeclined},
	{"withdrawn", model.StatusWithdrawn},
	{"withdrew", model.StatusWithdrawn},
}

// ModelClassifier asks a text-generation service. Calls go through a circuit
// breaker so a failing provider is skipped without a network round trip.
type ModelClassifier struct {
	client  Completer
	breaker *circuitbreaker.CircuitBreaker
}

func NewModelClassifier(client Completer, breaker *circuitbreaker.CircuitBreaker) *ModelClassifier {
	if breaker == nil {
		breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig())
	}
	return &ModelClassifier{client: client, breaker: breaker}
}

// IsJobRelated returns true only for a "yes" reply.
func (m *ModelClassifier) IsJobRelated(ctx context.Context, sender, subject, snippet string) (bool, error) {
	reply, err := m.complete(ctx, "related", relatedPrompt, formatEmail(sender, subject, snippet), relatedMaxTokens)
	if err != nil {
		return false, err
	}
	answer := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(reply)), ".")
	return answer == "yes", nil
}

// Classify returns (nil, nil) when the model says the email is not job related.
func (m *ModelClassifier) Classify(ctx context.Context, sender, subject, body string) (*model.ClassificationResult, error) {
	reply, err := m.complete(ctx, "extract", extractPrompt, formatEmail(sender, subject, body), extractMaxTokens)
	if err != nil {
		return nil, err
	}
	return ParseExtraction(reply)
}

func (m *ModelClassifier) complete(ctx context.Context, purpose, system, user string, maxTokens int) (string, error) {
	var reply string
	start := time.Now()
	err := m.breaker.Execute(func() error {
		out, err := m.client.Complete(ctx, system, user, maxTokens)
		if err != nil {
			return err
		}
		reply = out
		return nil
	})

	status := "success"
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen):
		status = "circuit_open"
	case err != nil:
		status = "error"
	}
	metrics.RecordModelCallLatency(purpose, status, time.Since(start))

	if err != nil {
		return "", fmt.Errorf("model %s call: %w", purpose, err)
	}
	return reply, nil
}

// ParseExtraction parses the "Key: Value" reply format. Keys are lowercased
// with spaces replaced by underscores.
func ParseExtraction(reply string) (*model.ClassificationResult, error) {
	reply = strings.TrimSpace(reply)
	if reply == NotJobSentinel {
		return nil, nil
	}

	fields := make(map[string]string)
	for _, line := range strings.Split(reply, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		key = strings.ReplaceAll(strings.ToLower(strings.TrimSpace(key)), " ", "_")
		fields[key] = strings.TrimSpace(value)
	}

	company := fields["company"]
	if company == "" {
		return nil, ErrNoCompany
	}

	return &model.ClassificationResult{
		Company:  company,
		JobTitle: orUnknown(fields["job_title"]),
		Location: orUnknown(fields["location"]),
		Status:   NormalizeStatus(fields["status"]),
		Tier:     TierModel,
	}, nil
}

// NormalizeStatus maps a free-form label onto the lifecycle vocabulary.
// Unmatched labels are returned lowercased; model.ParseStatus turns those
// into applied.
func NormalizeStatus(raw string) string {
	lower := strings.ToLower(strings.TrimSpace(raw))
	for _, a := range statusAliases {
		if strings.Contains(lower, a.fragment) {
			return string(a.status)
		}
	}
	return lower
}

func formatEmail(sender, subject, text string) string {
	return fmt.Sprintf("From: %s\nSubject: %s\n\n%s", sender, subject, text)
}

func orUnknown(s string) string {
	if s == "" {
		return model.Unknown
	}
	return s
}
