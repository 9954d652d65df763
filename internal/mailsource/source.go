package mailsource

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"jobtrail/internal/model"
	"jobtrail/pkg/config"
)

// ErrAuthorizationRequired 没有可用的凭据，需要先完成授权
var ErrAuthorizationRequired = errors.New("mail source authorization required")

const (
	// 正文截断长度，模型请求有长度限制
	maxBodyChars    = 4000
	maxSnippetChars = 200
)

// Source is a pull-based mailbox. FetchMessageIDs dedups ids across labels.
// FetchContent returns (nil, nil) when the message no longer exists.
type Source interface {
	Name() string
	IsConfigured() bool
	Authenticate(ctx context.Context) error
	FetchMessageIDs(ctx context.Context, lookbackHours, maxResults int, labels []string) ([]model.MessageRef, error)
	FetchContent(ctx context.Context, id string) (*model.Message, error)
}

// FromConfig picks Gmail when enabled, then IMAP. With neither enabled the
// returned Gmail source reports IsConfigured() == false.
func FromConfig(gmailCfg config.GmailConfig, imapCfg config.IMAPConfig, logger *zap.Logger) Source {
	if !gmailCfg.Enabled && imapCfg.Enabled {
		return NewIMAPSource(imapCfg, logger)
	}
	return NewGmailSource(gmailCfg, logger)
}

// dedupRefs 按首次出现顺序去重
func dedupRefs(refs []model.MessageRef) []model.MessageRef {
	seen := make(map[string]struct{}, len(refs))
	out := refs[:0]
	for _, r := range refs {
		if _, ok := seen[r.ID]; ok {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	return out
}

func truncateChars(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// makeSnippet collapses whitespace the way provider previews do.
func makeSnippet(body string) string {
	return truncateChars(strings.Join(strings.Fields(body), " "), maxSnippetChars)
}
