package mailsource

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"jobtrail/internal/model"
	"jobtrail/pkg/config"
)

const gmailUser = "me"

// 系统标签直接作为 label id 使用
var systemLabels = map[string]bool{
	"INBOX": true, "SENT": true, "SPAM": true, "TRASH": true,
	"DRAFT": true, "STARRED": true, "UNREAD": true, "IMPORTANT": true,
}

// GmailSource reads a single Gmail account through the Gmail API.
type GmailSource struct {
	cfg    config.GmailConfig
	logger *zap.Logger

	mu     sync.Mutex
	svc    *gmail.Service
	labels map[string]string // lower(name) -> id
}

func NewGmailSource(cfg config.GmailConfig, logger *zap.Logger) *GmailSource {
	return &GmailSource{cfg: cfg, logger: logger}
}

// NewGmailSourceWithService wraps an already authenticated service.
func NewGmailSourceWithService(svc *gmail.Service, labels []string, logger *zap.Logger) *GmailSource {
	return &GmailSource{
		cfg:    config.GmailConfig{Enabled: true, Labels: labels},
		logger: logger,
		svc:    svc,
	}
}

func (s *GmailSource) Name() string { return "gmail" }

// IsConfigured reports whether a token or client credentials are on disk.
func (s *GmailSource) IsConfigured() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.svc != nil {
		return true
	}
	if !s.cfg.Enabled {
		return false
	}
	return fileExists(s.cfg.TokenPath) || fileExists(s.cfg.CredentialsPath)
}

// Authenticate builds the API client from token.json. Refreshed tokens are
// written back so the next process starts with a valid token.
func (s *GmailSource) Authenticate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.svc != nil {
		return nil
	}

	oauthCfg, err := s.oauthConfig()
	if err != nil {
		return err
	}
	tok, err := readToken(s.cfg.TokenPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuthorizationRequired, err)
	}

	// token source 的生命周期长于本次请求
	base := oauthCfg.TokenSource(context.WithoutCancel(ctx), tok)
	ts := &savingTokenSource{base: base, path: s.cfg.TokenPath, last: tok.AccessToken, logger: s.logger}
	if _, err := ts.Token(); err != nil {
		return fmt.Errorf("failed to refresh gmail token: %w", err)
	}

	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return fmt.Errorf("unable to create Gmail service: %w", err)
	}
	s.svc = svc
	s.logger.Info("Gmail source authenticated", zap.String("token_path", s.cfg.TokenPath))
	return nil
}

// Authorize runs the interactive installed-app flow: print the consent URL,
// read the code from in, and store the token.
func (s *GmailSource) Authorize(ctx context.Context, in io.Reader, out io.Writer) error {
	oauthCfg, err := s.oauthConfig()
	if err != nil {
		return err
	}

	authURL := oauthCfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	fmt.Fprintf(out, "Go to the following link in your browser, then paste the authorization code:\n%s\n", authURL)

	code, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("unable to read authorization code: %w", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return errors.New("empty authorization code")
	}

	tok, err := oauthCfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("unable to exchange authorization code: %w", err)
	}
	if err := writeToken(s.cfg.TokenPath, tok); err != nil {
		return err
	}
	fmt.Fprintf(out, "Saved token to %s\n", s.cfg.TokenPath)
	return nil
}

func (s *GmailSource) oauthConfig() (*oauth2.Config, error) {
	b, err := os.ReadFile(s.cfg.CredentialsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to read client secret file: %v", ErrAuthorizationRequired, err)
	}
	cfg, err := google.ConfigFromJSON(b, gmail.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file: %w", err)
	}
	return cfg, nil
}

// FetchMessageIDs lists messages newer than now-lookbackHours from each
// label. A label that fails is logged and skipped; the call fails only when
// every label fails.
func (s *GmailSource) FetchMessageIDs(ctx context.Context, lookbackHours, maxResults int, labels []string) ([]model.MessageRef, error) {
	svc, err := s.service(ctx)
	if err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		labels = s.cfg.Labels
	}
	if len(labels) == 0 {
		labels = []string{"INBOX"}
	}

	since := time.Now().Add(-time.Duration(lookbackHours) * time.Hour)
	query := fmt.Sprintf("after:%d", since.Unix())

	var (
		refs    []model.MessageRef
		lastErr error
		okCount int
	)
	for _, name := range labels {
		labelID, err := s.resolveLabel(ctx, svc, name)
		if err != nil {
			s.logger.Warn("Gmail label lookup failed", zap.String("label", name), zap.Error(err))
			lastErr = err
			continue
		}
		if labelID == "" {
			s.logger.Warn("Gmail label not found", zap.String("label", name))
			okCount++
			continue
		}

		call := svc.Users.Messages.List(gmailUser).LabelIds(labelID).Q(query).Context(ctx)
		if maxResults > 0 {
			call = call.MaxResults(int64(maxResults))
		}
		resp, err := call.Do()
		if err != nil {
			s.logger.Error("Gmail list failed", zap.String("label", name), zap.Error(err))
			lastErr = err
			continue
		}
		okCount++
		for _, m := range resp.Messages {
			refs = append(refs, model.MessageRef{ID: m.Id, ThreadID: m.ThreadId})
		}
		s.logger.Debug("Fetched message ids", zap.String("label", name), zap.Int("count", len(resp.Messages)))
	}

	if okCount == 0 && lastErr != nil {
		return nil, fmt.Errorf("gmail list: %w", lastErr)
	}
	return dedupRefs(refs), nil
}

// FetchContent returns nil, nil for messages that were deleted in between.
func (s *GmailSource) FetchContent(ctx context.Context, id string) (*model.Message, error) {
	svc, err := s.service(ctx)
	if err != nil {
		return nil, err
	}

	msg, err := svc.Users.Messages.Get(gmailUser, id).Format("full").Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("gmail get %s: %w", id, err)
	}

	out := &model.Message{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		Snippet:  msg.Snippet,
		Labels:   msg.LabelIds,
	}
	if msg.InternalDate > 0 {
		d := time.UnixMilli(msg.InternalDate)
		out.Date = &d
	}
	if msg.Payload != nil {
		for _, h := range msg.Payload.Headers {
			switch strings.ToLower(h.Name) {
			case "from":
				out.From = h.Value
			case "subject":
				out.Subject = h.Value
			}
		}
		out.Body = truncateChars(plainTextBody(msg.Payload), maxBodyChars)
	}
	return out, nil
}

func (s *GmailSource) service(ctx context.Context) (*gmail.Service, error) {
	if err := s.Authenticate(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.svc, nil
}

// resolveLabel returns "" when a custom label does not exist.
func (s *GmailSource) resolveLabel(ctx context.Context, svc *gmail.Service, name string) (string, error) {
	if upper := strings.ToUpper(name); systemLabels[upper] {
		return upper, nil
	}

	s.mu.Lock()
	cached := s.labels
	s.mu.Unlock()

	if cached == nil {
		resp, err := svc.Users.Labels.List(gmailUser).Context(ctx).Do()
		if err != nil {
			return "", err
		}
		cached = make(map[string]string, len(resp.Labels))
		for _, l := range resp.Labels {
			cached[strings.ToLower(l.Name)] = l.Id
		}
		s.mu.Lock()
		s.labels = cached
		s.mu.Unlock()
	}
	return cached[strings.ToLower(name)], nil
}

// plainTextBody concatenates the text/plain parts, depth first.
func plainTextBody(part *gmail.MessagePart) string {
	if len(part.Parts) == 0 {
		if part.Body == nil || part.Body.Data == "" {
			return ""
		}
		if part.MimeType != "" && !strings.HasPrefix(part.MimeType, "text/plain") {
			return ""
		}
		return decodeBase64URL(part.Body.Data)
	}

	var b strings.Builder
	for _, p := range part.Parts {
		b.WriteString(plainTextBody(p))
	}
	return b.String()
}

func decodeBase64URL(data string) string {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "=")); err == nil {
		return string(b)
	}
	return ""
}

// savingTokenSource 刷新后把新 token 写回磁盘
type savingTokenSource struct {
	base   oauth2.TokenSource
	path   string
	logger *zap.Logger

	mu   sync.Mutex
	last string
}

func (t *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := t.base.Token()
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if tok.AccessToken != t.last {
		t.last = tok.AccessToken
		if err := writeToken(t.path, tok); err != nil {
			t.logger.Warn("Failed to persist refreshed token", zap.Error(err))
		}
	}
	return tok, nil
}

func readToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("invalid token file: %w", err)
	}
	return tok, nil
}

func writeToken(path string, tok *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("unable to save oauth token: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(tok)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
