package mailsource

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/jhillyerd/enmime"
	"go.uber.org/zap"

	"jobtrail/internal/model"
	"jobtrail/pkg/config"
)

type imapLocation struct {
	folder string
	uid    uint32
}

// imapSession is the subset of *client.Client the source uses.
type imapSession interface {
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	UidSearch(criteria *imap.SearchCriteria) ([]uint32, error)
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Noop() error
	Logout() error
}

// IMAPSource reads folders of one IMAP account. Message ids are Message-ID
// header values; folders play the role of labels.
type IMAPSource struct {
	cfg    config.IMAPConfig
	logger *zap.Logger
	dial   func() (imapSession, error)

	mu     sync.Mutex
	client imapSession
	index  map[string]imapLocation
}

func NewIMAPSource(cfg config.IMAPConfig, logger *zap.Logger) *IMAPSource {
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	s := &IMAPSource{cfg: cfg, logger: logger, index: make(map[string]imapLocation)}
	s.dial = s.dialTLS
	return s
}

func (s *IMAPSource) Name() string { return "imap" }

func (s *IMAPSource) IsConfigured() bool {
	return s.cfg.Enabled && s.cfg.Host != "" && s.cfg.Username != ""
}

// Authenticate dials and logs in; a live session is reused.
func (s *IMAPSource) Authenticate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectLocked(ctx)
}

// connectLocked reuses a live session and redials one the server dropped.
func (s *IMAPSource) connectLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.client != nil {
		err := s.client.Noop()
		if err == nil {
			return nil
		}
		s.logger.Warn("IMAP session lost, reconnecting", zap.Error(err))
		s.dropSessionLocked()
	}

	c, err := s.dial()
	if err != nil {
		return err
	}
	s.client = c
	s.logger.Info("Connected to IMAP server", zap.String("host", s.cfg.Host), zap.String("user", s.cfg.Username))
	return nil
}

func (s *IMAPSource) dialTLS() (imapSession, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	c, err := client.DialTLS(addr, &tls.Config{
		ServerName: s.cfg.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	c.Timeout = 30 * time.Second

	if err := c.Login(s.cfg.Username, s.cfg.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}
	return c, nil
}

// dropSessionLocked 丢弃当前会话，下次调用时重新连接
func (s *IMAPSource) dropSessionLocked() {
	if s.client == nil {
		return
	}
	_ = s.client.Logout()
	s.client = nil
}

// Close logs out of the session, if any.
func (s *IMAPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Logout()
	s.client = nil
	return err
}

// FetchMessageIDs runs UID SEARCH SINCE in each folder and keeps the newest
// maxResults per folder. A folder that fails is logged and skipped; when every
// folder fails the session is dropped and the last error returned.
func (s *IMAPSource) FetchMessageIDs(ctx context.Context, lookbackHours, maxResults int, labels []string) ([]model.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(ctx); err != nil {
		return nil, err
	}

	folders := labels
	if len(folders) == 0 {
		folders = s.cfg.Folders
	}
	if len(folders) == 0 {
		folders = []string{"INBOX"}
	}

	since := time.Now().Add(-time.Duration(lookbackHours) * time.Hour)
	var (
		refs    []model.MessageRef
		lastErr error
		okCount int
	)
	for _, folder := range folders {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		folderRefs, err := s.listFolderLocked(folder, since, maxResults)
		if err != nil {
			s.logger.Error("IMAP folder listing failed", zap.String("folder", folder), zap.Error(err))
			lastErr = err
			continue
		}
		okCount++
		refs = append(refs, folderRefs...)
	}

	if okCount == 0 && lastErr != nil {
		s.dropSessionLocked()
		return nil, fmt.Errorf("imap list: %w", lastErr)
	}
	return dedupRefs(refs), nil
}

func (s *IMAPSource) listFolderLocked(folder string, since time.Time, maxResults int) ([]model.MessageRef, error) {
	if _, err := s.client.Select(folder, true); err != nil {
		return nil, fmt.Errorf("failed to select folder: %w", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = since
	uids, err := s.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	// UID 越大越新
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })
	if maxResults > 0 && len(uids) > maxResults {
		uids = uids[:maxResults]
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)
	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier, Fields: []string{"References"}},
		Peek:         true,
	}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var refs []model.MessageRef
	for msg := range messages {
		if msg.Envelope == nil {
			continue
		}
		id := messageIDOrSynthetic(msg.Envelope.MessageId, folder, msg.Uid)
		references := ""
		if lit := bodyLiteral(msg, section); lit != nil {
			references = headerValue(lit, "References")
		}
		s.index[id] = imapLocation{folder: folder, uid: msg.Uid}
		refs = append(refs, model.MessageRef{
			ID:       id,
			ThreadID: ThreadKey(references, msg.Envelope.InReplyTo, id),
		})
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch envelopes: %w", err)
	}
	return refs, nil
}

// FetchContent reads the full message and parses it with enmime. Ids not
// seen by FetchMessageIDs in this process return nil, nil.
func (s *IMAPSource) FetchContent(ctx context.Context, id string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.connectLocked(ctx); err != nil {
		return nil, err
	}

	loc, ok := s.index[id]
	if !ok {
		return nil, nil
	}
	if _, err := s.client.Select(loc.folder, true); err != nil {
		s.dropSessionLocked()
		return nil, fmt.Errorf("failed to select folder: %w", err)
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(loc.uid)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var raw []byte
	var internalDate time.Time
	for msg := range messages {
		internalDate = msg.InternalDate
		if lit := bodyLiteral(msg, section); lit != nil {
			raw, _ = io.ReadAll(lit)
		}
	}
	if err := <-done; err != nil {
		s.dropSessionLocked()
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	return parseRFC822(id, loc.folder, raw, internalDate)
}

func parseRFC822(id, folder string, raw []byte, internalDate time.Time) (*model.Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	body := env.Text
	if body == "" && env.HTML != "" {
		// enmime 通常会把纯 HTML 邮件降级成文本，这里兜底
		body = strings.TrimSpace(env.HTML)
	}

	msg := &model.Message{
		ID:       id,
		ThreadID: ThreadKey(env.GetHeader("References"), env.GetHeader("In-Reply-To"), id),
		From:     env.GetHeader("From"),
		Subject:  env.GetHeader("Subject"),
		Body:     truncateChars(body, maxBodyChars),
		Labels:   []string{folder},
	}
	msg.Snippet = makeSnippet(msg.Body)

	if d, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		msg.Date = &d
	} else if !internalDate.IsZero() {
		msg.Date = &internalDate
	}
	return msg, nil
}

// ThreadKey picks the conversation root: the first References entry, then
// In-Reply-To, then the message's own id.
func ThreadKey(references, inReplyTo, messageID string) string {
	if refs := strings.Fields(references); len(refs) > 0 {
		return refs[0]
	}
	if irt := strings.Fields(inReplyTo); len(irt) > 0 {
		return irt[0]
	}
	return strings.TrimSpace(messageID)
}

// bodyLiteral 服务器回显的 section 可能不带 PEEK，找不到时取任意一个
func bodyLiteral(msg *imap.Message, section *imap.BodySectionName) imap.Literal {
	if lit := msg.GetBody(section); lit != nil {
		return lit
	}
	for _, lit := range msg.Body {
		if lit != nil {
			return lit
		}
	}
	return nil
}

func messageIDOrSynthetic(messageID, folder string, uid uint32) string {
	if id := strings.TrimSpace(messageID); id != "" {
		return id
	}
	return fmt.Sprintf("imap:%s:%d", folder, uid)
}

func headerValue(r io.Reader, name string) string {
	data, err := io.ReadAll(r)
	if err != nil {
		return ""
	}
	// 只取到了头部字段，补一个空行让 net/mail 能解析
	m, err := mail.ReadMessage(bytes.NewReader(append(bytes.TrimRight(data, "\r\n"), "\r\n\r\n"...)))
	if err != nil {
		return ""
	}
	return m.Header.Get(name)
}
