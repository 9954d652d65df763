package classifier

import (
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"jobtrail/internal/model"
)

// Job boards and applicant tracking systems; matched as substrings of the sender.
var jobSenders = []string{
	"linkedin", "indeed", "glassdoor", "ziprecruiter", "monster", "dice",
	"greenhouse.io", "lever.co", "workday", "icims", "jobvite", "smartrecruiters",
	"breezy.hr", "ashbyhq", "jazz.co", "applytojob", "myworkdayjobs",
	"taleo", "successfactors", "ultipro", "adp", "bamboohr",
}

// Role-style mailbox names; matched against the start of the local part.
var jobSenderPrefixes = []string{
	"hr", "recruiting", "careers", "talent", "jobs", "hiring",
	"recruitment", "noreply", "no-reply", "apply", "applications",
}

var jobSubjectKeywords = []string{
	"application", "interview", "position", "role", "opportunity", "candidate",
	"job", "offer", "hiring", "apply", "applied", "resume", "cv",
	"thank you for applying", "next steps", "schedule", "assessment",
	"phone screen", "technical interview", "onsite", "final round",
}

var jobBodyKeywords = []string{
	"thank you for your interest", "received your application",
	"reviewed your application", "reviewed your resume", "your application for",
	"we regret to inform", "moving forward with other candidates",
	"unfortunately", "not moving forward", "position has been filled",
	"pleased to invite", "schedule an interview", "next steps in our process",
	"would like to schedule", "technical assessment", "coding challenge",
	"offer of employment", "pleased to offer", "job offer",
	"excited to extend", "compensation package", "start date",
	"background check", "reference check", "onboarding",
}

// minBodyKeywordHits guards against generic business mail that mentions
// a single hiring phrase in passing.
const minBodyKeywordHits = 2

type statusRule struct {
	status   model.Status
	patterns []*regexp.Regexp
}

// Order is priority: a rejection that mentions the interview must read as declined.
var statusRules = []statusRule{
	{model.StatusDeclined, compileAll(
		`regret to inform`, `not moving forward`, `other candidates`,
		`unfortunately`, `position has been filled`, `decided not to`,
		`will not be moving`, `not selected`, `rejected`,
	)},
	{model.StatusInterviewing, compileAll(
		`schedule.{0,20}interview`, `interview.{0,10}scheduled`,
		`interview invit`, `invite you to.{0,20}interview`,
		`phone screen`, `technical interview`, `onsite interview`,
		`zoom meeting`, `video call`, `would like to meet`,
		`please join`, `calendar invite`, `final round`,
	)},
	{model.StatusScreening, compileAll(
		`phone screen`, `initial call`, `quick chat`,
		`recruiter call`, `introductory call`, `learn more about you`,
	)},
	{model.StatusOffer, compileAll(
		`offer of employment`, `pleased to offer`, `job offer`,
		`offer letter`, `compensation`, `start date`,
		`excited to extend`, `welcome to the team`,
	)},
	{model.StatusApplied, compileAll(
		`received your application`, `thank you for applying`,
		`application.{0,10}received`, `successfully submitted`,
		`application confirmation`,
	)},
}

// Display names that name a mailbox role rather than a company.
var genericDisplayNames = map[string]bool{
	"hr": true, "recruiting": true, "careers": true, "talent": true,
	"jobs": true, "noreply": true, "no-reply": true, "hiring": true,
	"recruitment": true, "talent acquisition": true, "do not reply": true,
}

// Domains that never identify the hiring company.
var nonCompanyDomains = map[string]bool{
	"gmail": true, "googlemail": true, "yahoo": true, "hotmail": true,
	"outlook": true, "live": true, "icloud": true, "aol": true, "proton": true,
	"protonmail": true, "greenhouse": true, "lever": true, "workday": true,
	"myworkdayjobs": true, "icims": true, "ashbyhq": true, "smartrecruiters": true,
	"jobvite": true, "taleo": true, "bamboohr": true,
}

var displayNameRE = regexp.MustCompile(`^([^<]+?)\s*<`)

const (
	unknownCompany = "Unknown Company"
	snippetLen     = 500
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

// Heuristic classifies mail with fixed keyword and pattern lists.
// It is pure and safe for concurrent use.
type Heuristic struct{}

func NewHeuristic() *Heuristic {
	return &Heuristic{}
}

// IsJobRelated applies the sender, prefix, subject and body-keyword rules
// in order and stops at the first match.
func (h *Heuristic) IsJobRelated(sender, subject, snippet string) bool {
	senderLower := strings.ToLower(sender)
	subjectLower := strings.ToLower(subject)

	for _, s := range jobSenders {
		if strings.Contains(senderLower, s) {
			return true
		}
	}

	if hasRolePrefix(localPart(senderLower)) {
		return true
	}

	for _, kw := range jobSubjectKeywords {
		if strings.Contains(subjectLower, kw) {
			return true
		}
	}

	combined := subjectLower + " " + strings.ToLower(snippet)
	hits := 0
	for _, kw := range jobBodyKeywords {
		if strings.Contains(combined, kw) {
			hits++
			if hits >= minBodyKeywordHits {
				return true
			}
		}
	}
	return false
}

// Classify returns nil when the message is not job related. Title and
// location are never derived here.
func (h *Heuristic) Classify(sender, subject, body string) *model.ClassificationResult {
	if !h.IsJobRelated(sender, subject, truncate(body, snippetLen)) {
		return nil
	}
	return &model.ClassificationResult{
		Company:  h.ExtractCompany(sender),
		JobTitle: model.Unknown,
		Location: model.Unknown,
		Status:   string(h.DetectStatus(subject + " " + body)),
		Tier:     TierHeuristic,
	}
}

// DetectStatus returns the first status category with a matching pattern,
// or StatusApplied.
func (h *Heuristic) DetectStatus(content string) model.Status {
	lower := strings.ToLower(content)
	for _, rule := range statusRules {
		for _, re := range rule.patterns {
			if re.MatchString(lower) {
				return rule.status
			}
		}
	}
	return model.StatusApplied
}

// ExtractCompany prefers the sender display name, then the registrable
// domain label of the sender address.
func (h *Heuristic) ExtractCompany(sender string) string {
	if m := displayNameRE.FindStringSubmatch(sender); m != nil {
		name := strings.Trim(strings.TrimSpace(m[1]), `"'`)
		if name != "" && !genericDisplayNames[strings.ToLower(name)] {
			return name
		}
	}

	addr := address(sender)
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return unknownCompany
	}
	label := registrableLabel(strings.ToLower(addr[at+1:]))
	if label == "" || nonCompanyDomains[label] {
		return unknownCompany
	}
	return cases.Title(language.English).String(label)
}

// registrableLabel returns "acme" for "mail.acme.co.uk".
func registrableLabel(domain string) string {
	domain = strings.Trim(domain, ". ")
	if etld1, err := publicsuffix.EffectiveTLDPlusOne(domain); err == nil {
		domain = etld1
	}
	label, _, _ := strings.Cut(domain, ".")
	return label
}

// address extracts the bare address from `Name <addr>` or returns sender.
func address(sender string) string {
	if open := strings.LastIndex(sender, "<"); open >= 0 {
		rest := sender[open+1:]
		if end := strings.Index(rest, ">"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	return strings.TrimSpace(sender)
}

func localPart(sender string) string {
	addr := address(sender)
	if at := strings.LastIndex(addr, "@"); at >= 0 {
		return addr[:at]
	}
	return ""
}

// hasRolePrefix matches "careers", "careers.eu" or "no-reply-jobs" but not
// "hristo".
func hasRolePrefix(local string) bool {
	for _, p := range jobSenderPrefixes {
		if !strings.HasPrefix(local, p) {
			continue
		}
		if len(local) == len(p) {
			return true
		}
		switch local[len(p)] {
		case '.', '-', '_', '+':
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// 不截断多字节字符
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
