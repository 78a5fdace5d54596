package tokenparse

import (
	"fmt"
	"regexp"
	"strings"
)

// assocWindow is how many lines a bare email/account-id may trail the token
// it belongs to and still be folded into that record
const assocWindow = 3

var (
	jwtRe       = regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)
	emailRe     = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	accountIDRe = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	refreshRe   = regexp.MustCompile(`rt-[A-Za-z0-9_-]+`)
	clientIDRe  = regexp.MustCompile(`app_[A-Za-z0-9]+`)

	// field separators used by bulk exports: ----, |, tab, runs of spaces
	delimRe = regexp.MustCompile(`----|\||\t|\s{2,}`)
)

func fullMatch(re *regexp.Regexp, s string) bool {
	loc := re.FindStringIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

// Extraction is one successfully parsed import record. Lines lists every
// 1-based input line folded into the record.
type Extraction struct {
	Line  int   `json:"line"`
	Lines []int `json:"lines"`

	Token        string `json:"token"`
	Email        string `json:"email,omitempty"`
	AccountID    string `json:"accountId,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	SessionToken string `json:"sessionToken,omitempty"`
	ClientID     string `json:"clientId,omitempty"`
}

// LineError reports one input line that produced no usable record
type LineError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
}

// fragment is what a single matcher extracted from a single line
type fragment struct {
	extraction *Extraction // set when the line carried a token
	email      string      // set for a bare email line
	accountID  string      // set for a bare account-id line
}

// matcher tries one pattern against a line. Matchers are tried in
// specificity order; the first match wins.
type matcher struct {
	name  string
	apply func(line string) (fragment, bool)
}

// Parser extracts team credentials from pasted text. The matcher list is
// ordered most specific first; extending the format means appending a
// matcher, not touching the dispatch loop.
type Parser struct {
	matchers []matcher
}

// NewParser creates a parser with the default matcher set
func NewParser() *Parser {
	return &Parser{
		matchers: []matcher{
			{name: "delimited", apply: matchDelimited},
			{name: "token", apply: matchToken},
			{name: "email", apply: matchBareEmail},
			{name: "account-id", apply: matchBareAccountID},
		},
	}
}

// Parse splits text into logical records (one per non-blank line), runs the
// matcher list over each, folds trailing bare emails/account-ids into the
// nearest preceding record that still misses the field, and reports every
// line that matched nothing as a LineError. No line is silently dropped.
func (p *Parser) Parse(text string) ([]Extraction, []LineError) {
	var results []Extraction
	var failures []LineError

	lines := strings.Split(text, "\n")
	lineNo := 0
	for _, raw := range lines {
		lineNo++
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		frag, matched := p.dispatch(line)
		if !matched {
			failures = append(failures, LineError{
				Line:   lineNo,
				Reason: "no token, email or account id recognized",
			})
			continue
		}

		switch {
		case frag.extraction != nil:
			e := frag.extraction
			e.Line = lineNo
			e.Lines = []int{lineNo}
			results = append(results, *e)

		case frag.email != "":
			if !associate(results, lineNo, func(e *Extraction) bool {
				if e.Email != "" {
					return false
				}
				e.Email = frag.email
				return true
			}) {
				failures = append(failures, LineError{
					Line:   lineNo,
					Reason: fmt.Sprintf("email %q has no preceding token to attach to", frag.email),
				})
			}

		case frag.accountID != "":
			if !associate(results, lineNo, func(e *Extraction) bool {
				if e.AccountID != "" {
					return false
				}
				e.AccountID = frag.accountID
				return true
			}) {
				failures = append(failures, LineError{
					Line:   lineNo,
					Reason: fmt.Sprintf("account id %q has no preceding token to attach to", frag.accountID),
				})
			}
		}
	}

	return results, failures
}

// dispatch runs the matcher list in order
func (p *Parser) dispatch(line string) (fragment, bool) {
	for _, m := range p.matchers {
		if frag, ok := m.apply(line); ok {
			return frag, true
		}
	}
	return fragment{}, false
}

// associate folds a bare field into the nearest preceding record within the
// association window that can still claim it
func associate(results []Extraction, lineNo int, claim func(*Extraction) bool) bool {
	for i := len(results) - 1; i >= 0; i-- {
		e := &results[i]
		if lineNo-e.Line > assocWindow {
			return false
		}
		if claim(e) {
			e.Lines = append(e.Lines, lineNo)
			return true
		}
	}
	return false
}

// matchDelimited handles structured lines like
// [email]----[jwt]----[uuid], with |, tab or multi-space separators.
// Each part is classified by exact shape, so field order does not matter.
func matchDelimited(line string) (fragment, bool) {
	parts := splitNonEmpty(line)
	if len(parts) < 2 {
		return fragment{}, false
	}

	e := &Extraction{}
	for _, part := range parts {
		switch {
		case e.Token == "" && fullMatch(jwtRe, part):
			e.Token = part
		case e.Email == "" && fullMatch(emailRe, part):
			e.Email = part
		case e.AccountID == "" && fullMatch(accountIDRe, part):
			e.AccountID = part
		case e.RefreshToken == "" && fullMatch(refreshRe, part):
			e.RefreshToken = part
		case e.ClientID == "" && fullMatch(clientIDRe, part):
			e.ClientID = part
		case e.SessionToken == "" && e.Token != "" && jwtRe.MatchString(part):
			// a second JWT-shaped value on the line is the session token
			e.SessionToken = part
		}
	}

	if e.Token == "" {
		return fragment{}, false
	}
	return fragment{extraction: e}, true
}

// matchToken handles free-form lines that contain a JWT somewhere, picking
// up an email or account id sitting on the same line
func matchToken(line string) (fragment, bool) {
	tokens := jwtRe.FindAllString(line, -1)
	if len(tokens) == 0 {
		return fragment{}, false
	}

	e := &Extraction{Token: tokens[0]}
	if len(tokens) > 1 {
		e.SessionToken = tokens[1]
	}
	if email := emailRe.FindString(line); email != "" {
		e.Email = email
	}
	// strip the token before scanning for a uuid so the token body cannot
	// shadow a real account id
	rest := strings.Replace(line, e.Token, "", 1)
	if id := accountIDRe.FindString(rest); id != "" {
		e.AccountID = id
	}
	if rt := refreshRe.FindString(rest); rt != "" {
		e.RefreshToken = rt
	}
	if cid := clientIDRe.FindString(rest); cid != "" {
		e.ClientID = cid
	}
	return fragment{extraction: e}, true
}

// matchBareEmail handles a line that is exactly one email address
func matchBareEmail(line string) (fragment, bool) {
	if !fullMatch(emailRe, line) {
		return fragment{}, false
	}
	return fragment{email: line}, true
}

// matchBareAccountID handles a line that is exactly one account uuid
func matchBareAccountID(line string) (fragment, bool) {
	if !fullMatch(accountIDRe, line) {
		return fragment{}, false
	}
	return fragment{accountID: line}, true
}

func splitNonEmpty(line string) []string {
	var parts []string
	for _, p := range delimRe.Split(line, -1) {
		p = strings.TrimSpace(p)
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// ValidToken reports whether s is exactly one well-formed access token
func ValidToken(s string) bool {
	return fullMatch(jwtRe, s)
}

// ValidEmail reports whether s is exactly one well-formed email address
func ValidEmail(s string) bool {
	return fullMatch(emailRe, s)
}

// ValidAccountID reports whether s is exactly one well-formed account uuid
func ValidAccountID(s string) bool {
	return fullMatch(accountIDRe, s)
}
