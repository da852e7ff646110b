package engram

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// NoiseFilter rejects low-information text before it reaches the LLM.
// It operates at two granularities: per-message (pipeline pre-filter) and
// per-fact (extractor post-filter). The zero value is not usable; construct
// with NewNoiseFilter.
type NoiseFilter struct {
	minLen int
	maxLen int

	denial   []*regexp.Regexp
	metaQ    []*regexp.Regexp
	boiler   map[string]struct{}
	logLine  *regexp.Regexp
	markdown goldmark.Markdown
}

// NoiseOption configures a NoiseFilter.
type NoiseOption func(*NoiseFilter)

// WithLengthBounds overrides the minimum and maximum message length.
func WithLengthBounds(min, max int) NoiseOption {
	return func(f *NoiseFilter) { f.minLen, f.maxLen = min, max }
}

// WithDenialPatterns replaces the denial pattern set.
func WithDenialPatterns(patterns []string) NoiseOption {
	return func(f *NoiseFilter) { f.denial = compileAll(patterns) }
}

// WithMetaQuestionPatterns replaces the meta-question pattern set.
func WithMetaQuestionPatterns(patterns []string) NoiseOption {
	return func(f *NoiseFilter) { f.metaQ = compileAll(patterns) }
}

// WithBoilerplate replaces the exact-match boilerplate set.
func WithBoilerplate(phrases []string) NoiseOption {
	return func(f *NoiseFilter) {
		f.boiler = make(map[string]struct{}, len(phrases))
		for _, p := range phrases {
			f.boiler[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
		}
	}
}

// Default pattern sets. All defaults are reproducible and covered by tests.
var (
	defaultDenialPatterns = []string{
		`(?i)\bi (don'?t|do not) (have|recall|remember|know)\b`,
		`(?i)\bi have no (data|information|record)`,
		`(?i)\bno (data|information|record)s? (about|on|for)\b`,
		`我不知道`, `我没有.*(记录|信息|数据)`, `不记得`,
	}
	defaultMetaQuestionPatterns = []string{
		`(?i)\bdo you (remember|recall|know about)\b`,
		`(?i)\bwhat do you (remember|know) about\b`,
		`(?i)\bcan you (remember|recall)\b`,
		`你记得`, `你还记得`, `你知道.*吗`,
	}
	defaultBoilerplate = []string{
		"hi", "hello", "hey", "ok", "okay", "thanks", "thank you", "thx",
		"yes", "no", "yep", "nope", "sure", "got it", "sounds good",
		"nice", "great", "cool", "good", "lgtm",
		"你好", "您好", "谢谢", "好的", "好", "嗯", "可以", "行", "收到",
	}
)

// logLinePattern matches typical log-prefix lines:
// "2026-01-02 15:04:05 INFO ..." or "[INFO] ..." or "ERROR: ...".
var logLinePattern = regexp.MustCompile(
	`^(\d{4}-\d{2}-\d{2}[ T]\d{2}:\d{2}|\[(DEBUG|INFO|WARN|WARNING|ERROR|FATAL)\]|(DEBUG|INFO|WARN|WARNING|ERROR|FATAL):)`)

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			out = append(out, re)
		}
	}
	return out
}

// NewNoiseFilter builds a filter with the documented defaults: length floor
// 10, ceiling 5000, EN+ZH denial/meta-question/boilerplate patterns.
func NewNoiseFilter(opts ...NoiseOption) *NoiseFilter {
	f := &NoiseFilter{
		minLen:   10,
		maxLen:   5000,
		denial:   compileAll(defaultDenialPatterns),
		metaQ:    compileAll(defaultMetaQuestionPatterns),
		logLine:  logLinePattern,
		markdown: goldmark.New(),
	}
	WithBoilerplate(defaultBoilerplate)(f)
	for _, o := range opts {
		o(f)
	}
	return f
}

// IsNoiseMessage reports whether a transcript message carries no extractable
// information. Used by the pipeline before chunking.
func (f *NoiseFilter) IsNoiseMessage(s string) bool {
	t := strings.TrimSpace(s)
	if len(t) < f.minLen || len(t) > f.maxLen {
		return true
	}
	lower := strings.ToLower(t)
	if _, ok := f.boiler[lower]; ok {
		return true
	}
	for _, re := range f.denial {
		if re.MatchString(t) {
			return true
		}
	}
	for _, re := range f.metaQ {
		if re.MatchString(t) {
			return true
		}
	}
	if isPureJSON(t) || f.isLogOutput(t) || f.isMarkdownStructural(t) {
		return true
	}
	return false
}

// IsNoiseFact reports whether an extracted (key, value) pair should be
// dropped. The key has already passed grammar validation; this rejects
// values that are denials, boilerplate, or structural junk.
func (f *NoiseFilter) IsNoiseFact(key, value string) bool {
	t := strings.TrimSpace(value)
	if t == "" {
		return true
	}
	lower := strings.ToLower(t)
	if _, ok := f.boiler[lower]; ok {
		return true
	}
	for _, re := range f.denial {
		if re.MatchString(t) {
			return true
		}
	}
	// Structured agent records carry JSON values legitimately.
	if !strings.HasPrefix(key, "agent.") && len(t) > f.maxLen {
		return true
	}
	return false
}

// isPureJSON reports whether the whole message is a JSON value.
func isPureJSON(s string) bool {
	if len(s) == 0 {
		return false
	}
	switch s[0] {
	case '{', '[':
	default:
		return false
	}
	return json.Valid([]byte(s))
}

// isLogOutput reports whether every non-blank line looks like log output.
func (f *NoiseFilter) isLogOutput(s string) bool {
	lines := strings.Split(s, "\n")
	seen := false
	for _, ln := range lines {
		ln = strings.TrimSpace(ln)
		if ln == "" {
			continue
		}
		seen = true
		if !f.logLine.MatchString(ln) {
			return false
		}
	}
	return seen
}

// isMarkdownStructural parses the message as markdown and reports whether
// every top-level block is pure structure: headings, lists, thematic breaks,
// or fenced/indented code. A message that is all scaffolding and no prose
// carries nothing worth extracting.
func (f *NoiseFilter) isMarkdownStructural(s string) bool {
	src := []byte(s)
	doc := f.markdown.Parser().Parse(text.NewReader(src))

	blocks := 0
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		blocks++
		switch n.Kind() {
		case ast.KindHeading, ast.KindList, ast.KindThematicBreak,
			ast.KindFencedCodeBlock, ast.KindCodeBlock, ast.KindHTMLBlock:
			// structural
		default:
			return false
		}
	}
	return blocks > 0
}
