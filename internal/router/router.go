// Package router decides whether an utterance maps to a deterministic tool plan
// or has to go to the language model.
package router

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/XtraWyze/AI-Assistant-v2-sub000/internal/tools"
)

//go:embed rules.yaml
var defaultRules []byte

// Mode is the routing outcome.
type Mode string

const (
	ModeToolPlan      Mode = "tool_plan"
	ModeLanguageModel Mode = "llm"
)

// Reasons reported alongside language-model decisions.
const (
	ReasonEmpty          = "empty"
	ReasonMultiIntent    = "multi_intent"
	ReasonURL            = "url"
	ReasonAmbiguous      = "ambiguous"
	ReasonNoMatch        = "no_match"
	ReasonBelowThreshold = "below_threshold"
)

// Decision is the result of Decide.
type Decision struct {
	Mode       Mode
	Confidence float64
	Intents    []tools.Intent
	Reply      string
	Rule       string
	Reason     string
}

// TieBreak names one criterion used to order competing matches.
type TieBreak string

const (
	TieBreakExact      TieBreak = "exact"
	TieBreakLength     TieBreak = "length"
	TieBreakConfidence TieBreak = "confidence"
)

// DefaultTieBreak prefers exact phrases, then longer matches, then higher confidence.
var DefaultTieBreak = []TieBreak{TieBreakExact, TieBreakLength, TieBreakConfidence}

// Reject lists capture values that make a rule decline the utterance.
type Reject struct {
	Capture string   `yaml:"capture"`
	Exact   []string `yaml:"exact"`
	Words   []string `yaml:"words"`
}

// Rule maps phrases or patterns to a single tool intent.
type Rule struct {
	Name       string            `yaml:"name"`
	Tool       string            `yaml:"tool"`
	Confidence float64           `yaml:"confidence"`
	Phrases    []string          `yaml:"phrases"`
	Patterns   []string          `yaml:"patterns"`
	Args       map[string]string `yaml:"args"`
	Reply      string            `yaml:"reply"`
	Reject     *Reject           `yaml:"reject"`

	compiled []*regexp.Regexp
}

// RuleSet is the parsed rule table.
type RuleSet struct {
	MultiIntentMarkers []string `yaml:"multi_intent_markers"`
	Rules              []Rule   `yaml:"rules"`
}

// ParseRules parses and compiles a YAML rule table.
func ParseRules(data []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.Name == "" {
			r.Name = r.Tool
		}
		if r.Tool == "" {
			return nil, fmt.Errorf("rule %d: tool is required", i)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			return nil, fmt.Errorf("rule %q: confidence %.2f out of range", r.Name, r.Confidence)
		}
		for j, p := range r.Phrases {
			r.Phrases[j] = normalize(p)
		}
		for _, p := range r.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				return nil, fmt.Errorf("rule %q: %w", r.Name, err)
			}
			r.compiled = append(r.compiled, re)
		}
	}
	return &rs, nil
}

// DefaultRules returns the built-in rule table.
func DefaultRules() *RuleSet {
	rs, err := ParseRules(defaultRules)
	if err != nil {
		panic(err)
	}
	return rs
}

// LoadRules reads a rule file, or returns the built-in table when path is empty.
func LoadRules(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	return ParseRules(data)
}

// Catalog is the static tool metadata the router consults.
type Catalog interface {
	HasTool(name string) bool
}

// Options tune routing.
type Options struct {
	Threshold float64
	TieBreak  []TieBreak
}

// Router is a HybridRouter. Decide depends only on the utterance, the rule
// table and the catalogue, so it is deterministic.
type Router struct {
	rules   *RuleSet
	catalog Catalog
	opts    Options
}

// New builds a router. A nil catalog accepts every tool.
func New(rules *RuleSet, catalog Catalog, opts Options) *Router {
	if rules == nil {
		rules = DefaultRules()
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 0.75
	}
	if len(opts.TieBreak) == 0 {
		opts.TieBreak = DefaultTieBreak
	}
	return &Router{rules: rules, catalog: catalog, opts: opts}
}

// Threshold returns the confidence needed to bypass the language model.
func (r *Router) Threshold() float64 { return r.opts.Threshold }

type candidate struct {
	order    int
	rule     *Rule
	exact    bool
	length   int
	captures map[string]string
}

// Decide routes one utterance.
func (r *Router) Decide(utterance string) Decision {
	text := normalize(utterance)
	if text == "" {
		return llm(0, ReasonEmpty)
	}
	if r.looksMultiIntent(text) {
		return llm(0, ReasonMultiIntent)
	}
	if looksLikeURL(text) {
		return llm(0, ReasonURL)
	}

	var best *candidate
	for i := range r.rules.Rules {
		rule := &r.rules.Rules[i]
		if r.catalog != nil && !r.catalog.HasTool(rule.Tool) {
			continue
		}
		c, vetoed := match(rule, text)
		if vetoed {
			return llm(0, ReasonAmbiguous)
		}
		if c == nil {
			continue
		}
		c.order = i
		if best == nil || r.better(c, best) {
			best = c
		}
	}
	if best == nil {
		return llm(0, ReasonNoMatch)
	}
	if best.rule.Confidence < r.opts.Threshold {
		d := llm(best.rule.Confidence, ReasonBelowThreshold)
		d.Rule = best.rule.Name
		return d
	}

	intent := tools.Intent{Tool: best.rule.Tool, Args: map[string]any{}}
	for k, tmpl := range best.rule.Args {
		intent.Args[k] = render(tmpl, best.captures)
	}
	return Decision{
		Mode:       ModeToolPlan,
		Confidence: best.rule.Confidence,
		Intents:    []tools.Intent{intent},
		Reply:      render(best.rule.Reply, best.captures),
		Rule:       best.rule.Name,
	}
}

func (r *Router) better(a, b *candidate) bool {
	for _, tb := range r.opts.TieBreak {
		switch tb {
		case TieBreakExact:
			if a.exact != b.exact {
				return a.exact
			}
		case TieBreakLength:
			if a.length != b.length {
				return a.length > b.length
			}
		case TieBreakConfidence:
			if a.rule.Confidence != b.rule.Confidence {
				return a.rule.Confidence > b.rule.Confidence
			}
		}
	}
	return a.order < b.order
}

func (r *Router) looksMultiIntent(text string) bool {
	padded := " " + text + " "
	for _, m := range r.rules.MultiIntentMarkers {
		if m != "" && strings.Contains(padded, m) {
			return true
		}
	}
	return false
}

// match returns the rule's best candidate. vetoed is set when a pattern matched
// but its capture hit the rule's reject list, which declines the whole utterance.
func match(rule *Rule, text string) (best *candidate, vetoed bool) {
	bare := strings.TrimRight(text, "?")
	for _, p := range rule.Phrases {
		if p != "" && (text == p || bare == p) {
			return &candidate{rule: rule, exact: true, length: len(p)}, false
		}
	}

	for _, re := range rule.compiled {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		caps := map[string]string{}
		for i, name := range re.SubexpNames() {
			if name != "" && i < len(m) {
				caps[name] = cleanCapture(m[i])
			}
		}
		if rejected(rule.Reject, caps) {
			return nil, true
		}
		if best == nil || len(m[0]) > best.length {
			best = &candidate{rule: rule, length: len(m[0]), captures: caps}
		}
	}
	return best, false
}

func rejected(rj *Reject, caps map[string]string) bool {
	if rj == nil || rj.Capture == "" {
		return false
	}
	v, ok := caps[rj.Capture]
	if !ok {
		return false
	}
	if v == "" || looksLikeURL(v) {
		return true
	}
	for _, e := range rj.Exact {
		if v == strings.ToLower(e) {
			return true
		}
	}
	for _, w := range strings.Fields(v) {
		for _, bad := range rj.Words {
			if w == strings.ToLower(bad) {
				return true
			}
		}
	}
	return false
}

var placeholder = regexp.MustCompile(`\{([a-z_][a-z0-9_]*)\}`)

func render(tmpl string, caps map[string]string) string {
	if tmpl == "" {
		return ""
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(p string) string {
		return caps[p[1:len(p)-1]]
	})
}

func cleanCapture(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"'.!?`)
}

func llm(conf float64, reason string) Decision {
	return Decision{Mode: ModeLanguageModel, Confidence: conf, Reason: reason}
}

var (
	spaceRE     = regexp.MustCompile(`\s+`)
	urlSchemeRE = regexp.MustCompile(`(?i)\bhttps?://`)
	wwwRE       = regexp.MustCompile(`(?i)\bwww\.`)
	domainRE    = regexp.MustCompile(`(?i)\b[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.[a-z]{2,}(?:/\S*)?\b`)
)

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = spaceRE.ReplaceAllString(s, " ")
	return strings.TrimRight(s, ".! ")
}

func looksLikeURL(s string) bool {
	return urlSchemeRE.MatchString(s) || wwwRE.MatchString(s) || domainRE.MatchString(s)
}
