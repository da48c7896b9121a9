package classify

import "strings"

// Query types assigned to AI interactions. They label analytics and
// steer prompt construction; persistence treats them as opaque strings.
const (
	TypeGrammarCheck   = "grammar_check"
	TypeImproveWriting = "improve_writing"
	TypeSummarize      = "summarize"
	TypeCitation       = "citation"
	TypeBrainstorm     = "brainstorm"
	TypeTranslate      = "translate"
	TypeQuestion       = "question"
	TypeOther          = "other"
)

type rule struct {
	queryType string
	keywords  []string
}

// Rules are ordered; the first rule with a matching keyword wins.
var rules = []rule{
	{TypeGrammarCheck, []string{"grammar", "spelling", "typo", "punctuation", "proofread"}},
	{TypeImproveWriting, []string{"improve", "rewrite", "rephrase", "better", "polish", "clarify", "simplify", "formal"}},
	{TypeSummarize, []string{"summarize", "summary", "tl;dr", "shorten", "condense"}},
	{TypeCitation, []string{"cite", "citation", "reference", "bibliography", "source"}},
	{TypeBrainstorm, []string{"brainstorm", "ideas", "suggest", "outline", "topic"}},
	{TypeTranslate, []string{"translate", "translation"}},
	{TypeQuestion, []string{"what", "why", "how", "when", "who", "where", "?"}},
}

// QueryType maps free text to a query-type category. Deterministic and
// stateless: identical input always yields the identical category.
func QueryType(query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return TypeOther
	}
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(q, kw) {
				return r.queryType
			}
		}
	}
	return TypeOther
}
