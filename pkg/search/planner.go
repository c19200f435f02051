package search

import (
	"fmt"
	"regexp"
	"regexp/syntax"
	"strings"

	"github.com/loghive/loghive/pkg/models"
)

// unanchoredScanCap bounds the rows examined when a regex carries no literal
// tokens and the full-text index cannot prefilter.
const unanchoredScanCap = 10000

// plan is the compiled access strategy for one FilterSpec.
type plan struct {
	where []string
	args  []any

	// verify is a per-row predicate applied in process (regex mode).
	verify func(message string) bool

	// scanCap bounds candidate rows; 0 means no cap.
	scanCap int

	warning string
}

// buildPlan validates the filter and picks the access path:
//
//  1. no text        → index scan on the time range
//  2. substring text → FTS token intersection + exact substring check in SQL
//  3. regex text     → FTS prefilter from obligatory literals + in-process
//     verify; literal-free patterns scan capped with a warning
func buildPlan(spec models.FilterSpec) (*plan, error) {
	p := &plan{}

	for _, lvl := range spec.Levels {
		if !models.Level(strings.ToLower(lvl)).Valid() {
			return nil, fmt.Errorf("%w: %q", ErrBadLevel, lvl)
		}
	}

	addIn(p, "level", lowerAll(spec.Levels))
	addIn(p, "source", spec.Sources)
	addIn(p, "category", spec.Categories)

	if spec.TimeFrom != nil {
		p.where = append(p.where, "ts >= ?")
		p.args = append(p.args, spec.TimeFrom.UTC().UnixMilli())
	}
	if spec.TimeTo != nil {
		p.where = append(p.where, "ts <= ?")
		p.args = append(p.args, spec.TimeTo.UTC().UnixMilli())
	}

	if spec.Text == "" {
		return p, nil
	}

	if spec.TextMatch == models.MatchRegex {
		return buildRegexPlan(p, spec)
	}
	return buildSubstringPlan(p, spec), nil
}

func buildSubstringPlan(p *plan, spec models.FilterSpec) *plan {
	tokens := ftsTokens(spec.Text)
	if len(tokens) > 0 {
		p.where = append(p.where,
			"id IN (SELECT rowid FROM events_fts WHERE events_fts MATCH ?)")
		p.args = append(p.args, ftsQuery(tokens))
	}
	// The token match is coarser than a substring (token boundaries, case);
	// an exact check narrows it.
	if spec.CaseSensitive {
		p.where = append(p.where, "instr(message, ?) > 0")
		p.args = append(p.args, spec.Text)
	} else {
		p.where = append(p.where, "message LIKE ? ESCAPE '\\'")
		p.args = append(p.args, "%"+escapeLike(spec.Text)+"%")
	}
	return p
}

func buildRegexPlan(p *plan, spec models.FilterSpec) (*plan, error) {
	pattern := spec.Text
	if !spec.CaseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRegex, err)
	}
	p.verify = re.MatchString

	literals := obligatoryLiterals(spec.Text)
	var tokens []string
	for _, lit := range literals {
		tokens = append(tokens, ftsTokens(lit)...)
	}
	if len(tokens) > 0 {
		p.where = append(p.where,
			"id IN (SELECT rowid FROM events_fts WHERE events_fts MATCH ?)")
		p.args = append(p.args, ftsQuery(tokens))
		return p, nil
	}

	p.scanCap = unanchoredScanCap
	p.warning = fmt.Sprintf("regex has no literal tokens; scan capped at %d rows", unanchoredScanCap)
	return p, nil
}

// obligatoryLiterals extracts literal strings every match must contain, by
// walking the parsed pattern's concatenation spine. Alternations contribute
// nothing (any branch may match); so do optional fragments.
func obligatoryLiterals(pattern string) []string {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return nil
	}
	var out []string
	collectLiterals(re.Simplify(), &out)
	return out
}

func collectLiterals(re *syntax.Regexp, out *[]string) {
	switch re.Op {
	case syntax.OpLiteral:
		if len(re.Rune) >= 3 {
			*out = append(*out, string(re.Rune))
		}
	case syntax.OpConcat:
		for _, sub := range re.Sub {
			collectLiterals(sub, out)
		}
	case syntax.OpCapture:
		collectLiterals(re.Sub[0], out)
	case syntax.OpPlus:
		// x+ guarantees at least one occurrence.
		collectLiterals(re.Sub[0], out)
	}
}

// ftsTokens splits text the way the unicode61 tokenizer does, dropping
// fragments too short to narrow the index usefully.
func ftsTokens(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' ||
			r >= '0' && r <= '9' || r > 127)
	})
	var out []string
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

// ftsQuery builds an AND-of-phrases MATCH expression.
func ftsQuery(tokens []string) string {
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " AND ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func addIn(p *plan, column string, values []string) {
	if len(values) == 0 {
		return
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")
	p.where = append(p.where, fmt.Sprintf("%s IN (%s)", column, placeholders))
	for _, v := range values {
		p.args = append(p.args, v)
	}
}

func lowerAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToLower(v)
	}
	return out
}
