package storage

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gobwas/glob"
)

// maxSetRunes bounds how many runes a negated set with several ranges may
// expand to.
const maxSetRunes = 4096

// CompileGlob compiles a shell-style pattern with the semantics of SQLite's
// GLOB operator: "*" and "?" match any character, "[...]" is a set,
// "[^...]" or "[!...]" its complement, and every other character,
// including "{", "}" and "\", matches itself.
func CompileGlob(pattern string) (glob.Glob, error) {
	expr, err := globSyntax(pattern)
	if err != nil {
		return nil, err
	}
	return glob.Compile(expr)
}

// globSyntax rewrites pattern into gobwas/glob syntax.
func globSyntax(pattern string) (string, error) {
	rs := []rune(pattern)
	var b strings.Builder
	for i := 0; i < len(rs); i++ {
		switch r := rs[i]; r {
		case '*', '?':
			b.WriteRune(r)
		case '[':
			set, negated, next := parseSet(rs, i+1)
			if next < 0 {
				return "", fmt.Errorf("unterminated set in %q", pattern)
			}
			expr, err := setSyntax(set, negated)
			if err != nil {
				return "", fmt.Errorf("%w in %q", err, pattern)
			}
			b.WriteString(expr)
			i = next - 1
		default:
			writeLiteral(&b, r)
		}
	}
	return b.String(), nil
}

// parseSet reads a set starting after its "[". A "]" right after the
// opening bracket or negation is literal, and "-" between two characters
// forms a range. next is the index after the closing "]", or -1.
func parseSet(rs []rune, i int) (ranges [][2]rune, negated bool, next int) {
	if i < len(rs) && (rs[i] == '^' || rs[i] == '!') {
		negated = true
		i++
	}
	if i < len(rs) && rs[i] == ']' {
		ranges = append(ranges, [2]rune{']', ']'})
		i++
	}
	var prior rune = -1
	for ; i < len(rs) && rs[i] != ']'; i++ {
		c := rs[i]
		if c == '-' && prior >= 0 && i+1 < len(rs) && rs[i+1] != ']' {
			ranges = append(ranges, [2]rune{prior, rs[i+1]})
			prior = -1
			i++
			continue
		}
		ranges = append(ranges, [2]rune{c, c})
		prior = c
	}
	if i >= len(rs) {
		return nil, false, -1
	}
	return ranges, negated, i + 1
}

// setSyntax renders a set. gobwas sets hold either one range or a list of
// characters, so sets with several ranges become an alternation or, when
// negated, an explicit list.
func setSyntax(ranges [][2]rune, negated bool) (string, error) {
	merged := mergeRanges(ranges)
	not := ""
	if negated {
		not = "!"
	}

	if len(merged) == 1 {
		lo, hi := merged[0][0], merged[0][1]
		if lo == hi {
			var b strings.Builder
			b.WriteString("[" + not)
			writeSetRune(&b, lo)
			b.WriteString("]")
			return b.String(), nil
		}
		if lo == '!' && !negated {
			rest, err := setSyntax([][2]rune{{lo + 1, hi}}, false)
			if err != nil {
				return "", err
			}
			return `{\!,` + rest + "}", nil
		}
		return fmt.Sprintf("[%s%c-%c]", not, lo, hi), nil
	}

	if !negated {
		parts := make([]string, len(merged))
		for i, r := range merged {
			expr, err := setSyntax([][2]rune{r}, false)
			if err != nil {
				return "", err
			}
			parts[i] = expr
		}
		return "{" + strings.Join(parts, ",") + "}", nil
	}

	total := 0
	for _, r := range merged {
		total += int(r[1]-r[0]) + 1
	}
	if total > maxSetRunes {
		return "", fmt.Errorf("negated set too large")
	}
	var b strings.Builder
	b.WriteString("[!")
	for _, r := range merged {
		for c := r[0]; c <= r[1]; c++ {
			writeSetRune(&b, c)
		}
	}
	b.WriteString("]")
	return b.String(), nil
}

// mergeRanges sorts ranges and joins overlapping or adjacent ones. Empty
// ranges are dropped.
func mergeRanges(ranges [][2]rune) [][2]rune {
	var in [][2]rune
	for _, r := range ranges {
		if r[0] <= r[1] {
			in = append(in, r)
		}
	}
	slices.SortFunc(in, func(a, b [2]rune) int { return int(a[0] - b[0]) })

	var out [][2]rune
	for _, r := range in {
		if n := len(out); n > 0 && r[0] <= out[n-1][1]+1 {
			out[n-1][1] = max(out[n-1][1], r[1])
			continue
		}
		out = append(out, r)
	}
	return out
}

func writeLiteral(b *strings.Builder, r rune) {
	switch r {
	case '\\', '{', '}', '[', ']', '*', '?':
		b.WriteByte('\\')
	}
	b.WriteRune(r)
}

func writeSetRune(b *strings.Builder, r rune) {
	switch r {
	case '\\', ']', '-', '!':
		b.WriteByte('\\')
	}
	b.WriteRune(r)
}
