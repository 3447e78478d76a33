// Package searchtree implements the boolean query language: AND/OR/NOT
// over quoted phrases and bare words, parsed into a tree that can be
// evaluated three different ways depending on what's available to test
// against (exact text, a bloom filter, or a caller-supplied per-batch
// fragment predicate).
package searchtree

import (
	"strings"

	"github.com/cube-drone/logmunch/pkg/fragment"
)

// BloomFilter is the minimal surface searchtree needs from a bloom
// filter implementation; pkg/minute's sealed-minute bloom satisfies it.
type BloomFilter interface {
	TestString(s string) bool
}

// Kind discriminates the node variants of a Tree.
type Kind int

const (
	KindNone Kind = iota
	KindToken
	KindNot
	KindAnd
	KindOr
)

// Tree is a node in the parsed boolean query. Exactly one of the
// fields relevant to Kind is populated.
type Tree struct {
	Kind     Kind
	Token    string              // KindToken: the literal (lowercased) text
	Trigrams map[string]struct{} // KindToken: precomputed at parse time
	Child    *Tree               // KindNot
	Left     *Tree               // KindAnd, KindOr
	Right    *Tree               // KindAnd, KindOr
}

func none() *Tree { return &Tree{Kind: KindNone} }

func newToken(text string) *Tree {
	return &Tree{Kind: KindToken, Token: text, Trigrams: fragment.ExplodeSet(text)}
}

// Search is a parsed query: the original string plus its tree.
type Search struct {
	Query string
	Tree  *Tree
}

// New parses a query string into a Search. The grammar is permissive:
// unmatched parentheses and stray operators degrade gracefully rather
// than erroring.
func New(query string) *Search {
	tokens := Tokenize(query)
	return &Search{Query: query, Tree: BuildTree(tokens)}
}

func (s *Search) Test(text string) bool { return s.Tree.Test(text) }

func (s *Search) LambdaTest(pred func(trigrams map[string]struct{}) bool) bool {
	return s.Tree.LambdaTest(pred)
}

func (s *Search) BloomTest(filter BloomFilter) bool { return s.Tree.BloomTest(filter) }

// ListTrigrams returns every trigram referenced by the tree outside of
// a Not subtree.
func (s *Search) ListTrigrams() map[string]struct{} { return s.Tree.ListTrigrams() }

// Tokenize splits a query string into structural tokens: "(", ")", "!",
// "|", quoted phrases (as single tokens, quotes stripped), and bare
// words. "&" is not special here — it only acts as an explicit AND
// operator in BuildTree when it shows up as its own whitespace-
// separated token; implicit AND (two tokens with nothing between them)
// is already the default. Backslash escapes the following character.
// The whole string is lowercased first: queries are case-insensitive.
func Tokenize(query string) []string {
	tokens := make([]string, 0)
	var current []rune
	escape := false
	inQuotes := false

	for _, ch := range strings.ToLower(query) {
		switch {
		case escape:
			current = append(current, ch)
			escape = false
		case inQuotes && ch == '"':
			tokens = append(tokens, string(current))
			current = nil
			inQuotes = false
		case len(current) == 0 && ch == '"':
			inQuotes = true
		case inQuotes:
			current = append(current, ch)
		case len(current) == 0 && ch == '(':
			tokens = append(tokens, "(")
		case ch == ')':
			tokens = append(tokens, ")")
		case len(current) == 0 && ch == '!':
			tokens = append(tokens, "!")
		case len(current) == 0 && ch == '|':
			tokens = append(tokens, "|")
		case ch == ' ':
			if len(current) > 0 {
				tokens = append(tokens, string(current))
				current = nil
			}
		case ch == '\\':
			escape = true
		default:
			current = append(current, ch)
		}
	}
	if len(current) > 0 {
		tokens = append(tokens, string(current))
	}
	return tokens
}

// BuildTree runs the shift/reduce parse described in spec.md section
// 4.2 over a token stream.
func BuildTree(tokens []string) *Tree {
	return buildTree(tokens, false)
}

func buildTree(tokens []string, pendingNegation bool) *Tree {
	stack := make([]*Tree, 0, 2)
	i := 0

	for i < len(tokens) {
		tok := tokens[i]
		switch {
		case tok == "(":
			depth := 1
			j := i + 1
			for j < len(tokens) {
				if tokens[j] == "(" {
					depth++
				} else if tokens[j] == ")" {
					depth--
					if depth == 0 {
						break
					}
				}
				j++
			}
			sub := BuildTree(tokens[i+1 : j])
			if pendingNegation {
				stack = append(stack, &Tree{Kind: KindNot, Child: sub})
				pendingNegation = false
			} else {
				stack = append(stack, sub)
			}
			i = j

		case tok == "!":
			pendingNegation = !pendingNegation

		case tok == "|" && len(stack) > 0:
			pendingNegation = false
			left := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			right := BuildTree(tokens[i+1:])
			stack = append(stack, &Tree{Kind: KindOr, Left: left, Right: right})
			i = len(tokens)
			continue

		case tok == "|" && len(stack) == 0:
			pendingNegation = false

		case tok == "&" && len(stack) > 0:
			pendingNegation = false
			left := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			right := BuildTree(tokens[i+1:])
			stack = append(stack, &Tree{Kind: KindAnd, Left: left, Right: right})
			i = len(tokens)
			continue

		case len(stack) == 1:
			left := stack[0]
			stack = stack[:0]
			right := buildTree(tokens[i:], pendingNegation)
			stack = append(stack, &Tree{Kind: KindAnd, Left: left, Right: right})
			i = len(tokens)
			continue

		default:
			if pendingNegation {
				stack = append(stack, &Tree{Kind: KindNot, Child: newToken(tok)})
				pendingNegation = false
			} else {
				stack = append(stack, newToken(tok))
			}
		}
		i++
	}

	switch len(stack) {
	case 0:
		return none()
	case 1:
		return stack[0]
	default:
		and := &Tree{Kind: KindAnd, Left: stack[1], Right: stack[0]}
		if pendingNegation {
			return &Tree{Kind: KindNot, Child: and}
		}
		return and
	}
}

// ListTrigrams returns the union of trigrams referenced by Token nodes
// not nested under a Not. Not subtrees contribute nothing: a bloom or
// fragment set containing a token's trigrams doesn't mean the negated
// phrase is present (see BloomTest below).
func (t *Tree) ListTrigrams() map[string]struct{} {
	switch t.Kind {
	case KindToken:
		out := make(map[string]struct{}, len(t.Trigrams))
		for k := range t.Trigrams {
			out[k] = struct{}{}
		}
		return out
	case KindAnd, KindOr:
		out := t.Left.ListTrigrams()
		for k := range t.Right.ListTrigrams() {
			out[k] = struct{}{}
		}
		return out
	default: // KindNone, KindNot
		return make(map[string]struct{})
	}
}

// Test is exact case-insensitive substring matching at the leaves.
func (t *Tree) Test(event string) bool {
	switch t.Kind {
	case KindNone:
		return true
	case KindToken:
		return strings.Contains(strings.ToLower(event), t.Token)
	case KindNot:
		return !t.Child.Test(event)
	case KindAnd:
		return t.Left.Test(event) && t.Right.Test(event)
	case KindOr:
		if t.Left.Kind == KindNone {
			return t.Right.Test(event)
		}
		if t.Right.Kind == KindNone {
			return t.Left.Test(event)
		}
		return t.Left.Test(event) || t.Right.Test(event)
	}
	return true
}

// BloomTest returns true iff the filter cannot rule out a match: every
// leaf's trigrams must be present in filter. Not subtrees always return
// true — a bloom filter containing the trigrams of "writable" doesn't
// mean the minute contains the word "writable", so it can never prove
// the minute lacks it either.
func (t *Tree) BloomTest(filter BloomFilter) bool {
	switch t.Kind {
	case KindNone:
		return true
	case KindToken:
		for trigram := range t.Trigrams {
			if !filter.TestString(trigram) {
				return false
			}
		}
		return true
	case KindNot:
		return true
	case KindAnd:
		return t.Left.BloomTest(filter) && t.Right.BloomTest(filter)
	case KindOr:
		if t.Left.Kind == KindNone {
			return t.Right.BloomTest(filter)
		}
		if t.Right.Kind == KindNone {
			return t.Left.BloomTest(filter)
		}
		return t.Left.BloomTest(filter) || t.Right.BloomTest(filter)
	}
	return true
}

// LambdaTest evaluates leaves through a caller-supplied predicate over
// a trigram set (used by Minute.Search to probe per-batch fragment
// presence without exposing storage details to this package). Not
// subtrees return true for the same reason as BloomTest.
func (t *Tree) LambdaTest(pred func(trigrams map[string]struct{}) bool) bool {
	switch t.Kind {
	case KindNone:
		return true
	case KindToken:
		return pred(t.Trigrams)
	case KindNot:
		return true
	case KindAnd:
		return t.Left.LambdaTest(pred) && t.Right.LambdaTest(pred)
	case KindOr:
		if t.Left.Kind == KindNone {
			return t.Right.LambdaTest(pred)
		}
		if t.Right.Kind == KindNone {
			return t.Left.LambdaTest(pred)
		}
		return t.Left.LambdaTest(pred) || t.Right.LambdaTest(pred)
	}
	return true
}
