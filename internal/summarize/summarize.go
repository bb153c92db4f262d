// Package summarize builds summaries and tags without calling a model.
package summarize

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"knowledge-base/internal/embeddings"
)

const (
	DefaultLeadWords = 40
	DefaultTagCount  = 5
	minTagRunes      = 3
)

var sentencePattern = regexp.MustCompile(`[^.!?]+[.!?]*`)

// Lead returns the leading sentences of text that fit in maxWords words.
// A first sentence longer than maxWords is cut and suffixed with "...".
func Lead(text string, maxWords int) string {
	if maxWords <= 0 {
		maxWords = DefaultLeadWords
	}
	var (
		out   []string
		count int
	)
	for _, sentence := range sentencePattern.FindAllString(text, -1) {
		words := strings.Fields(sentence)
		if len(words) == 0 {
			continue
		}
		if count+len(words) > maxWords {
			if count == 0 {
				return strings.Join(words[:maxWords], " ") + "..."
			}
			break
		}
		out = append(out, words...)
		count += len(words)
	}
	return strings.Join(out, " ")
}

// Tags returns up to n of the most frequent content words in text.
// Equal counts are ordered alphabetically.
func Tags(text string, n int) []string {
	if n <= 0 {
		n = DefaultTagCount
	}
	counts := map[string]int{}
	for _, tok := range embeddings.Tokenize(text) {
		if !candidate(tok) {
			continue
		}
		counts[tok]++
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}

func candidate(tok string) bool {
	if utf8.RuneCountInString(tok) < minTagRunes {
		return false
	}
	if _, stop := stopwords[tok]; stop {
		return false
	}
	return strings.IndexFunc(tok, func(r rune) bool { return !unicode.IsDigit(r) }) >= 0
}

var stopwords = func() map[string]struct{} {
	words := strings.Fields(`
		the and for are but not you all any can had her was one our out has his how
		its may new now old see two way who did get let put say she too use that
		with have this will your from they been were said each which their there
		what about would these other into more some than then them only also over
		such when where while after before because between through during very just
		should could being does doing those here both same under again further once
		most many much well like using used
		это как так что для или его она они мне вас нас все при над под без про
		был была были быть есть уже еще ещё только также чтобы если когда можно
	`)
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}()
