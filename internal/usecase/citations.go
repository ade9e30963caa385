package usecase

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"knowledge-agent/internal/domain"
)

var (
	// [1], [ 2 ], [Source 3], [bron #4], 【5】
	indexCitationRe = regexp.MustCompile(`(?i)[\[【]\s*(?:source|bron|doc(?:ument)?|passage)?\s*#?\s*(\d{1,2})\s*[\]】]`)
	// 📄 [menu.docx] or [menu.docx]
	nameCitationRe = regexp.MustCompile(`(?:📄\s*)?\[([^\[\]\d][^\[\]]*?\.[A-Za-z0-9]{2,5})\]`)
)

var refusalPhrases = []string{
	"i don't have that information",
	"i do not have that information",
	"ik heb die informatie niet",
	"not found in the documents",
	"niet in de documenten",
	"cannot find",
	"can't find",
	"kan niet vinden",
	"kan ik niet vinden",
	"no information about",
	"geen informatie over",
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "with": {}, "that": {}, "this": {}, "you": {},
	"your": {}, "from": {}, "have": {}, "has": {}, "can": {}, "will": {}, "not": {}, "but": {}, "all": {},
	"our": {}, "they": {}, "their": {}, "there": {}, "which": {}, "what": {}, "when": {}, "also": {},
	"een": {}, "het": {}, "van": {}, "voor": {}, "met": {}, "zijn": {}, "wordt": {}, "worden": {}, "die": {},
	"dat": {}, "niet": {}, "ook": {}, "maar": {}, "naar": {}, "bij": {}, "als": {}, "wat": {}, "kan": {},
	"moet": {}, "door": {}, "over": {}, "aan": {}, "hebben": {}, "heeft": {}, "deze": {},
}

// citedSources returns the sources explicitly cited in answer, in order of
// first citation and without duplicates. Citations that point at no supplied
// passage are ignored.
func citedSources(answer string, passages []domain.Passage) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(src string) {
		if _, ok := seen[src]; ok {
			return
		}
		seen[src] = struct{}{}
		out = append(out, src)
	}

	type hit struct {
		pos int
		src string
	}
	var hits []hit
	for _, m := range indexCitationRe.FindAllStringSubmatchIndex(answer, -1) {
		n, err := strconv.Atoi(answer[m[2]:m[3]])
		if err != nil || n < 1 || n > len(passages) {
			continue
		}
		hits = append(hits, hit{pos: m[0], src: passages[n-1].Source})
	}
	for _, m := range nameCitationRe.FindAllStringSubmatchIndex(answer, -1) {
		name := strings.TrimSpace(answer[m[2]:m[3]])
		for _, p := range passages {
			if strings.EqualFold(p.Source, name) {
				hits = append(hits, hit{pos: m[0], src: p.Source})
				break
			}
		}
	}
	// stable insertion sort by position; hit lists are tiny
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].pos < hits[j-1].pos; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
	for _, h := range hits {
		add(h.src)
	}
	return out
}

// allSources returns the distinct sources of passages in score order.
func allSources(passages []domain.Passage) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(passages))
	for _, p := range passages {
		if _, ok := seen[p.Source]; ok {
			continue
		}
		seen[p.Source] = struct{}{}
		out = append(out, p.Source)
	}
	return out
}

func isRefusal(answer string) bool {
	a := strings.ToLower(answer)
	for _, phrase := range refusalPhrases {
		if strings.Contains(a, phrase) {
			return true
		}
	}
	return false
}

// lexicalOverlap is the share of the answer's content words that also occur
// in the passages.
func lexicalOverlap(answer string, passages []domain.Passage) float64 {
	words := contentWords(answer)
	if len(words) == 0 {
		return 0
	}
	corpus := map[string]struct{}{}
	for _, p := range passages {
		for _, w := range contentWords(p.Text) {
			corpus[w] = struct{}{}
		}
	}
	matched := 0
	for _, w := range words {
		if _, ok := corpus[w]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(words))
}

func contentWords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 3 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}
