package queue

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// MinMatchScore is the lowest [Queue.FindBest] score callers should treat as
// a match.
const MinMatchScore = 0.80

// FindBest returns the index of the entry that best matches query and its
// similarity in [0, 1]. Each entry is compared by its label (the resolved
// title if known, otherwise the original query). It returns -1 when the
// queue is empty or query is blank.
func (q *Queue) FindBest(query string) (index int, score float64) {
	needle := normalize(query)
	if needle == "" {
		return -1, 0
	}
	index = -1
	for i, r := range q.items {
		s := similarity(needle, normalize(r.Label()))
		if r.Resolved != nil {
			if alt := similarity(needle, normalize(r.Query)); alt > s {
				s = alt
			}
		}
		if s > score {
			index, score = i, s
		}
	}
	return index, score
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// similarity scores needle against a candidate label. A label containing the
// needle as a whole is a perfect match. Otherwise the score is the best of
// the full-string Jaro-Winkler score, the space-stripped score, and the mean
// over needle words of each word's best match in the label.
func similarity(needle, label string) float64 {
	if label == "" {
		return 0
	}
	if strings.Contains(label, needle) {
		return 1
	}
	score := matchr.JaroWinkler(needle, label, false)
	if s := matchr.JaroWinkler(strings.ReplaceAll(needle, " ", ""), strings.ReplaceAll(label, " ", ""), false); s > score {
		score = s
	}
	if s := tokenScore(strings.Fields(needle), strings.Fields(label)); s > score {
		score = s
	}
	return score
}

func tokenScore(needle, label []string) float64 {
	if len(needle) == 0 || len(label) == 0 {
		return 0
	}
	var sum float64
	for _, n := range needle {
		best := 0.0
		for _, l := range label {
			if s := matchr.JaroWinkler(n, l, false); s > best {
				best = s
			}
		}
		sum += best
	}
	return sum / float64(len(needle))
}
