package feed

import "sort"

// Ranked returns a new slice ordered by votes descending. Equal votes keep
// insertion order (lower Seq first). The input is never modified.
func Ranked(posts []Post) []Post {
	out := make([]Post, len(posts))
	copy(out, posts)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Votes != out[j].Votes {
			return out[i].Votes > out[j].Votes
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Top returns at most n posts of the ranked view.
func Top(posts []Post, n int) []Post {
	r := Ranked(posts)
	if n >= 0 && n < len(r) {
		r = r[:n]
	}
	return r
}
