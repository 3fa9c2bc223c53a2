package poll

import (
	"cmp"
	"interruption-alerts/pkg/alert"
	"slices"
	"strconv"
)

// Latest keeps the most recent message per sender and returns them newest first.
// Ties on timestamp go to the higher message ID.
func Latest(msgs []*alert.Message) []*alert.Message {
	head := make(map[string]*alert.Message, len(msgs))
	for _, m := range msgs {
		if cur, ok := head[m.Sender]; !ok || newer(m, cur) {
			head[m.Sender] = m
		}
	}

	out := make([]*alert.Message, 0, len(head))
	for _, m := range head {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b *alert.Message) int {
		if newer(a, b) {
			return -1
		}
		if newer(b, a) {
			return 1
		}
		return cmp.Compare(a.Sender, b.Sender)
	})
	return out
}

func newer(a, b *alert.Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.After(b.SentAt)
	}
	return compareIDs(a.ID, b.ID) > 0
}

// compareIDs orders numeric row IDs numerically and anything else lexically.
func compareIDs(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		return cmp.Compare(ai, bi)
	}
	return cmp.Compare(a, b)
}
