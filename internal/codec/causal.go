package codec

import "improto/internal/model"

// SortCausal orders msgs so that every message follows its predecessor.
// Chains are walked backwards from each unvisited message until a visited
// message or an unresolvable After is hit; the walked segment is emitted
// oldest first. Segments of disjoint chains keep the order in which the input
// first reached them. Every input element appears exactly once in the result.
func SortCausal(msgs []*model.EncapsulatedMessage) []*model.EncapsulatedMessage {
	index := make(map[string]int, len(msgs))
	for i, m := range msgs {
		if _, ok := index[m.SHA256]; !ok {
			index[m.SHA256] = i
		}
	}

	visited := make([]bool, len(msgs))
	out := make([]*model.EncapsulatedMessage, 0, len(msgs))
	segment := make([]int, 0)

	for i := range msgs {
		if visited[i] {
			continue
		}
		segment = segment[:0]
		for cur := i; ; {
			visited[cur] = true
			segment = append(segment, cur)

			after := msgs[cur].After
			if after == "" {
				break
			}
			prev, ok := index[after]
			if !ok || visited[prev] {
				break
			}
			cur = prev
		}
		for j := len(segment) - 1; j >= 0; j-- {
			out = append(out, msgs[segment[j]])
		}
	}
	return out
}
