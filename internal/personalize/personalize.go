// Package personalize selects the per-subscriber content subset.
package personalize

import (
	"sort"
	"strings"

	"github.com/Kdhungel/ai-newsletter-system/internal/model"
)

// Select returns the ordered subset of items for a subscriber with the given
// interests. Items are scored by the number of matching tags; items with at
// least one match are returned in descending score order, ties broken by
// original position. An empty interest set, or a set matching nothing, falls
// back to the full item set so no subscriber ever receives an empty message.
// A positive max caps the result length.
//
// Select is a pure function: identical inputs always yield identical output.
func Select(items []model.ContentItem, interests []string, max int) []model.ContentItem {
	wanted := make(map[string]bool, len(interests))
	for _, tag := range interests {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag != "" {
			wanted[tag] = true
		}
	}

	type scored struct {
		item  model.ContentItem
		score int
		pos   int
	}

	var matched []scored
	if len(wanted) > 0 {
		for i, item := range items {
			score := 0
			for _, tag := range item.Tags {
				if wanted[strings.ToLower(tag)] {
					score++
				}
			}
			if score > 0 {
				matched = append(matched, scored{item: item, score: score, pos: i})
			}
		}
	}

	var out []model.ContentItem
	if len(matched) == 0 {
		out = append(out, items...)
	} else {
		sort.SliceStable(matched, func(i, j int) bool {
			if matched[i].score != matched[j].score {
				return matched[i].score > matched[j].score
			}
			return matched[i].pos < matched[j].pos
		})
		for _, m := range matched {
			out = append(out, m.item)
		}
	}

	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}
