package timeline

import (
	"sort"

	"github.com/lalith-99/portalchat/internal/models"
)

// The merge functions below are the whole contract of the message cache.
// Each returns a fresh slice that is unique by ID and non-decreasing by
// CreatedAt (ties broken by ID), whatever order the inputs arrived in.
// Inputs are never modified.

// MergeOlder merges a page of older history into existing. Messages whose
// ID is already cached are dropped; the cached copy wins.
func MergeOlder(existing, older []models.Message) []models.Message {
	seen := make(map[string]struct{}, len(existing)+len(older))
	out := make([]models.Message, 0, len(existing)+len(older))
	for _, m := range existing {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	for _, m := range older {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	sortMessages(out)
	return out
}

// ReplaceNewest installs a freshly fetched newest page over existing. Cached
// messages newer than the page's newest entry are kept, since they arrived
// live while the page was in flight; everything older is dropped so the
// cache never holds a gap that paging back from its oldest entry would skip.
func ReplaceNewest(existing, page []models.Message) []models.Message {
	page = Normalize(page)
	if len(page) == 0 {
		return Normalize(existing)
	}
	newest := page[len(page)-1]
	var live []models.Message
	for _, m := range existing {
		if after(m, newest) {
			live = append(live, m)
		}
	}
	return MergeOlder(page, live)
}

// AppendLive adds msg unless a message with the same ID is cached. The
// second result reports whether msg was added.
func AppendLive(existing []models.Message, msg models.Message) ([]models.Message, bool) {
	for _, m := range existing {
		if m.ID == msg.ID {
			return existing, false
		}
	}
	out := make([]models.Message, 0, len(existing)+1)
	out = append(out, existing...)
	out = append(out, msg)
	sortMessages(out)
	return out, true
}

// Normalize dedups and sorts an arbitrary slice; the first occurrence of an
// ID wins.
func Normalize(ms []models.Message) []models.Message {
	return MergeOlder(ms, nil)
}

// NewIDs counts how many of incoming are not present in existing.
func NewIDs(existing, incoming []models.Message) int {
	seen := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		seen[m.ID] = struct{}{}
	}
	n := 0
	for _, m := range incoming {
		if _, ok := seen[m.ID]; !ok {
			seen[m.ID] = struct{}{}
			n++
		}
	}
	return n
}

func after(a, b models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func sortMessages(ms []models.Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
