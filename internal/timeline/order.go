package timeline

import (
	"cmp"
	"slices"

	"github.com/framecast/api/internal/model"
)

// RenderOrder returns events in paint order: ascending layer (missing layer is 0),
// ties keeping input order so later events paint over earlier ones. The input
// slice is not modified.
func RenderOrder(events []model.TimelineEvent) []model.TimelineEvent {
	ordered := slices.Clone(events)
	slices.SortStableFunc(ordered, func(a, b model.TimelineEvent) int {
		return cmp.Compare(a.LayerOrZero(), b.LayerOrZero())
	})
	return ordered
}

// RenderOrderIDs returns the ids of events in paint order.
func RenderOrderIDs(events []model.TimelineEvent) []string {
	ordered := RenderOrder(events)
	ids := make([]string, len(ordered))
	for i, ev := range ordered {
		ids[i] = ev.ID
	}
	return ids
}

// Duration returns the length of doc in frames, the latest event end.
func Duration(doc *model.TimelineDocument) int {
	max := 0
	for _, ev := range doc.Events {
		if end := ev.EndFrame(); end > max {
			max = end
		}
	}
	return max
}

// DurationSeconds converts Duration to seconds at the document frame rate.
func DurationSeconds(doc *model.TimelineDocument) float64 {
	if doc.FPS <= 0 {
		return 0
	}
	return float64(Duration(doc)) / float64(doc.FPS)
}

// VisibleAt returns the events active at frame (start <= frame < end), in paint order.
func VisibleAt(doc *model.TimelineDocument, frame int) []model.TimelineEvent {
	var visible []model.TimelineEvent
	for _, ev := range RenderOrder(doc.Events) {
		if ev.StartFrame() <= frame && frame < ev.EndFrame() {
			visible = append(visible, ev)
		}
	}
	return visible
}
