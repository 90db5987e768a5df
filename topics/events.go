package topics

import "agora/models"

const EventShare = "share"

// MergeConsecutiveShareEvents folds runs of adjacent share events into one
// group record. The first event of a run becomes the group: its original form
// is kept as Items[0] and the group itself loses user, text and timestamps.
func MergeConsecutiveShareEvents(events []models.Event) []models.Event {
	merged := make([]models.Event, 0, len(events))
	for _, curr := range events {
		if n := len(merged); n > 0 {
			last := &merged[n-1]
			if last.Type == curr.Type && last.Type == EventShare {
				if last.Items == nil {
					first := *last
					last.Items = []models.Event{first}
					last.User = nil
					last.Text = ""
					last.Timestamp = 0
					last.TimestampISO = ""
				}
				last.Items = append(last.Items, curr)
				continue
			}
		}
		merged = append(merged, curr)
	}
	return merged
}

// eventsInWindow returns the events with start <= timestamp < end.
func eventsInWindow(events []models.Event, start, end int64) []models.Event {
	var out []models.Event
	for _, e := range events {
		if e.Timestamp >= start && e.Timestamp < end {
			out = append(out, e)
		}
	}
	return out
}
