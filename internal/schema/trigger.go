package schema

import "fmt"

// MergeTriggers collapses the per-event rows of information_schema.triggers
// into one Trigger per name, in first-seen order. Events are OR-combined and
// every other field is taken from the first row seen for that name.
//
// With strict set, rows that share a name but disagree on any field other
// than the event are reported as an error instead.
func MergeTriggers(rows []TriggerRow, strict bool) ([]Trigger, error) {
	var triggers []Trigger
	position := make(map[string]int)

	for _, row := range rows {
		i, seen := position[row.Name]
		if !seen {
			position[row.Name] = len(triggers)
			triggers = append(triggers, Trigger{
				Name:        row.Name,
				Timing:      row.Timing,
				Event:       row.Event,
				Orientation: row.Orientation,
				Condition:   row.Condition,
				Action:      row.Action,
			})
			continue
		}

		if strict {
			if field := conflictingField(triggers[i], row); field != "" {
				return nil, fmt.Errorf("trigger %s has rows that disagree on %s", row.Name, field)
			}
		}
		triggers[i].Event += " OR " + row.Event
	}

	return triggers, nil
}

func conflictingField(t Trigger, row TriggerRow) string {
	switch {
	case t.Timing != row.Timing:
		return "timing"
	case t.Orientation != row.Orientation:
		return "orientation"
	case t.Condition != row.Condition:
		return "condition"
	case t.Action != row.Action:
		return "action"
	}
	return ""
}
