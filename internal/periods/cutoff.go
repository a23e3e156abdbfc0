package periods

import "time"

const defaultFirstCutoffDay = 15

// Window is one generated cutoff range.
type Window struct {
	Name     string
	Start    time.Time
	End      time.Time
	PayDate  time.Time
	Sequence int
}

// Windows returns the cutoff windows of a cycle for one month. Semi-monthly cycles split
// at FirstCutoffDay (1-15 and 16-end of month by default); monthly cycles cover the
// whole month.
func Windows(c Cycle, year int, month time.Month) []Window {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)
	if c.Frequency != FrequencySemiMonthly {
		return []Window{window(c, first, last, 1)}
	}
	split := c.FirstCutoffDay
	if split <= 0 {
		split = defaultFirstCutoffDay
	}
	mid := time.Date(year, month, split, 0, 0, 0, 0, time.UTC)
	return []Window{
		window(c, first, mid, 1),
		window(c, mid.AddDate(0, 0, 1), last, 2),
	}
}

func window(c Cycle, start, end time.Time, seq int) Window {
	return Window{
		Name:     defaultName(start, end),
		Start:    start,
		End:      end,
		PayDate:  end.AddDate(0, 0, c.PayDateOffsetDays),
		Sequence: seq,
	}
}
