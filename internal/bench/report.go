package bench

import (
	"fmt"
	"io"
	"time"

	"github.com/alexeyco/simpletable"
	"github.com/samber/lo"
)

// Report summarizes a run.
type Report struct {
	Variant  string
	Duration time.Duration
	Results  []Result
}

// TotalHeld returns the time the lock was held by anyone.
func (r Report) TotalHeld() time.Duration {
	return lo.SumBy(r.Results, func(res Result) time.Duration { return res.Held })
}

// Share returns the fraction of the total held time that went to res.
func (r Report) Share(res Result) float64 {
	total := r.TotalHeld()
	if total == 0 {
		return 0
	}
	return float64(res.Held) / float64(total)
}

// MaxShare returns the contender with the largest share of held time.
func (r Report) MaxShare() (Result, float64) {
	if len(r.Results) == 0 {
		return Result{}, 0
	}
	top := lo.MaxBy(r.Results, func(a, b Result) bool { return a.Held > b.Held })
	return top, r.Share(top)
}

// Render writes r as a table.
func (r Report) Render(w io.Writer) error {
	table := simpletable.New()
	table.Header = &simpletable.Header{
		Cells: []*simpletable.Cell{
			{Align: simpletable.AlignCenter, Text: "ID"},
			{Align: simpletable.AlignCenter, Text: "CS (us)"},
			{Align: simpletable.AlignCenter, Text: "Loops"},
			{Align: simpletable.AlignCenter, Text: "Lock acquires"},
			{Align: simpletable.AlignCenter, Text: "Lock hold (us)"},
			{Align: simpletable.AlignCenter, Text: "Share"},
		},
	}

	for _, res := range r.Results {
		table.Body.Cells = append(table.Body.Cells, []*simpletable.Cell{
			{Align: simpletable.AlignRight, Text: fmt.Sprintf("%02d", res.ID)},
			{Align: simpletable.AlignRight, Text: fmt.Sprintf("%d", res.Section.Microseconds())},
			{Align: simpletable.AlignRight, Text: fmt.Sprintf("%d", res.Loops)},
			{Align: simpletable.AlignRight, Text: fmt.Sprintf("%d", res.Acquisitions)},
			{Align: simpletable.AlignRight, Text: fmt.Sprintf("%d", res.Held.Microseconds())},
			{Align: simpletable.AlignRight, Text: fmt.Sprintf("%.1f%%", r.Share(res)*100)},
		})
	}

	acquisitions := lo.SumBy(r.Results, func(res Result) uint64 { return res.Acquisitions })
	table.Footer = &simpletable.Footer{
		Cells: []*simpletable.Cell{
			{Align: simpletable.AlignLeft, Text: r.Variant},
			{Align: simpletable.AlignRight, Text: r.Duration.Round(time.Millisecond).String()},
			{},
			{Align: simpletable.AlignRight, Text: fmt.Sprintf("%d", acquisitions)},
			{Align: simpletable.AlignRight, Text: fmt.Sprintf("%d", r.TotalHeld().Microseconds())},
			{},
		},
	}

	table.SetStyle(simpletable.StyleCompactLite)
	_, err := fmt.Fprintln(w, table.String())
	return err
}
