package bufsync

import "github.com/samiralibabic/merlind/internal/merlin"

// Region is a diagnostic translated to buffer offsets.
type Region struct {
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Message string `json:"message"`
}

func Regions(t *Text, diags []merlin.Diagnostic) []Region {
	out := make([]Region, 0, len(diags))
	for _, d := range diags {
		start, end := t.Offset(d.Start), t.Offset(d.End)
		if end < start {
			end = start
		}
		out = append(out, Region{Start: start, End: end, Message: d.Message})
	}
	return out
}

// MessageAt returns the message of the first region whose lines contain
// offset, counting the newline before the first line. Empty if none does.
func MessageAt(t *Text, regions []Region, offset int) string {
	for _, r := range regions {
		from := r.Start - t.Position(r.Start).Col - 1
		to := t.lineEnd(t.Position(r.End).Line - 1)
		if offset >= from && offset <= to {
			return r.Message
		}
	}
	return ""
}
