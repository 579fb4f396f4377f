package transfer

import (
	"io"
	"math"
)

// progressReader counts the bytes the transport pulls from the request body
// and reports round(100*sent/total) whenever that value increases.
type progressReader struct {
	r      io.Reader
	total  int64
	sent   int64
	last   int
	report ProgressFunc
}

func newProgressReader(r io.Reader, total int64, report ProgressFunc) *progressReader {
	return &progressReader{r: r, total: total, last: -1, report: report}
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.emit()
	}
	return n, err
}

func (p *progressReader) emit() {
	if p.report == nil {
		return
	}
	pct := 100
	if p.total > 0 {
		pct = int(math.Round(100 * float64(p.sent) / float64(p.total)))
	}
	pct = min(max(pct, 0), 100)
	if pct > p.last {
		p.last = pct
		p.report(pct)
	}
}
