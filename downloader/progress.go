package downloader

import "log/slog"

// Percent returns written as a whole percentage of total, or -1 when total is
// unknown.
func Percent(written, total int64) int {
	if total <= 0 {
		return -1
	}
	if written >= total {
		return 100
	}
	return int(written * 100 / total)
}

type progressWriter struct {
	dest     string
	total    int64
	written  int64
	next     int64
	reported int64
	fn       ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.written += int64(len(b))
	if p.fn != nil && p.written >= p.next {
		p.fn(p.dest, p.written, p.total)
		p.reported = p.written
		p.schedule()
	}
	return len(b), nil
}

func (p *progressWriter) schedule() {
	step := int64(unknownSizeStep)
	if p.total > 0 {
		step = p.total / progressSteps
		if step < 1 {
			step = 1
		}
	}
	p.next = p.written + step
}

// finish reports the final byte count if the last write did not.
func (p *progressWriter) finish() {
	if p.fn != nil && p.reported != p.written {
		p.fn(p.dest, p.written, p.total)
		p.reported = p.written
	}
}

func logProgress(dest string, written, total int64) {
	slog.Debug("download progress",
		slog.String("dest", dest),
		slog.Int64("bytes", written),
		slog.Int64("total", total),
		slog.Int("percent", Percent(written, total)),
	)
}
