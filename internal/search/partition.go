package search

// Span is a half-open range of record positions.
type Span struct {
	Start, End int
}

func (s Span) Len() int {
	return s.End - s.Start
}

// Partition splits n records into contiguous chunks of ceil(n/parallelism).
// The last chunk may be shorter, and there are fewer than parallelism chunks
// when the division leaves nothing for the tail. Every position appears in
// exactly one span.
func Partition(n, parallelism int) []Span {
	if n <= 0 {
		return nil
	}
	if parallelism < 1 {
		parallelism = 1
	}

	size := (n + parallelism - 1) / parallelism
	spans := make([]Span, 0, parallelism)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		spans = append(spans, Span{Start: start, End: end})
	}
	return spans
}
