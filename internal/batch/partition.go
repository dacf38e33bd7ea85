package batch

// Range is a half-open interval [Start, End) of unit indexes.
type Range struct {
	Start int
	End   int
}

func (r Range) Len() int { return r.End - r.Start }

// Partition splits [0, n) into consecutive ranges of at most size units.
func Partition(n, size int) []Range {
	if n <= 0 || size <= 0 {
		return nil
	}

	chunks := make([]Range, 0, (n+size-1)/size)
	for cur := 0; cur < n; cur += size {
		chunks = append(chunks, Range{Start: cur, End: min(cur+size, n)})
	}
	return chunks
}
