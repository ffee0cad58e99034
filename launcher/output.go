package launcher

import (
	"bufio"
	"io"
)

// streamLines copies r line by line to sink until r is exhausted. A
// nil sink just drains r so the child never blocks on a full pipe.
func streamLines(r io.Reader, sink func(line string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if sink != nil {
			sink(scanner.Text())
		}
	}
}
