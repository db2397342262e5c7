package transformer

import "sync"

// forEachHead calls work(h) for every head. With parallel set each head gets
// its own goroutine; work must only write to head-private memory so the
// result is identical to the sequential order.
func forEachHead(heads int, parallel bool, work func(h int)) {
	if !parallel || heads <= 1 {
		for h := 0; h < heads; h++ {
			work(h)
		}
		return
	}
	var wg sync.WaitGroup
	wg.Add(heads)
	for h := 0; h < heads; h++ {
		go func() {
			defer wg.Done()
			work(h)
		}()
	}
	wg.Wait()
}
