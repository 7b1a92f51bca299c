package scoring

import (
	"context"
	"sort"
	"sync"

	"github.com/hed1ad/tokenwise/pkg/txn"
)

// ProcessBatch processes every entity independently with up to workers
// goroutines. A failure is recorded in that entity's Outcome and never
// stops its siblings. Outcomes are ordered by entity ID.
func (s *Scorer) ProcessBatch(ctx context.Context, histories map[string][]txn.Transaction, workers int) []Outcome {
	ids := make([]string, 0, len(histories))
	for id := range histories {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if workers < 1 {
		workers = 1
	}

	outcomes := make([]Outcome, len(ids))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < min(workers, len(ids)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				outcomes[i] = s.process(ctx, ids[i], histories[ids[i]])
			}
		}()
	}

	for i := range ids {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return outcomes
}
