package collective

import "golang.org/x/sync/errgroup"

// Run drives fn once per rank, each on its own goroutine, and returns the
// first error reported by any rank.
//
// A rank that fails part way through a collective leaves its peers blocked,
// so fn should only fail before or after the collective phases it drives.
func Run(comms []Comm, fn func(c Comm) error) error {
	var g errgroup.Group
	for _, c := range comms {
		g.Go(func() error {
			return fn(c)
		})
	}

	return g.Wait()
}
