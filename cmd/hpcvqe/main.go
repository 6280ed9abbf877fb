// Command hpcvqe computes the ground-state energy of a molecule with a
// variational quantum eigensolver spread over a group of ranks.
//
// Every rank runs the same program. Rank 0 reads the geometry from stdin
// (or takes a library molecule), broadcasts it, and writes the outputs;
// all ranks build the Hamiltonian, split it into sub-operators and share
// the energy evaluation through virtual QPUs.
//
//	hpcvqe --local-ranks 4 --n-hydrogens 2 < h2.xyz
//	VQE_RANK=1 VQE_SIZE=4 hpcvqe --coordinator node0:7070 < /dev/null
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
