package node

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"github.com/netvolve/netvolve/internal/attrs"
)

// MaxNodes bounds the size of a generated node set.
const MaxNodes = 100_000_000

// FromCmd materializes a node set from a descriptor command against the
// model's node attribute scope. Supported forms:
//
//	*N;min        N nodes, every attribute at its range minimum
//	*N;max        N nodes, every attribute at its range maximum
//	*N;rand_S     N nodes, attributes drawn uniformly with seed S
//
// The descriptor is the general input named by the experiment. Only these
// generated forms are accepted; node sets are not read from files.
func FromCmd(cmd string, scope *attrs.Scope) (Nodes, error) {
	cmd = strings.TrimSpace(cmd)
	if !strings.HasPrefix(cmd, "*") {
		return nil, fmt.Errorf("invalid node descriptor %q", cmd)
	}
	parts := strings.SplitN(cmd[1:], ";", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid node descriptor %q: want *N;mode", cmd)
	}

	count, err := strconv.Atoi(parts[0])
	if err != nil || count < 1 {
		return nil, fmt.Errorf("invalid node count in descriptor %q", cmd)
	}
	if count > MaxNodes {
		return nil, fmt.Errorf("node descriptor %q exceeds %d nodes", cmd, MaxNodes)
	}

	fill, err := fillFunc(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid node descriptor %q: %w", cmd, err)
	}

	nodes := make(Nodes, count)
	for id := 0; id < count; id++ {
		a := attrs.NewAttributes(scope)
		for _, name := range scope.Names() {
			if err := a.Set(name, fill(scope.Range(name))); err != nil {
				return nil, err
			}
		}
		nodes[id] = New(id, a)
	}
	return nodes, nil
}

func fillFunc(mode string) (func(*attrs.Range) attrs.Value, error) {
	switch {
	case mode == "min":
		return func(r *attrs.Range) attrs.Value { return r.Min() }, nil
	case mode == "max":
		return func(r *attrs.Range) attrs.Value { return r.Max() }, nil
	case strings.HasPrefix(mode, "rand_"):
		seed, err := strconv.ParseInt(mode[len("rand_"):], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad random seed %q", mode)
		}
		rng := rand.New(rand.NewSource(seed))
		return func(r *attrs.Range) attrs.Value { return r.Rand(rng) }, nil
	}
	return nil, fmt.Errorf("unknown fill mode %q", mode)
}
