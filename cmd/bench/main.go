package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrgroup/internal/groupsim"
	"github.com/ryandielhenn/zephyrgroup/pkg/statetransfer"
)

func main() {
	nodes := flag.Int("nodes", 5, "group size")
	msgs := flag.Int("n", 5000, "multicasts per run")
	kill := flag.Int("kill", 0, "members crashed halfway through")
	join := flag.Int("join", 0, "members joining halfway through")
	strategy := flag.String("transfer", "simple", "state transfer strategy: simple | full")
	valSize := flag.Int("val", 128, "value size bytes")
	verbose := flag.Bool("v", false, "log protocol events")
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	if err := run(logger, *nodes, *msgs, *kill, *join, statetransfer.Strategy(*strategy), *valSize); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(logger *zap.Logger, size, msgs, kill, join int, strategy statetransfer.Strategy, valSize int) error {
	opts := groupsim.DefaultOptions()
	opts.Logger = logger
	opts.Config.Name = "bench"
	opts.Config.StateTransfer.Strategy = strategy
	sim := groupsim.New(opts)

	start := sim.Clock.Now()
	members, err := sim.AddNodes(size)
	if err != nil {
		return err
	}
	if !sim.RunUntil(time.Minute, sim.Converged) {
		return fmt.Errorf("group of %d did not form", size)
	}
	fmt.Printf("Formed group of %d in %s simulated\n", size, sim.Clock.Since(start))

	value := string(bytes.Repeat([]byte{'x'}, valSize))
	wall := time.Now()
	for i := range msgs {
		live := sim.Live()
		live[i%len(live)].Put(fmt.Sprintf("k%d", i), value)
		if i%64 == 0 {
			sim.Step()
		}
		if i == msgs/2 {
			for _, n := range members[len(members)-min(kill, len(members)-1):] {
				sim.Kill(n)
			}
			if _, err := sim.AddNodes(join); err != nil {
				return err
			}
		}
	}

	settled := sim.RunUntil(5*time.Minute, func() bool {
		if !sim.Converged() {
			return false
		}
		live := sim.Live()
		first, _ := live[0].Store.SaveSnapshot()
		for _, n := range live[1:] {
			if snap, _ := n.Store.SaveSnapshot(); !bytes.Equal(first, snap) {
				return false
			}
		}
		return true
	})
	dur := time.Since(wall)

	sent, dropped := sim.Net.Stats()
	live := sim.Live()
	fmt.Printf("Multicast %d ops across %d live members in %s (%.2f ops/s)\n",
		msgs, len(live), dur, float64(msgs)/dur.Seconds())
	fmt.Printf("Network: %d messages sent, %d dropped\n", sent, dropped)
	fmt.Printf("Membership %s, %d keys per replica\n", live[0].Channel.Membership(), live[0].Store.Len())
	if !settled {
		return fmt.Errorf("replicas did not converge")
	}
	return nil
}
