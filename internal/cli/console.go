package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/roach88/timewarp/internal/command"
	"github.com/roach88/timewarp/internal/engine"
	"github.com/roach88/timewarp/internal/peer"
	"github.com/roach88/timewarp/internal/tally"
)

const consoleHelp = `commands:
  spawn <name>          create a counter
  inc <name> [n]        add n (default 1)
  dec <name> [n]        subtract n (default 1)
  reset <name>          set to zero
  roll <name> <sides>   add a shared random value in [1, sides]
  remove <name>         delete the counter
  totals                print every counter
  help                  print this help`

// consoleLine is one parsed console input. Exactly one of op or query is
// set.
type consoleLine struct {
	counter string
	op      command.Op
	query   string
}

// parseConsoleLine parses one line. Blank lines and # comments parse to
// a zero consoleLine.
func parseConsoleLine(line string) (consoleLine, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return consoleLine{}, nil
	}

	verb, args := fields[0], fields[1:]
	switch verb {
	case "totals", "help":
		return consoleLine{query: verb}, nil
	}
	if len(args) == 0 {
		return consoleLine{}, fmt.Errorf("%s: counter name required", verb)
	}
	name := args[0]

	amount := func(def int64) (int64, error) {
		if len(args) < 2 {
			return def, nil
		}
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: invalid amount %q", verb, args[1])
		}
		if n < 0 {
			return 0, fmt.Errorf("%s: amount must be non-negative", verb)
		}
		return n, nil
	}

	switch verb {
	case "spawn":
		return consoleLine{op: tally.Spawn{Name: name}}, nil
	case "inc":
		n, err := amount(1)
		if err != nil {
			return consoleLine{}, err
		}
		return consoleLine{counter: name, op: tally.Increment{By: n}}, nil
	case "dec":
		n, err := amount(1)
		if err != nil {
			return consoleLine{}, err
		}
		return consoleLine{counter: name, op: tally.Decrement{By: n}}, nil
	case "reset":
		return consoleLine{counter: name, op: tally.Reset{}}, nil
	case "remove":
		return consoleLine{counter: name, op: tally.Remove{}}, nil
	case "roll":
		if len(args) < 2 {
			return consoleLine{}, fmt.Errorf("roll: sides required")
		}
		n, err := amount(0)
		if err != nil {
			return consoleLine{}, err
		}
		if n < 1 {
			return consoleLine{}, fmt.Errorf("roll: sides must be positive")
		}
		return consoleLine{counter: name, op: tally.Roll{Sides: n}}, nil
	}
	return consoleLine{}, fmt.Errorf("unknown command %q (try help)", verb)
}

// console authors commands typed on in against a live peer.
type console struct {
	peer *peer.Peer
	out  io.Writer
}

// run reads lines until in is exhausted or ctx ends. Bad lines and
// rejected signals are reported on out and do not stop the loop.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := c.exec(line); err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

func (c *console) exec(line string) error {
	parsed, err := parseConsoleLine(line)
	if err != nil {
		return err
	}

	switch parsed.query {
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
		return nil
	case "totals":
		c.printTotals()
		return nil
	}
	if parsed.op == nil {
		return nil
	}

	target := tally.RegistryID
	if parsed.counter != "" {
		var found bool
		c.peer.View(func(e *engine.Engine) {
			var counter *tally.Counter
			if counter, found = tally.Find(e.Index(), parsed.counter); found {
				target = counter.ID()
			}
		})
		if !found {
			return fmt.Errorf("no counter named %q", parsed.counter)
		}
	}

	cmd, err := c.peer.Signal(target, parsed.op)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s %s\n", cmd.Time, cmd.Name())
	return nil
}

func (c *console) printTotals() {
	var totals map[string]int64
	c.peer.View(func(e *engine.Engine) {
		totals = tally.Totals(e.Index())
	})
	if len(totals) == 0 {
		fmt.Fprintln(c.out, "(no counters)")
		return
	}
	for _, name := range slices.Sorted(maps.Keys(totals)) {
		fmt.Fprintf(c.out, "%s = %d\n", name, totals[name])
	}
}
