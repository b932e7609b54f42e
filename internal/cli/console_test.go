package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/timewarp/internal/tally"
)

func TestParseConsoleLine(t *testing.T) {
	tests := []struct {
		line string
		want consoleLine
	}{
		{"", consoleLine{}},
		{"   ", consoleLine{}},
		{"# setup", consoleLine{}},
		{"help", consoleLine{query: "help"}},
		{"totals", consoleLine{query: "totals"}},
		{"spawn score", consoleLine{op: tally.Spawn{Name: "score"}}},
		{"inc score", consoleLine{counter: "score", op: tally.Increment{By: 1}}},
		{"inc score 5", consoleLine{counter: "score", op: tally.Increment{By: 5}}},
		{"dec score 0", consoleLine{counter: "score", op: tally.Decrement{By: 0}}},
		{"  dec   score  3 ", consoleLine{counter: "score", op: tally.Decrement{By: 3}}},
		{"reset score", consoleLine{counter: "score", op: tally.Reset{}}},
		{"remove score", consoleLine{counter: "score", op: tally.Remove{}}},
		{"roll dice 6", consoleLine{counter: "dice", op: tally.Roll{Sides: 6}}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseConsoleLine(tt.line)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseConsoleLine_Errors(t *testing.T) {
	tests := []struct {
		line    string
		wantErr string
	}{
		{"jump", "counter name required"},
		{"inc", "counter name required"},
		{"inc score x", `invalid amount "x"`},
		{"dec score -2", "must be non-negative"},
		{"roll dice", "sides required"},
		{"roll dice 0", "sides must be positive"},
		{"jump score", `unknown command "jump"`},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, err := parseConsoleLine(tt.line)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
