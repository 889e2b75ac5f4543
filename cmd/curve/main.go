// Command curve prints the cashout curve of one position across a round.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"github.com/olekukonko/tablewriter"

	"liquidity-jackpot/internal/model"
	"liquidity-jackpot/internal/pricing"
)

type params struct {
	stake   *uint256.Int
	side    model.Side
	ref     *uint256.Int
	current *uint256.Int
	period  int64
	steps   int
}

func main() {
	stake := flag.String("stake", "1000000000000000000", "stake in base units")
	side := flag.String("side", "LONG", "LONG or SHORT")
	ref := flag.String("ref", "1000", "reference liquidity")
	current := flag.String("current", "1000", "current liquidity")
	period := flag.Int64("period", 86400, "round period in seconds")
	steps := flag.Int("steps", 12, "rows to print")
	flag.Parse()

	p, err := parse(*stake, *side, *ref, *current, *period, *steps)
	if err == nil {
		err = render(os.Stdout, p)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "curve:", err)
		os.Exit(2)
	}
}

func parse(stake, side, ref, current string, period int64, steps int) (params, error) {
	var p params
	var err error
	if p.stake, err = model.ParseAmount(stake); err != nil {
		return p, fmt.Errorf("stake: %w", err)
	}
	if p.side, err = model.ParseSide(side); err != nil {
		return p, err
	}
	if p.ref, err = model.ParseAmount(ref); err != nil {
		return p, fmt.Errorf("ref: %w", err)
	}
	if p.current, err = model.ParseAmount(current); err != nil {
		return p, fmt.Errorf("current: %w", err)
	}
	if period <= 0 || steps <= 0 {
		return p, fmt.Errorf("period and steps must be > 0")
	}
	p.period, p.steps = period, steps
	return p, nil
}

func render(w io.Writer, p params) error {
	table := tablewriter.NewWriter(w)
	table.Header("Elapsed", "Time frac", "Decay", "State", "Gross", "Fee", "Net")
	for i := 0; i < p.steps; i++ {
		now := p.period * int64(i) / int64(p.steps)
		q, err := pricing.CashoutAmount(p.stake, p.side, p.ref, p.period, now, p.period, p.current)
		if err != nil {
			return err
		}
		table.Append(
			(time.Duration(now) * time.Second).String(),
			fixed(q.TimeFraction),
			fixed(q.Decay),
			fixed(q.State),
			q.Gross.Dec(),
			q.Fee.Dec(),
			q.Net.Dec(),
		)
	}
	table.Render()
	return nil
}

// fixed formats an 18-decimal fixed-point value with four decimals.
func fixed(v *uint256.Int) string {
	s := v.Dec()
	if len(s) <= 18 {
		s = strings.Repeat("0", 19-len(s)) + s
	}
	point := len(s) - 18
	return s[:point] + "." + s[point:point+4]
}
