package main

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pinecone-agent/internal/config"
	"pinecone-agent/internal/pacing"
)

const histogramWidth = 40

func newSimulateCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Print the reply-delay distribution produced by the pacing settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pc, err := config.LoadPacing(v)
			if err != nil {
				return err
			}
			samples, _ := cmd.Flags().GetInt("samples")
			if samples <= 0 {
				return errors.New("--samples must be > 0")
			}
			if cmd.Flags().Changed("seed") {
				pc.Seed, _ = cmd.Flags().GetInt64("seed")
			}
			reply, _ := cmd.Flags().GetString("reply")
			return simulate(cmd.OutOrStdout(), newPacer(pc), samples, reply)
		},
	}
	cmd.Flags().Int("samples", 1000, "Number of delays to sample.")
	cmd.Flags().Int64("seed", 0, "Random seed; overrides pacing.seed.")
	cmd.Flags().String("reply", "", "Reply text used to show one full send time including typing.")
	return cmd
}

func simulate(w io.Writer, sim *pacing.Simulator, samples int, reply string) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "minute\tprobability")
	for minute := 0; ; minute++ {
		p, err := sim.Probability(minute)
		if errors.Is(err, pacing.ErrMinuteOutOfRange) {
			break
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%d\t%.4f\n", minute, p)
		if p >= 1 {
			break
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	delays := make([]int, samples)
	counts := map[int]int{}
	for i := range delays {
		d := sim.SampleDelay()
		delays[i] = d
		counts[d]++
	}
	slices.Sort(delays)
	peak := 0
	for _, n := range counts {
		peak = max(peak, n)
	}

	fmt.Fprintf(w, "\n%d samples: median %dm, p90 %dm, max %dm\n",
		samples, percentile(delays, 0.5), percentile(delays, 0.9), delays[len(delays)-1])
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "delay\tcount\t")
	for minute := delays[0]; minute <= delays[len(delays)-1]; minute++ {
		n := counts[minute]
		bar := strings.Repeat("#", n*histogramWidth/peak)
		fmt.Fprintf(tw, "%dm\t%d\t%s\n", minute, n, bar)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if reply != "" {
		now := time.Now().UTC()
		at := sim.SendTime(now, reply)
		fmt.Fprintf(w, "\nreply of %d characters received now would be sent after %s\n",
			len([]rune(reply)), at.Sub(now).Round(time.Second))
	}
	return nil
}

func percentile(sorted []int, q float64) int {
	i := int(q * float64(len(sorted)-1))
	return sorted[i]
}
