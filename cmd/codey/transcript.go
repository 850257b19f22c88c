package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tcdent/codey/internal/transcript"
)

var (
	transcriptSession string
	transcriptLimit   int
	transcriptJSON    bool
)

var transcriptCmd = &cobra.Command{
	Use:   "transcript",
	Short: "Inspect recorded turns",
}

var transcriptListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded turns, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(v)
		if err != nil {
			return err
		}
		defer a.close()

		store, err := a.openStore()
		if err != nil {
			return err
		}
		turns, err := store.ListTurns(cmd.Context(), transcriptSession, transcriptLimit)
		if err != nil {
			return err
		}
		if transcriptJSON {
			return writeJSON(cmd.OutOrStdout(), turns)
		}
		printTurns(cmd.OutOrStdout(), turns)
		return nil
	},
}

var transcriptShowCmd = &cobra.Command{
	Use:   "show <turn-id>",
	Short: "Replay the events of one turn",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(v)
		if err != nil {
			return err
		}
		defer a.close()

		store, err := a.openStore()
		if err != nil {
			return err
		}
		t, err := store.GetTurn(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		events, err := store.Events(cmd.Context(), t.ID)
		if err != nil {
			return err
		}
		if transcriptJSON {
			return writeJSON(cmd.OutOrStdout(), struct {
				Turn   *transcript.Turn    `json:"turn"`
				Events []*transcript.Event `json:"events"`
			}{t, events})
		}
		return replayTurn(cmd.OutOrStdout(), t, events)
	},
}

func init() {
	rootCmd.AddCommand(transcriptCmd)
	transcriptCmd.AddCommand(transcriptListCmd, transcriptShowCmd)
	transcriptCmd.PersistentFlags().BoolVar(&transcriptJSON, "json", false, "Output as JSON")
	transcriptListCmd.Flags().StringVar(&transcriptSession, "session", "", "Only turns of this session")
	transcriptListCmd.Flags().IntVar(&transcriptLimit, "limit", 20, "Maximum number of turns (0 for all)")
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTurns(out io.Writer, turns []*transcript.Turn) {
	if len(turns) == 0 {
		fmt.Fprintln(out, "No recorded turns.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TURN\tSESSION\tSTARTED\tREASON\tEVENTS\tTOKENS\tMESSAGE")
	for _, t := range turns {
		reason := t.EndReason
		if reason == "" {
			reason = "running"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			t.ID, t.SessionID, t.StartedAt.Local().Format(time.DateTime), reason,
			t.EventCount, t.OutputTokens, truncate(t.Content, 40))
	}
	_ = w.Flush()
}

func replayTurn(out io.Writer, t *transcript.Turn, events []*transcript.Event) error {
	fmt.Fprintf(out, "turn %s (session %s)\n> %s\n", t.ID, t.SessionID, t.Content)
	r := newRenderer(out)
	for _, e := range events {
		ev, err := e.Decode()
		if err != nil {
			return fmt.Errorf("event %d: %w", e.Seq, err)
		}
		r.render(ev)
	}
	r.end()
	if t.Error != "" {
		fmt.Fprintf(out, "ended: %s (%s)\n", t.EndReason, t.Error)
	} else if t.EndReason != "" {
		fmt.Fprintf(out, "ended: %s\n", t.EndReason)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
