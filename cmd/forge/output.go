package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jllopis/forge/pkg/core"
	"github.com/jllopis/forge/pkg/orchestrator"
)

func jsonEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc
}

func printJSON(w io.Writer, v interface{}) error {
	return jsonEncoder(w).Encode(v)
}

func printResult(w io.Writer, res *orchestrator.Result) {
	fmt.Fprintf(w, "run %s: %s\n", res.RunID, res.Status)
	for _, r := range res.Results {
		origin := "synthesized"
		switch {
		case r.Cached:
			origin = "cached"
		case r.Reused:
			origin = "reused"
		}
		fmt.Fprintf(w, "  [%d] %s (%s, %s)\n", r.SubtaskID, r.Description, r.Tool, origin)
	}
	if len(res.Blocked) > 0 {
		fmt.Fprintf(w, "  blocked by a failed dependency: %v\n", res.Blocked)
	}
	if res.Answer != "" {
		fmt.Fprintf(w, "\n%s\n", res.Answer)
	}
	if res.Review != nil {
		fmt.Fprintf(w, "\nreview: finish=%t %s\n", res.Review.Finish, res.Review.Reason)
	}
}

func printEvent(w io.Writer, ev core.Event) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-18s", ev.Timestamp.Format("15:04:05.000"), ev.Type)
	if ev.SubtaskID != 0 {
		fmt.Fprintf(&b, " subtask=%d", ev.SubtaskID)
	}
	if len(ev.Payload) > 0 {
		data, err := json.Marshal(ev.Payload)
		if err == nil {
			fmt.Fprintf(&b, " %s", data)
		}
	}
	fmt.Fprintln(w, b.String())
}
