package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Mellox11/opportunity-intel/internal/model"
)

func formatAnalysis(w io.Writer, a *model.Analysis, opps []model.Opportunity) {
	fmt.Fprintf(w, "Analysis %s\n", a.ID)
	fmt.Fprintf(w, "  Status:   %s\n", a.Status)
	fmt.Fprintf(w, "  Created:  %s\n", a.CreatedAt.Format("2006-01-02 15:04:05"))
	if a.CompletedAt != nil {
		fmt.Fprintf(w, "  Finished: %s\n", a.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(w, "  Budget:   $%.2f\n\n", a.BudgetLimit)

	if len(opps) == 0 {
		fmt.Fprintln(w, "No opportunities found.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SCORE\tCONFIDENCE\tTITLE")
	for _, o := range opps {
		title := o.Title
		if len(title) > 70 {
			title = title[:67] + "..."
		}
		fmt.Fprintf(tw, "%d\t%.2f\t%s\n", o.CompositeScore, o.Confidence, title)
	}
	_ = tw.Flush()
}

func formatAnalysisList(w io.Writer, analyses []model.Analysis) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tBUDGET\tCREATED")
	for _, a := range analyses {
		fmt.Fprintf(tw, "%s\t%s\t$%.2f\t%s\n",
			a.ID, a.Status, a.BudgetLimit, a.CreatedAt.Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
}
