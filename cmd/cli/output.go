// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/adiadia/op-distributor/internal/domain"
)

func printOutcome(w io.Writer, o domain.RecipientOutcome) {
	switch o.Kind {
	case domain.OutcomeCredited:
		if o.AlreadyCredited {
			fmt.Fprintf(w, "  = %s already credited\n", o.Token)
			return
		}
		fmt.Fprintf(w, "  + %s credited %d OP\n", o.Token, o.Points)
	case domain.OutcomeNotMember:
		fmt.Fprintf(w, "  - %s is not a member\n", o.Token)
	case domain.OutcomeUnresolvable:
		fmt.Fprintf(w, "  ? %s could not be found\n", o.Token)
	case domain.OutcomeCreditFailed:
		fmt.Fprintf(w, "  ! %s credit failed: %s\n", o.Token, o.Detail)
	}
}

func printReport(w io.Writer, r domain.RunReport) {
	title := r.EventID
	if r.EventTitle != "" {
		title = fmt.Sprintf("%s (%s)", r.EventID, r.EventTitle)
	}
	fmt.Fprintf(w, "Event %s: %s\n", title, r.Result)
	if r.Detail != "" {
		fmt.Fprintf(w, "  %s\n", r.Detail)
	}
	if r.Result.PreconditionFailed() {
		return
	}

	if r.Resumed && r.ResumedFrom != nil {
		fmt.Fprintf(w, "  resumed at distribution %d, recipient %d\n", r.ResumedFrom.Distribution+1, r.ResumedFrom.Recipient+1)
	}
	fmt.Fprintf(w, "  credited %d of %d", r.Credited, r.Total)
	if r.AlreadyCredited > 0 {
		fmt.Fprintf(w, " (%d already credited)", r.AlreadyCredited)
	}
	fmt.Fprintf(w, ", %d OP sent\n", r.PointsCredited)

	printGroups(w, "not a member", r.NotMember)
	printGroups(w, "unresolvable", r.Unresolvable)
	printGroups(w, "credit failed", r.CreditFailed)

	if r.StoppedAt != nil {
		fmt.Fprintf(w, "  stopped at distribution %d, recipient %d\n", r.StoppedAt.Distribution+1, r.StoppedAt.Recipient+1)
	}
	switch {
	case r.StatusUpdated:
		fmt.Fprintln(w, "  status: Completed")
	case r.StatusError != "":
		fmt.Fprintf(w, "  status update failed: %s\n", r.StatusError)
	}
}

func printGroups(w io.Writer, label string, groups map[int][]domain.Failure) {
	points := make([]int, 0, len(groups))
	for p, list := range groups {
		if len(list) > 0 {
			points = append(points, p)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(points)))

	for _, p := range points {
		tokens := make([]string, 0, len(groups[p]))
		for _, f := range groups[p] {
			tokens = append(tokens, f.Token)
		}
		fmt.Fprintf(w, "  %s (%d OP): %s\n", label, p, strings.Join(tokens, ", "))
	}
}
