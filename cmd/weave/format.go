package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
)

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}

func row(w io.Writer, cols ...any) {
	for i, c := range cols {
		if i > 0 {
			fmt.Fprint(w, "\t")
		}
		fmt.Fprint(w, c)
	}
	fmt.Fprintln(w)
}

func money(v float64) string {
	return "$" + humanize.CommafWithDigits(v, 6)
}

func count(n int64) string {
	return humanize.Comma(n)
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func percent(v float64) string {
	return humanize.FtoaWithDigits(v*100, 1) + "%"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
