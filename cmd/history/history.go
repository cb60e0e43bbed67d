// Package history implements the commands that list and review saved scans.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/xrayscan/internal/app"
	"github.com/tphakala/xrayscan/internal/buildinfo"
	"github.com/tphakala/xrayscan/internal/conf"
	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/scan"
	"github.com/tphakala/xrayscan/internal/session"
)

// Output formats
const (
	FormatTable = "table"
	FormatJSON  = "json"
)

// Command creates the history command.
func Command(info *buildinfo.Context) *cobra.Command {
	var server, format string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List saved scans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backend, closeBackend, err := app.OpenBackend(ctx, conf.GetSettings(), server, info)
			if err != nil {
				return err
			}
			defer func() { _ = closeBackend() }()

			return Run(ctx, backend, format, cmd.OutOrStdout())
		},
	}

	cmd.PersistentFlags().StringVar(&server, "server", "", "Base URL of a running xrayscan server")
	cmd.PersistentFlags().StringVarP(&format, "format", "f", FormatTable, "Output format: table, json")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <n>",
		Short: "Review the nth saved scan, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return errors.ValidationError(fmt.Sprintf("scan number %q is not a number", args[0]))
			}

			ctx := cmd.Context()
			backend, closeBackend, err := app.OpenBackend(ctx, conf.GetSettings(), server, info)
			if err != nil {
				return err
			}
			defer func() { _ = closeBackend() }()

			return Show(ctx, backend, n, format, cmd.OutOrStdout())
		},
	})

	return cmd
}

// Run writes the saved scans of backend to out, newest first.
func Run(ctx context.Context, backend session.Backend, format string, out io.Writer) error {
	if format != FormatTable && format != FormatJSON {
		return errors.ValidationError(fmt.Sprintf("unknown output format %q", format))
	}

	records := session.NewController(backend).RefreshHistory(ctx)

	if format == FormatJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "No saved scans.")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SAVED\tFINDINGS\tTOP FINDING\tIMAGE")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", savedAt(rec.SavedAt), len(rec.Findings), topFinding(rec.Findings), rec.ImageReference)
	}
	return tw.Flush()
}

// review is the JSON form of a scan loaded from history.
type review struct {
	Phase          string         `json:"phase"`
	Saved          bool           `json:"saved"`
	ImageReference string         `json:"imageReference"`
	Findings       []scan.Finding `json:"findings"`
}

// Show loads the nth saved scan of backend into a session, counting from 1
// in the order Run lists them, and writes the review to out.
func Show(ctx context.Context, backend session.Backend, n int, format string, out io.Writer) error {
	if format != FormatTable && format != FormatJSON {
		return errors.ValidationError(fmt.Sprintf("unknown output format %q", format))
	}

	ctl := session.NewController(backend)
	records := ctl.RefreshHistory(ctx)
	if n < 1 || n > len(records) {
		return errors.Newf("scan %d does not exist, history holds %d", n, len(records)).
			Component("history").
			Category(errors.CategoryValidation).
			Context("index", n).
			Build()
	}

	ctl.SelectFromHistory(records[n-1])
	st := ctl.State()

	if format == FormatJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(review{
			Phase:          st.Phase.String(),
			Saved:          st.IsSaved(),
			ImageReference: st.CurrentProcessedImage,
			Findings:       st.CurrentFindings,
		})
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Image:\t%s\n", st.CurrentProcessedImage)
	fmt.Fprintf(tw, "Saved:\t%s\n", savedAt(records[n-1].SavedAt))
	fmt.Fprintf(tw, "Status:\t%s\n", st.Phase)
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(st.CurrentFindings) == 0 {
		_, err := fmt.Fprintln(out, "\nNo findings.")
		return err
	}

	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLASS\tLABEL\tCONFIDENCE")
	for _, f := range st.CurrentFindings {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", f.ClassID, f.Label, f.Percentage)
	}
	return tw.Flush()
}

func savedAt(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// topFinding returns the most confident finding as "label (87.34%)".
func topFinding(findings []scan.Finding) string {
	if len(findings) == 0 {
		return "-"
	}
	top := findings[0]
	for _, f := range findings[1:] {
		if f.Confidence > top.Confidence {
			top = f
		}
	}
	return fmt.Sprintf("%s (%s)", top.Label, top.Percentage)
}
