// Package scan implements the command that runs one image through the
// upload, detect and save lifecycle.
package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tphakala/xrayscan/internal/app"
	"github.com/tphakala/xrayscan/internal/buildinfo"
	"github.com/tphakala/xrayscan/internal/conf"
	"github.com/tphakala/xrayscan/internal/errors"
	scanmodel "github.com/tphakala/xrayscan/internal/scan"
	"github.com/tphakala/xrayscan/internal/session"
)

// Output formats
const (
	FormatTable = "table"
	FormatJSON  = "json"
)

// Options controls one scan run.
type Options struct {
	Server string // scan through a running server instead of in process
	Save   bool   // save the result to history after detection
	Format string
}

// Report is what a scan run prints.
type Report struct {
	Image                   string              `json:"image"`
	ImageReference          string              `json:"imageReference"`
	ProcessedImageReference string              `json:"processedImageReference"`
	Findings                []scanmodel.Finding `json:"findings"`
	Saved                   bool                `json:"saved"`
}

// Command creates the scan command.
func Command(info *buildinfo.Context) *cobra.Command {
	var opts Options

	cmd := &cobra.Command{
		Use:   "scan <image>",
		Short: "Scan an X-ray image for anomalies",
		Long:  "Upload an image, run detection on it and print the findings. With --save the reviewed result is added to the scan history.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			backend, closeBackend, err := app.OpenBackend(ctx, conf.GetSettings(), opts.Server, info)
			if err != nil {
				return err
			}
			defer func() { _ = closeBackend() }()

			return Run(ctx, session.NewController(backend), args[0], opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "", "Base URL of a running xrayscan server")
	cmd.Flags().BoolVar(&opts.Save, "save", false, "Save the result to the scan history")
	cmd.Flags().StringVarP(&opts.Format, "format", "f", FormatTable, "Output format: table, json")

	return cmd
}

// Run drives ctl through upload, detect and optionally save for the image
// at path, then writes a report to out.
func Run(ctx context.Context, ctl *session.Controller, path string, opts Options, out io.Writer) error {
	if opts.Format != FormatTable && opts.Format != FormatJSON {
		return errors.ValidationError(fmt.Sprintf("unknown output format %q", opts.Format))
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.New(err).
			Component("cli").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	defer func() { _ = f.Close() }()

	if err := ctl.Upload(ctx, filepath.Base(path), f); err != nil {
		return err
	}
	if err := ctl.Detect(ctx); err != nil {
		return err
	}
	if opts.Save {
		if err := ctl.Save(ctx); err != nil {
			return err
		}
	}

	st := ctl.State()
	report := Report{
		Image:                   path,
		ImageReference:          st.CurrentImage,
		ProcessedImageReference: st.CurrentProcessedImage,
		Findings:                st.CurrentFindings,
		Saved:                   st.IsSaved(),
	}
	if report.Findings == nil {
		report.Findings = []scanmodel.Finding{}
	}

	if opts.Format == FormatJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	return writeTable(out, report)
}

func writeTable(out io.Writer, report Report) error {
	fmt.Fprintf(out, "Image:     %s\n", report.ImageReference)
	fmt.Fprintf(out, "Processed: %s\n", report.ProcessedImageReference)

	if len(report.Findings) == 0 {
		fmt.Fprintln(out, "No anomalies found.")
	} else {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "LABEL\tCLASS\tCONFIDENCE")
		for _, f := range report.Findings {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", f.Label, f.ClassID, f.Percentage)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if report.Saved {
		fmt.Fprintln(out, "Saved to history.")
	}
	return nil
}
