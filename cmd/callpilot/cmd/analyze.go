package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kdimtricp/callpilot/internal/ai"
	"github.com/kdimtricp/callpilot/internal/config"
	"github.com/kdimtricp/callpilot/internal/detect"
	"github.com/kdimtricp/callpilot/internal/extract"
	"github.com/kdimtricp/callpilot/internal/filter"
	"github.com/kdimtricp/callpilot/internal/frame"
	"github.com/kdimtricp/callpilot/internal/logging"
)

var analyzeText string

var analyzeCmd = &cobra.Command{
	Use:   "analyze <image>...",
	Short: "Run detection, extraction and the filter on saved screenshots",
	Long: `Runs the same detector, text extraction and filter rules the server uses on
one or more image files, without dispatching anything. Useful for tuning the
detector band and the filter rules against captured screens.

--text skips OCR and parses the given text instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().StringVar(&analyzeText, "text", "", "use this text instead of running OCR")
}

type analysis struct {
	File     string              `json:"file"`
	Width    int                 `json:"width"`
	Height   int                 `json:"height"`
	Signal   detect.Signal       `json:"signal"`
	Attrs    *extract.Attributes `json:"attributes,omitempty"`
	Decision *filter.Decision    `json:"decision,omitempty"`
	Error    string              `json:"error,omitempty"`
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	var ocr ai.Recognizer
	if analyzeText != "" {
		ocr = ai.StaticRecognizer(analyzeText)
	} else {
		ocr, err = ai.NewRecognizer(&cfg.OCR, logging.Discard())
		if err != nil {
			return fmt.Errorf("failed to initialize OCR: %w", err)
		}
		if c, ok := ocr.(io.Closer); ok {
			defer c.Close()
		}
	}

	var extractor *extract.Extractor
	if ocr != nil {
		extractor = extract.New(ocr, extract.NewParser(cfg.Extractor), logging.Discard())
	}

	results, err := analyzeFrames(cmd.Context(), frame.NewFileSource("analyze", args...), args,
		detect.New(cfg.Detector), extractor, cfg.Filter)
	if err != nil {
		return err
	}

	if IsJSONOutput() {
		return printJSON(results)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("File", "Button", "Confidence", "Fare", "Distance", "Areas", "Decision")
	for _, r := range results {
		if r.Error != "" {
			table.Append(r.File, "-", "-", "-", "-", "-", "error: "+r.Error)
			continue
		}

		button := "not found"
		if r.Signal.Found {
			button = fmt.Sprintf("(%d,%d) %dpx", r.Signal.X, r.Signal.Y, r.Signal.PixelCount)
		}
		fare, distance, areas := "-", "-", "-"
		if r.Attrs != nil {
			if r.Attrs.Fare != nil {
				fare = fmt.Sprintf("%d", *r.Attrs.Fare)
			}
			if r.Attrs.DistanceKm != nil {
				distance = fmt.Sprintf("%.1fkm", *r.Attrs.DistanceKm)
			}
			if all := r.Attrs.AllAreas(); len(all) > 0 {
				areas = strings.Join(all, ", ")
			}
		}
		decision := "-"
		if r.Decision != nil {
			decision = "reject: " + r.Decision.Reason
			if r.Decision.Accept {
				decision = "accept"
			}
		}

		table.Append(r.File, button, fmt.Sprintf("%.2f", r.Signal.Confidence), fare, distance, areas, decision)
	}
	table.Render()
	return nil
}

// analyzeFrames evaluates every frame src yields. names labels the results
// in order. A file that fails to decode is reported, not fatal.
func analyzeFrames(ctx context.Context, src frame.Source, names []string, det *detect.Detector, ex *extract.Extractor, rules filter.Rules) ([]analysis, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var results []analysis
	for i := 0; ; i++ {
		name := fmt.Sprintf("#%d", i+1)
		if i < len(names) {
			name = names[i]
		}

		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return results, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			results = append(results, analysis{File: name, Error: err.Error()})
			continue
		}

		r := analysis{File: name, Width: f.Width, Height: f.Height, Signal: det.Detect(f)}
		if r.Signal.Found {
			attrs := extract.Attributes{DetectedAt: f.CapturedAt}
			if ex != nil {
				attrs = ex.Extract(ctx, f)
			}
			decision := filter.Decide(attrs, rules)
			r.Attrs = &attrs
			r.Decision = &decision
		}
		results = append(results, r)
	}
}
