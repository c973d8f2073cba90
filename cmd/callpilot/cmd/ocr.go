package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kdimtricp/callpilot/internal/ai"
	"github.com/kdimtricp/callpilot/internal/config"
	"github.com/kdimtricp/callpilot/internal/extract"
	"github.com/kdimtricp/callpilot/internal/logging"
)

var ocrCmd = &cobra.Command{
	Use:   "ocr <image>",
	Short: "Check the configured OCR provider against an image",
	Long: `Runs the OCR provider from the config (ocr.provider) on one image and prints
the raw text and the fields parsed from it.`,
	Args: cobra.ExactArgs(1),
	RunE: runOCR,
}

func init() {
	rootCmd.AddCommand(ocrCmd)
}

type ocrResult struct {
	Provider   string             `json:"provider"`
	Text       string             `json:"text"`
	Attributes extract.Attributes `json:"attributes"`
	ElapsedMs  int64              `json:"elapsedMs"`
}

func runOCR(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	recognizer, err := ai.NewRecognizer(&cfg.OCR, logging.Discard())
	if err != nil {
		return fmt.Errorf("failed to initialize OCR: %w", err)
	}
	if recognizer == nil {
		return fmt.Errorf("OCR is disabled: set ocr.provider to google, openai, tesseract, chain or static")
	}
	if c, ok := recognizer.(io.Closer); ok {
		defer c.Close()
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	start := time.Now()
	text, err := recognizer.Recognize(cmd.Context(), data)
	if err != nil {
		return fmt.Errorf("recognition failed: %w", err)
	}

	result := ocrResult{
		Provider:   cfg.OCR.Provider,
		Text:       text,
		Attributes: extract.NewParser(cfg.Extractor).Parse(text),
		ElapsedMs:  time.Since(start).Milliseconds(),
	}

	if IsJSONOutput() {
		return printJSON(result)
	}

	fmt.Printf("Provider: %s (%dms)\n", result.Provider, result.ElapsedMs)
	fmt.Println("Text:")
	fmt.Println(text)
	fmt.Println()
	a := result.Attributes
	if a.Fare != nil {
		fmt.Printf("Fare:        %d\n", *a.Fare)
	}
	if a.DistanceKm != nil {
		fmt.Printf("Distance:    %.1fkm\n", *a.DistanceKm)
	}
	if a.OriginArea != nil {
		fmt.Printf("Origin:      %s\n", *a.OriginArea)
	}
	if a.DestinationArea != nil {
		fmt.Printf("Destination: %s\n", *a.DestinationArea)
	}
	return nil
}
