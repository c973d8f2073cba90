package extract

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/kdimtricp/callpilot/internal/frame"
)

// Attributes are the job fields parsed from recognized text. Every field is
// optional: a missing match leaves it nil.
type Attributes struct {
	Fare            *int      `json:"fare,omitempty"`
	DistanceKm      *float64  `json:"distanceKm,omitempty"`
	OriginArea      *string   `json:"originArea,omitempty"`
	DestinationArea *string   `json:"destinationArea,omitempty"`
	Areas           []string  `json:"areas,omitempty"`
	RawText         string    `json:"rawText"`
	DetectedAt      time.Time `json:"detectedAt"`
}

// AllAreas returns every area mentioned in the text, origin first.
func (a Attributes) AllAreas() []string {
	if len(a.Areas) > 0 {
		return a.Areas
	}
	var out []string
	if a.OriginArea != nil {
		out = append(out, *a.OriginArea)
	}
	if a.DestinationArea != nil {
		out = append(out, *a.DestinationArea)
	}
	return out
}

// Recognizer turns an encoded image into text.
type Recognizer interface {
	Recognize(ctx context.Context, imageData []byte) (string, error)
}

type Config struct {
	Areas        []string `mapstructure:"areas"`
	CurrencyUnit string   `mapstructure:"currency_unit"`
	DistanceUnit string   `mapstructure:"distance_unit"`
}

func DefaultConfig() Config {
	return Config{
		Areas: []string{
			"강남구", "서초구", "송파구", "강동구", "마포구", "용산구", "종로구", "중구",
			"영등포구", "성동구", "광진구", "관악구", "동작구", "강서구", "양천구",
			"강남역", "서울역", "고속터미널", "잠실역", "홍대입구", "여의도",
		},
		CurrencyUnit: "원",
		DistanceUnit: "km",
	}
}

// Parser holds the compiled patterns for one unit configuration.
type Parser struct {
	fare     *regexp.Regexp
	distance *regexp.Regexp
	areas    []string
}

func NewParser(cfg Config) *Parser {
	def := DefaultConfig()
	if cfg.CurrencyUnit == "" {
		cfg.CurrencyUnit = def.CurrencyUnit
	}
	if cfg.DistanceUnit == "" {
		cfg.DistanceUnit = def.DistanceUnit
	}

	var areas []string
	for _, a := range cfg.Areas {
		if a = strings.TrimSpace(a); a != "" {
			areas = append(areas, a)
		}
	}
	// Longer names first so "강남구" is claimed before a shorter overlapping entry.
	sort.SliceStable(areas, func(i, j int) bool { return len(areas[i]) > len(areas[j]) })

	return &Parser{
		fare:     regexp.MustCompile(`(\d{1,3}(?:,\d{3})+|\d+)\s*` + regexp.QuoteMeta(cfg.CurrencyUnit)),
		distance: regexp.MustCompile(`(\d+(?:\.\d+)?)\s*` + regexp.QuoteMeta(cfg.DistanceUnit)),
		areas:    areas,
	}
}

// Parse extracts attributes from text. It never fails; fields without a match
// stay nil.
func (p *Parser) Parse(text string) Attributes {
	attrs := Attributes{RawText: text, DetectedAt: time.Now()}

	if m := p.fare.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", "")); err == nil {
			attrs.Fare = &v
		}
	}

	if m := p.distance.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			attrs.DistanceKm = &v
		}
	}

	attrs.Areas = p.findAreas(text)
	if len(attrs.Areas) > 0 {
		origin := attrs.Areas[0]
		attrs.OriginArea = &origin
	}
	if len(attrs.Areas) > 1 {
		dest := attrs.Areas[1]
		attrs.DestinationArea = &dest
	}

	return attrs
}

type areaHit struct {
	name  string
	start int
	end   int
}

// findAreas returns gazetteer entries in order of appearance. A match that
// overlaps an earlier, longer one is dropped.
func (p *Parser) findAreas(text string) []string {
	var hits []areaHit
	for _, name := range p.areas {
		offset := 0
		for {
			i := strings.Index(text[offset:], name)
			if i < 0 {
				break
			}
			start := offset + i
			end := start + len(name)
			if !overlaps(hits, start, end) {
				hits = append(hits, areaHit{name: name, start: start, end: end})
			}
			offset = end
		}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].start < hits[j].start })

	var out []string
	seen := make(map[string]bool)
	for _, h := range hits {
		if seen[h.name] {
			continue
		}
		seen[h.name] = true
		out = append(out, h.name)
	}
	return out
}

func overlaps(hits []areaHit, start, end int) bool {
	for _, h := range hits {
		if start < h.end && h.start < end {
			return true
		}
	}
	return false
}

// Extractor runs OCR over a frame and parses the result.
type Extractor struct {
	ocr    Recognizer
	parser *Parser
	logger hclog.Logger
}

func New(ocr Recognizer, parser *Parser, logger hclog.Logger) *Extractor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Extractor{ocr: ocr, parser: parser, logger: logger.Named("extract")}
}

// Extract never returns an error. OCR failures produce attributes with empty
// raw text, which the filter treats as "nothing known".
func (e *Extractor) Extract(ctx context.Context, f *frame.Frame) Attributes {
	if e.ocr == nil || f == nil {
		return e.parser.Parse("")
	}

	data, err := f.Bytes()
	if err != nil {
		e.logger.Warn("failed to encode frame for ocr", "session", f.SessionID, "error", err)
		return e.parser.Parse("")
	}

	text, err := e.ocr.Recognize(ctx, data)
	if err != nil {
		e.logger.Warn("text recognition failed", "session", f.SessionID, "error", err)
		return e.parser.Parse("")
	}

	attrs := e.parser.Parse(text)
	attrs.DetectedAt = f.CapturedAt
	return attrs
}
