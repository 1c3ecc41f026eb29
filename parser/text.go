package parser

import (
	"context"
	"fmt"
	"os"
)

// TextParser handles plain text (.txt) files.
type TextParser struct{}

func (p *TextParser) SupportedFormats() []string { return []string{"txt"} }

func (p *TextParser) Parse(ctx context.Context, path string) ([]Page, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return []Page{{Number: 0, Text: string(data)}}, nil
}
