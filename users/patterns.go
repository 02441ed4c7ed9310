package users

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"go.uber.org/zap"

	"ec2sshconfig/errors"
)

// patternFile is the HCL layout of an AMI pattern file:
//
//	pattern "^my-golden-" {
//	  user = "deploy"
//	}
type patternFile struct {
	Patterns []patternBlock `hcl:"pattern,block"`
}

type patternBlock struct {
	Expr string `hcl:"expr,label"`
	User string `hcl:"user"`
}

// LoadPatternFile decodes a pattern file into a table, keeping the block
// order. Files ending in .json use HCL JSON syntax; any other name is read
// as native HCL.
func LoadPatternFile(path string) (PatternTable, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return PatternTable{}, errors.New(errors.ErrPatternFile, "failed to read pattern file",
			map[string]interface{}{
				"path": path,
			}, err)
	}
	return ParsePatterns(path, src)
}

// ParsePatterns decodes pattern blocks from src. A .json filename selects
// HCL JSON syntax, everything else native HCL.
func ParsePatterns(filename string, src []byte) (PatternTable, error) {
	parser := hclparse.NewParser()

	var (
		f     *hcl.File
		diags hcl.Diagnostics
	)
	if strings.EqualFold(filepath.Ext(filename), ".json") {
		f, diags = parser.ParseJSON(src, filename)
	} else {
		f, diags = parser.ParseHCL(src, filename)
	}

	var file patternFile
	if !diags.HasErrors() {
		diags = append(diags, gohcl.DecodeBody(f.Body, nil, &file)...)
	}
	if diags.HasErrors() {
		return PatternTable{}, errors.New(errors.ErrPatternFile, "failed to decode pattern file",
			map[string]interface{}{
				"path": filename,
			}, diags)
	}
	return compilePatternFile(filename, file)
}

func compilePatternFile(path string, file patternFile) (PatternTable, error) {
	specs := make([]PatternSpec, 0, len(file.Patterns))
	for _, block := range file.Patterns {
		specs = append(specs, PatternSpec{Pattern: block.Expr, User: block.User})
	}

	table, err := NewPatternTable(specs...)
	if err != nil {
		return PatternTable{}, errors.New(errors.ErrPatternFile, "invalid pattern",
			map[string]interface{}{
				"path": path,
			}, err)
	}

	zap.L().With(zap.String("package", packageName)).Info("Parsed pattern file successfully",
		zap.String("operation", "pattern_file_load"),
		zap.String("path", path),
		zap.Int("patterns", len(specs)),
	)
	return table, nil
}
