package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lychee-technology/occams"
	"github.com/lychee-technology/occams/factory"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var importSchemaCmd = &cobra.Command{
	Use:   "import-schema FILE...",
	Short: "Import schema definitions from JSON or YAML documents",
	Long: `Each document is validated, created as a draft and published when it
carries a publish_date. Files ending in .yaml or .yml are read as YAML.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		docs := make([]*occams.SchemaJSON, len(args))
		for i, file := range args {
			doc, err := readSchemaDocument(file)
			if err != nil {
				return err
			}
			docs[i] = doc
		}
		return withComponents(cmd, func(ctx context.Context, c *factory.Components) error {
			for i, doc := range docs {
				s, err := c.Schemas.ImportSchema(ctx, doc)
				if err != nil {
					return fmt.Errorf("import %s: %w", args[i], err)
				}
				zap.S().Infow("schema imported", "file", args[i], "schema", s.Name, "id", s.ID,
					"published", s.IsPublished())
			}
			return nil
		})
	},
}

func readSchemaDocument(file string) (*occams.SchemaJSON, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", file, err)
	}
	ext := strings.ToLower(filepath.Ext(file))
	doc, err := occams.DecodeSchemaDocument(raw, ext == ".yaml" || ext == ".yml")
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", file, err)
	}
	return doc, nil
}
