package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/lychee-technology/occams"
	"github.com/lychee-technology/occams/factory"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var loadStrataCmd = &cobra.Command{
	Use:   "load-strata FILE.csv",
	Short: "Load pre-generated allocations for a study",
	Long: `The CSV needs arm, block_number and randid columns. Every other column
is a randomization criterion named after an attribute of the study's
randomization schema.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		studyID, err := cmd.Flags().GetInt64("study")
		if err != nil {
			return err
		}
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open %s: %w", args[0], err)
		}
		defer f.Close()
		rows, err := parseStrataCSV(f)
		if err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}
		return withComponents(cmd, func(ctx context.Context, c *factory.Components) error {
			n, err := c.Randomizer.LoadStrata(ctx, studyID, rows)
			if err != nil {
				return err
			}
			zap.S().Infow("strata file loaded", "file", args[0], "study", studyID, "rows", n)
			return nil
		})
	},
}

func init() {
	loadStrataCmd.Flags().Int64("study", 0, "study id")
	_ = loadStrataCmd.MarkFlagRequired("study")
}

var strataColumns = []string{"arm", "block_number", "randid"}

func parseStrataCSV(r io.Reader) ([]occams.StratumRow, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty file")
	}
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range strataColumns {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("missing %s column", name)
		}
	}

	var rows []occams.StratumRow
	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		block, err := strconv.Atoi(strings.TrimSpace(record[index["block_number"]]))
		if err != nil {
			return nil, fmt.Errorf("line %d: block_number %q is not an integer", line, record[index["block_number"]])
		}
		row := occams.StratumRow{
			ArmName:     strings.TrimSpace(record[index["arm"]]),
			BlockNumber: block,
			RandID:      strings.TrimSpace(record[index["randid"]]),
			Criteria:    make(map[string]string),
		}
		for name, i := range index {
			switch name {
			case "arm", "block_number", "randid":
				continue
			}
			row.Criteria[name] = strings.TrimSpace(record[i])
		}
		rows = append(rows, row)
	}
	return rows, nil
}
