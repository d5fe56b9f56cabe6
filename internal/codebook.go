package internal

import (
	"context"

	"github.com/lychee-technology/occams"
)

// Codebook describes every column BuildReport produces for req, whether or
// not any data exists yet.
func (b *PostgresReportBuilder) Codebook(ctx context.Context, req occams.ReportRequest) ([]occams.CodebookEntry, error) {
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	ctx, cancel := b.withTimeout(ctx)
	defer cancel()

	compiled, err := compileReport(ctx, b.pool, b.cache, req)
	if err != nil {
		return nil, err
	}
	cols := compiled.columns
	if req.ExpandCollections {
		cols = expandColumns(cols)
	}
	return codebookEntries(compiled.table, compiled.form, cols), nil
}

func codebookEntries(table, form string, cols []*reportColumn) []occams.CodebookEntry {
	entries := make([]occams.CodebookEntry, 0, len(cols))
	for i, c := range cols {
		entry := occams.CodebookEntry{
			Field: c.Name,
			Table: table,
			Form:  form,
			Title: c.title,
			Type:  c.Type,
			Order: i,
		}
		if c.version != nil {
			entry.PublishDate = c.version.PublishDate
		}
		source := c.attribute
		if c.expandedFrom != nil {
			source = c.expandedFrom.attribute
		}
		if source != nil {
			entry.Description = source.Description
			entry.IsRequired = source.IsRequired
			entry.IsPrivate = source.IsPrivate
		}
		if c.attribute != nil {
			entry.IsCollection = c.attribute.IsCollection
			for _, ch := range c.choices {
				entry.Choices = append(entry.Choices, occams.ChoiceSpec{Name: ch.Name, Title: ch.Title})
			}
		}
		entries = append(entries, entry)
	}
	return entries
}
