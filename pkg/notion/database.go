package notion

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// Scan pages through a database query, calling fn for each page in order. Paging stops
// early when fn returns false. The filter and sorts of req apply to every page request.
func Scan(ctx context.Context, c Client, dbID string, req *notionapi.DatabaseQueryRequest, fn func(notionapi.Page) bool) error {
	var cursor notionapi.Cursor
	for page := 1; ; page++ {
		next := &notionapi.DatabaseQueryRequest{StartCursor: cursor}
		if req != nil {
			next.Filter = req.Filter
			next.Sorts = req.Sorts
			next.PageSize = req.PageSize
		}
		resp, err := c.QueryDatabase(ctx, dbID, next)
		if err != nil {
			return eris.Wrapf(err, "notion: scan %s page %d", dbID, page)
		}
		for _, p := range resp.Results {
			if !fn(p) {
				return nil
			}
		}
		if !resp.HasMore || resp.NextCursor == "" {
			return nil
		}
		cursor = resp.NextCursor
	}
}

// CreateRow adds a page with the given properties to a database.
func CreateRow(ctx context.Context, c Client, dbID string, props notionapi.Properties) (*notionapi.Page, error) {
	page, err := c.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: notionapi.DatabaseID(dbID),
		},
		Properties: props,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "notion: create row in %s", dbID)
	}
	return page, nil
}
