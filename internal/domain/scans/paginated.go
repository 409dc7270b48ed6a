package scans

// CursorPage is a keyset-paginated response: data newest-first, an opaque
// cursor for the next page (empty when exhausted) and the total match count.
type CursorPage struct {
	Data       []*ScanJob `json:"data"`
	NextCursor string     `json:"next_cursor,omitempty"`
	Total      int64      `json:"total"`
}
