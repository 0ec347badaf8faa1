package model

import (
	"fmt"
	"strconv"
	"strings"
)

// SortOrder selects the (ts, seq) scan direction of a history query.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// PageToken is a keyset cursor: the composite key of the last row of the
// previous page. Wire form is "{lastTs}_{lastSeq}".
type PageToken struct {
	LastTS  int64
	LastSeq int64
}

// String formats the token in its wire form.
func (t PageToken) String() string {
	return fmt.Sprintf("%d_%d", t.LastTS, t.LastSeq)
}

// ParsePageToken parses the "{lastTs}_{lastSeq}" wire form.
func ParsePageToken(s string) (PageToken, error) {
	i := strings.IndexByte(s, '_')
	if i <= 0 || i == len(s)-1 {
		return PageToken{}, fmt.Errorf("page token %q: want \"ts_seq\"", s)
	}
	ts, err := strconv.ParseInt(s[:i], 10, 64)
	if err != nil {
		return PageToken{}, fmt.Errorf("page token %q: bad ts: %w", s, err)
	}
	seq, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return PageToken{}, fmt.Errorf("page token %q: bad seq: %w", s, err)
	}
	return PageToken{LastTS: ts, LastSeq: seq}, nil
}

// HistoryQuery selects telemetry for one device, optionally narrowed to a
// tag and a [StartTS, EndTS] window. Pagination is keyset on (ts, seq).
type HistoryQuery struct {
	DeviceID string
	TagID    string // empty = all tags
	StartTS  int64
	EndTS    int64
	Sort     SortOrder
	Limit    int
	After    *PageToken
	// MinQuality filters out readings below the given OPC quality (0 = off).
	MinQuality int
}

// PagedResult is one page of a keyset-paginated query.
type PagedResult struct {
	Items      []TelemetryPoint
	NextToken  *PageToken
	HasMore    bool
	TotalCount int64
}

// AggregateFunc names a bucket aggregation function.
type AggregateFunc string

const (
	AggAvg   AggregateFunc = "avg"
	AggMin   AggregateFunc = "min"
	AggMax   AggregateFunc = "max"
	AggSum   AggregateFunc = "sum"
	AggCount AggregateFunc = "count"
	AggFirst AggregateFunc = "first"
	AggLast  AggregateFunc = "last"
)

// Valid reports whether f is a supported aggregation function.
func (f AggregateFunc) Valid() bool {
	switch f {
	case AggAvg, AggMin, AggMax, AggSum, AggCount, AggFirst, AggLast:
		return true
	}
	return false
}

// AggregateBucket is one time bucket of an aggregation query.
type AggregateBucket struct {
	BucketTS int64   `json:"bucket_ts"`
	Value    float64 `json:"value"`
	Count    int64   `json:"count"`
}

// StoreStats summarizes the telemetry store contents.
type StoreStats struct {
	PointCount  int64
	OldestTS    int64
	NewestTS    int64
	DeviceCount int64
}
