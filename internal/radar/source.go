package radar

import "context"

// GridSource abstracts the remote radar archive. Implementations must be safe
// to call concurrently for different elevations of the same cycle.
type GridSource interface {
	// LatestTimestamp returns the newest observation available, or ErrNoData.
	LatestTimestamp(ctx context.Context) (Timestamp, error)
	Fetch(ctx context.Context, elevation float64, ts Timestamp) (*ElevationGrid, error)
}

// Decoder turns a raw (decompressed) grid file into an ElevationGrid.
type Decoder interface {
	Decode(elevation float64, raw []byte) (*ElevationGrid, error)
}

// Tracker records which observation timestamps have been fully processed.
type Tracker interface {
	Has(ts Timestamp) bool
	Add(ts Timestamp) (bool, error)
}

// Publisher makes a composite visible to readers.
type Publisher interface {
	Publish(c *CompositeGrid) error
}
