package mrms

import (
	"io"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/i474232898/mrms-rala/internal/common"
	"github.com/i474232898/mrms-rala/internal/radar"
)

// File is one grid file advertised by a tilt directory listing.
type File struct {
	Name      string
	URL       string
	Elevation float64
	Timestamp radar.Timestamp
}

// parseListing extracts the grid files linked from an HTML directory index,
// newest first. The rolling "latest" alias is ignored.
func parseListing(r io.Reader, dirURL string) ([]File, error) {
	base, err := url.Parse(strings.TrimSuffix(dirURL, "/") + "/")
	if err != nil {
		return nil, err
	}

	var files []File
	seen := make(map[string]bool)
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				sort.Slice(files, func(i, j int) bool { return files[i].Timestamp > files[j].Timestamp })
				return files, nil
			}
			return nil, z.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data != "a" {
				continue
			}
			for _, attr := range tok.Attr {
				if attr.Key != "href" {
					continue
				}
				href, err := url.PathUnescape(attr.Val)
				if err != nil || !strings.Contains(href, ".grib2.gz") || common.HasAny(href, "latest") {
					continue
				}
				name := href[strings.LastIndex(href, "/")+1:]
				elevation, ts, ok := radar.ParseFilename(name)
				if !ok || seen[name] {
					continue
				}
				ref, err := url.Parse(attr.Val)
				if err != nil {
					continue
				}
				seen[name] = true
				files = append(files, File{
					Name:      name,
					URL:       base.ResolveReference(ref).String(),
					Elevation: elevation,
					Timestamp: ts,
				})
			}
		}
	}
}

// closest returns the file nearest to ts, if any lies within tolerance.
func closest(files []File, ts radar.Timestamp, tolerance float64) (File, bool) {
	target := ts.Time()
	var (
		best  File
		bestD = -1.0
	)
	for _, f := range files {
		d := f.Timestamp.Time().Sub(target).Seconds()
		if d < 0 {
			d = -d
		}
		if d <= tolerance && (bestD < 0 || d < bestD) {
			best, bestD = f, d
		}
	}
	return best, bestD >= 0
}
