package mapmatch

import (
	"fmt"
	"io"

	"github.com/tkrajina/gpxgo/gpx"

	"routemap/internal/geo"
)

// ReadGPX extracts raw waypoints from a GPX document. Track points win over
// route points, which win over loose waypoints.
func ReadGPX(r io.Reader) (geo.Path, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	doc, err := gpx.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("parse gpx: %w", err)
	}

	var path geo.Path
	for _, track := range doc.Tracks {
		for _, segment := range track.Segments {
			for _, point := range segment.Points {
				path = append(path, geo.Coordinate{point.Longitude, point.Latitude})
			}
		}
	}
	if len(path) > 0 {
		return path, nil
	}
	for _, route := range doc.Routes {
		for _, point := range route.Points {
			path = append(path, geo.Coordinate{point.Longitude, point.Latitude})
		}
	}
	if len(path) > 0 {
		return path, nil
	}
	for _, point := range doc.Waypoints {
		path = append(path, geo.Coordinate{point.Longitude, point.Latitude})
	}
	if len(path) == 0 {
		return nil, ErrNoCoordinates
	}
	return path, nil
}
