package models

import "go.mongodb.org/mongo-driver/bson/primitive"

// Polygon is a GeoJSON polygon; coordinates are [lon, lat] pairs and the
// first ring is the outer boundary.
type Polygon struct {
	Type        string        `bson:"type" json:"type"`
	Coordinates [][][]float64 `bson:"coordinates" json:"coordinates"`
}

// Geofence is a named area a pairing can be watched against.
type Geofence struct {
	ID   primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name string             `bson:"name" json:"name"`
	Area Polygon            `bson:"area" json:"area"`
}

// NewPolygon builds a closed GeoJSON polygon from a list of locations.
func NewPolygon(points ...Location) Polygon {
	ring := make([][]float64, 0, len(points)+1)
	for _, p := range points {
		ring = append(ring, []float64{p.Lon, p.Lat})
	}
	if len(points) > 0 && points[0] != points[len(points)-1] {
		ring = append(ring, []float64{points[0].Lon, points[0].Lat})
	}
	return Polygon{Type: "Polygon", Coordinates: [][][]float64{ring}}
}

// Contains reports whether a location lies inside the outer ring, using
// ray casting.
func (p Polygon) Contains(l Location) bool {
	if len(p.Coordinates) == 0 {
		return false
	}
	ring := p.Coordinates[0]
	inside := false
	for i, j := 0, len(ring)-1; i < len(ring); j, i = i, i+1 {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if (yi > l.Lat) != (yj > l.Lat) &&
			l.Lon < (xj-xi)*(l.Lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside
}
