package cluster

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// VisitID derives a stable visit id from the hour-rounded start time and the
// centroid rounded to three decimals (~100 m). The same inputs always give
// the same id, so re-clustering unchanged photos cannot mint new visits.
func VisitID(start time.Time, lat, lon float64) string {
	hour := start.UTC().Round(time.Hour).Unix()
	key := fmt.Sprintf("%d|%.3f|%.3f", hour, roundCoord(lat), roundCoord(lon))
	sum := sha256.Sum256([]byte(key))
	return "v_" + hex.EncodeToString(sum[:8])
}

// roundCoord rounds to 3 decimals and folds -0 into 0 so both format alike.
func roundCoord(v float64) float64 {
	r := math.Round(v*1000) / 1000
	if r == 0 {
		return 0
	}
	return r
}
