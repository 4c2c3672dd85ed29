package status

import (
	"fmt"
	"strings"
)

// Bucket groups statuses into the three columns of the kitchen display.
type Bucket string

const (
	BucketNew       Bucket = "NEW"
	BucketPreparing Bucket = "PREPARING"
	BucketReady     Bucket = "READY"
)

// Buckets lists the display columns left to right.
var Buckets = []Bucket{BucketNew, BucketPreparing, BucketReady}

// BucketOf maps a status to its bucket. Served and cancelled items leave the
// board, reported by ok=false.
func BucketOf(s Status) (b Bucket, ok bool) {
	switch s {
	case Pending, Confirmed:
		return BucketNew, true
	case Preparing:
		return BucketPreparing, true
	case Ready:
		return BucketReady, true
	default:
		return "", false
	}
}

// Statuses returns the statuses displayed in b.
func (b Bucket) Statuses() []Status {
	switch b {
	case BucketNew:
		return []Status{Pending, Confirmed}
	case BucketPreparing:
		return []Status{Preparing}
	case BucketReady:
		return []Status{Ready}
	default:
		return nil
	}
}

// ParseBucket converts s into a Bucket.
func ParseBucket(s string) (Bucket, error) {
	b := Bucket(strings.ToUpper(strings.TrimSpace(s)))
	if b.Statuses() == nil {
		return "", fmt.Errorf("unknown bucket %q", s)
	}
	return b, nil
}

// AffectedBuckets returns the distinct buckets touched by moving items between
// the given statuses, in display order.
func AffectedBuckets(statuses ...Status) []Bucket {
	seen := make(map[Bucket]bool, len(Buckets))
	for _, st := range statuses {
		if b, ok := BucketOf(st); ok {
			seen[b] = true
		}
	}
	out := make([]Bucket, 0, len(seen))
	for _, b := range Buckets {
		if seen[b] {
			out = append(out, b)
		}
	}
	return out
}
