// Package descriptor reads the JSON documents that list the image frames of
// an image set.
package descriptor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	"github.com/datallboy/ahiretrieve/internal/domain"
)

// ErrInvalid marks a document that is missing a required field.
var ErrInvalid = errors.New("invalid descriptor")

// MaxFrameSize is the largest FrameSizeInBytes accepted.
const MaxFrameSize = 1 << 32

// Descriptor is the image set metadata subset needed to address frames.
type Descriptor struct {
	DatastoreID string `json:"DatastoreID"`
	ImageSetID  string `json:"ImageSetID"`
	Study       Study  `json:"Study"`
}

type Study struct {
	Series map[string]Series `json:"Series"`
}

type Series struct {
	Instances map[string]Instance `json:"Instances"`
}

type Instance struct {
	ImageFrames []ImageFrame `json:"ImageFrames"`
}

type ImageFrame struct {
	ID               string  `json:"ID"`
	FrameSizeInBytes float64 `json:"FrameSizeInBytes"`
}

// Parse decodes a descriptor document.
func Parse(r io.Reader) (*Descriptor, error) {
	var d Descriptor
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// ParseBytes decodes a descriptor held in memory.
func ParseBytes(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// ParseFile reads and decodes the descriptor at path.
func ParseFile(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	d, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

func (d *Descriptor) validate() error {
	if d.DatastoreID == "" {
		return fmt.Errorf("%w: DatastoreID is required", ErrInvalid)
	}
	if d.ImageSetID == "" {
		return fmt.Errorf("%w: ImageSetID is required", ErrInvalid)
	}
	for seriesUID, series := range d.Study.Series {
		for instanceUID, instance := range series.Instances {
			for i, frame := range instance.ImageFrames {
				if frame.ID == "" {
					return fmt.Errorf("%w: series %s instance %s frame %d has no ID", ErrInvalid, seriesUID, instanceUID, i)
				}
				size := frame.FrameSizeInBytes
				if size < 0 || size > MaxFrameSize || size != math.Trunc(size) {
					return fmt.Errorf("%w: frame %s has FrameSizeInBytes %v", ErrInvalid, frame.ID, size)
				}
			}
		}
	}
	return nil
}

// Requests returns one FrameRequest per image frame. Series and instances
// are visited in sorted key order; frames keep their document order.
func (d *Descriptor) Requests() []*domain.FrameRequest {
	var requests []*domain.FrameRequest

	for _, seriesUID := range sortedKeys(d.Study.Series) {
		series := d.Study.Series[seriesUID]
		for _, instanceUID := range sortedKeys(series.Instances) {
			for _, frame := range series.Instances[instanceUID].ImageFrames {
				requests = append(requests, domain.NewFrameRequest(
					d.DatastoreID,
					d.ImageSetID,
					frame.ID,
					int64(frame.FrameSizeInBytes),
				))
			}
		}
	}

	return requests
}

// FrameCount returns the number of image frames in the document.
func (d *Descriptor) FrameCount() int {
	n := 0
	for _, series := range d.Study.Series {
		for _, instance := range series.Instances {
			n += len(instance.ImageFrames)
		}
	}
	return n
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
