package dcm

import (
	"fmt"
	"sort"
)

// Series identifies a DICOM series within a study.
type Series struct {
	StudyUID  string
	SeriesUID string
}

func (s Series) String() string {
	return fmt.Sprintf("study %s / series %s", s.StudyUID, s.SeriesUID)
}

// Instance holds the attributes of one DICOM object needed to fetch and display
// its frames.  It is immutable once built from metadata.
type Instance struct {
	UID                 string
	Number              int
	NumFrames           int
	Rows                int
	Columns             int
	Photometric         string
	BitsAllocated       int
	PixelRepresentation int

	// Optional smallest/largest pixel values.  Nil when absent from metadata.
	MinPixelValue *int
	MaxPixelValue *int
}

// Frames returns the number of frames, which is at least 1.
func (inst *Instance) Frames() int {
	if inst.NumFrames < 1 {
		return 1
	}
	return inst.NumFrames
}

// Signed returns true if pixels are stored as two's complement integers.
func (inst *Instance) Signed() bool {
	return inst.PixelRepresentation == 1
}

// BytesPerSample returns the storage size of a single sample.
func (inst *Instance) BytesPerSample() int {
	if inst.BitsAllocated == 16 {
		return 2
	}
	return 1
}

func (inst *Instance) String() string {
	return fmt.Sprintf("instance %s (#%d, %d frames, %dx%d)", inst.UID, inst.Number,
		inst.Frames(), inst.Columns, inst.Rows)
}

// SortInstances orders instances by ascending instance number.  The sort is
// stable so instances sharing a number keep their metadata order.
func SortInstances(instances []*Instance) {
	sort.SliceStable(instances, func(i, j int) bool {
		return instances[i].Number < instances[j].Number
	})
}

// FetchTask is a single addressable frame of an instance.  Frame numbers start at 1.
type FetchTask struct {
	Instance *Instance
	Frame    int
}

// ID returns the composite key used both to track completion and as the image identifier.
func (t FetchTask) ID() string {
	return fmt.Sprintf("%s/frames/%d", t.Instance.UID, t.Frame)
}

func (t FetchTask) String() string {
	return t.ID()
}

// Tasks expands instances into frame tasks ordered by (instance number, frame number).
// The given slice is sorted in place.
func Tasks(instances []*Instance) []FetchTask {
	SortInstances(instances)
	var n int
	for _, inst := range instances {
		n += inst.Frames()
	}
	tasks := make([]FetchTask, 0, n)
	for _, inst := range instances {
		for frame := 1; frame <= inst.Frames(); frame++ {
			tasks = append(tasks, FetchTask{Instance: inst, Frame: frame})
		}
	}
	return tasks
}
