package pixel

// Samples is a typed buffer of decoded pixel samples.  The concrete type carries the
// signedness so min/max and windowing arithmetic see correct values.
type Samples interface {
	// Len returns the number of samples.
	Len() int

	// At returns the i-th sample widened to an int.
	At(i int) int

	// BytesPerSample returns the storage size of one sample.
	BytesPerSample() int
}

type Uint8Samples []uint8
type Int8Samples []int8
type Uint16Samples []uint16
type Int16Samples []int16

func (s Uint8Samples) Len() int            { return len(s) }
func (s Uint8Samples) At(i int) int        { return int(s[i]) }
func (s Uint8Samples) BytesPerSample() int { return 1 }

func (s Int8Samples) Len() int            { return len(s) }
func (s Int8Samples) At(i int) int        { return int(s[i]) }
func (s Int8Samples) BytesPerSample() int { return 1 }

func (s Uint16Samples) Len() int            { return len(s) }
func (s Uint16Samples) At(i int) int        { return int(s[i]) }
func (s Uint16Samples) BytesPerSample() int { return 2 }

func (s Int16Samples) Len() int            { return len(s) }
func (s Int16Samples) At(i int) int        { return int(s[i]) }
func (s Int16Samples) BytesPerSample() int { return 2 }

// minSample returns the smallest sample.  Samples must be non-empty.
func minSample(s Samples) int {
	v := s.At(0)
	for i := 1; i < s.Len(); i++ {
		if x := s.At(i); x < v {
			v = x
		}
	}
	return v
}

// maxSample returns the largest sample.  Samples must be non-empty.
func maxSample(s Samples) int {
	v := s.At(0)
	for i := 1; i < s.Len(); i++ {
		if x := s.At(i); x > v {
			v = x
		}
	}
	return v
}
