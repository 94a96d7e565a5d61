package pathcompression

import "time"

// Event is one progress notification of a compression request. A stream
// carries at most one Listed, any number of Processed and exactly one
// terminal event (Complete or Failed) before it is closed.
type Event interface {
	isEvent()
}

// Listed reports the manifest size once enumeration is done.
type Listed struct {
	Count int
}

// Processed reports that one manifest entry was attempted.
type Processed struct {
	Path string
}

// Complete carries the finished archive.
type Complete struct {
	Result Result
}

// Failed carries the reason the archive was not produced.
type Failed struct {
	Err error
}

func (Listed) isEvent()    {}
func (Processed) isEvent() {}
func (Complete) isEvent()  {}
func (Failed) isEvent()    {}

// Result describes a finished archive.
type Result struct {
	Location    string
	Path        string
	Files       int
	SourceBytes int64
	Bytes       int64
	Duration    time.Duration
	Manifest    *Manifest
}

// Wait drains events until the stream closes and returns the terminal outcome.
// onEvent, if not nil, sees every event first.
func Wait(events <-chan Event, onEvent func(Event)) (Result, error) {
	var (
		res Result
		err error
	)
	for ev := range events {
		if onEvent != nil {
			onEvent(ev)
		}
		switch e := ev.(type) {
		case Complete:
			res = e.Result
		case Failed:
			err = e.Err
		}
	}
	if err == nil && res.Path == "" {
		err = errStreamClosed
	}
	return res, err
}
