package diarization

import "time"

type ConnectionStatus int

const (
	StatusIdle ConnectionStatus = iota
	StatusConnecting
	StatusOpen
	StatusPaused
	StatusClosed
	StatusError
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusPaused:
		return "paused"
	case StatusClosed:
		return "closed"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionState is published on every status change. Discontinuity is set
// on the first Open after a reconnect: speaker turns and active messages from
// before the drop were closed and will not continue.
type ConnectionState struct {
	Status        ConnectionStatus
	IsActive      bool
	IsConnecting  bool
	IsPaused      bool
	Err           error
	Discontinuity bool
}

type Speaker struct {
	ID          string
	DisplayName string
	Color       string
}

// Segment is one recognition result attributed to a speaker. A non-final
// segment is superseded by the next segment with the same ID.
type Segment struct {
	ID          string
	SpeakerID   string
	SpeakerName string
	Text        string
	IsFinal     bool
	Timestamp   time.Time
	Confidence  float64
}

// Message groups consecutive segments of one speaker.
type Message struct {
	ID        string
	SpeakerID string
	Content   string
	Timestamp time.Time
	UpdatedAt time.Time
	Segments  []Segment
	IsActive  bool
}

// Result is one incremental response from the streaming service.
type Result struct {
	Transcript  string
	Confidence  float64
	IsFinal     bool
	SpeechFinal bool
	Words       []Word
}

type Word struct {
	Text       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
	// Speaker is the provider's speaker index, nil when diarization is off.
	Speaker *int
}

// DominantSpeaker returns the speaker index attached to most words, ties
// going to the index seen first.
func (r Result) DominantSpeaker() *int {
	counts := make(map[int]int)
	var order []int
	for _, w := range r.Words {
		if w.Speaker == nil {
			continue
		}
		if _, ok := counts[*w.Speaker]; !ok {
			order = append(order, *w.Speaker)
		}
		counts[*w.Speaker]++
	}
	if len(order) == 0 {
		return nil
	}
	best := order[0]
	for _, idx := range order[1:] {
		if counts[idx] > counts[best] {
			best = idx
		}
	}
	return &best
}
