package catalog

// Signal is a user or system event that raises a series' activity score.
type Signal string

const (
	SignalUserFollow      Signal = "user_follow"
	SignalUserRead        Signal = "user_read"
	SignalChapterDetected Signal = "chapter_detected"
	SignalUserSearch      Signal = "user_search"
)

var signalWeights = map[Signal]float64{
	SignalUserFollow:      3,
	SignalUserRead:        2,
	SignalChapterDetected: 1,
	SignalUserSearch:      1,
}

// Weight is the score contribution of a single occurrence of s. Unknown
// signals weigh nothing.
func (s Signal) Weight() float64 {
	return signalWeights[s]
}

// Valid reports whether s is a known signal.
func (s Signal) Valid() bool {
	_, ok := signalWeights[s]
	return ok
}

// ActivityEvent is one recorded occurrence of a signal.
type ActivityEvent struct {
	ID        string  `db:"id"`
	SeriesID  string  `db:"series_id"`
	Signal    Signal  `db:"signal"`
	Weight    float64 `db:"weight"`
	CreatedAt Time    `db:"created_at"`
}

// SeriesScore is a recomputed activity score and the tier it maps to.
type SeriesScore struct {
	SeriesID string  `db:"id"`
	Score    float64 `db:"activity_score"`
	Tier     Tier    `db:"catalog_tier"`
}
