package mqtt

import (
	"sync"
	"time"
)

// DailyTokens counts tokens since local midnight. It satisfies the
// agent's TokenObserver.
type DailyTokens struct {
	mu      sync.Mutex
	input   int64
	output  int64
	replies int64
	day     string
	loc     *time.Location
	now     func() time.Time
}

// NewDailyTokens creates a counter that rolls over at midnight in loc
// (time.Local when nil).
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.day = d.today()
	return d
}

// OnTokens adds one completed reply's token counts.
func (d *DailyTokens) OnTokens(inputTokens, outputTokens int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	d.input += int64(inputTokens)
	d.output += int64(outputTokens)
	d.replies++
}

// Snapshot returns today's input tokens, output tokens and reply count.
func (d *DailyTokens) Snapshot() (input, output, replies int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.maybeReset()
	return d.input, d.output, d.replies
}

func (d *DailyTokens) today() string {
	return d.now().In(d.loc).Format(time.DateOnly)
}

// maybeReset must be called with d.mu held.
func (d *DailyTokens) maybeReset() {
	if today := d.today(); today != d.day {
		d.input, d.output, d.replies = 0, 0, 0
		d.day = today
	}
}
