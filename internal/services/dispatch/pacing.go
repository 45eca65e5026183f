package dispatch

import (
	"math/rand"
	"sync"
	"time"
)

// Pacer decides the cadence of a run. It is injectable so tests can drive
// the full batching logic with zero delays.
type Pacer interface {
	// NextSendDelay is awaited between consecutive sends within a batch,
	// never before a batch's first send.
	NextSendDelay() time.Duration
	// NextBatchPause is awaited between batches, never after the last one.
	NextBatchPause() time.Duration
	BatchSize() int
	// EstimateRemaining projects how long itemsLeft sends and pausesLeft
	// batch pauses will take, using average (not sampled) delays. An
	// estimate only: actual delays are randomized per item.
	EstimateRemaining(itemsLeft, pausesLeft int) time.Duration
}

const (
	defaultBatchSize     = 50
	defaultSendDelayMin  = 3 * time.Second
	defaultSendDelayMax  = 7 * time.Second
	defaultBatchPauseMin = 2 * time.Minute
	defaultBatchPauseMax = 5 * time.Minute
)

// PacerOptions overrides the stock cadence; zero fields keep defaults.
type PacerOptions struct {
	BatchSize     int
	SendDelayMin  time.Duration
	SendDelayMax  time.Duration
	BatchPauseMin time.Duration
	BatchPauseMax time.Duration
}

type randomPacer struct {
	mu  sync.Mutex
	rng *rand.Rand

	batchSize          int
	sendMin, sendMax   time.Duration
	pauseMin, pauseMax time.Duration
}

// NewPacer builds the randomized human-cadence pacer.
func NewPacer(opt PacerOptions) Pacer {
	p := &randomPacer{
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		batchSize: opt.BatchSize,
		sendMin:   opt.SendDelayMin,
		sendMax:   opt.SendDelayMax,
		pauseMin:  opt.BatchPauseMin,
		pauseMax:  opt.BatchPauseMax,
	}
	if p.batchSize <= 0 {
		p.batchSize = defaultBatchSize
	}
	if p.sendMin <= 0 {
		p.sendMin = defaultSendDelayMin
	}
	if p.sendMax < p.sendMin {
		p.sendMax = defaultSendDelayMax
	}
	if p.pauseMin <= 0 {
		p.pauseMin = defaultBatchPauseMin
	}
	if p.pauseMax < p.pauseMin {
		p.pauseMax = defaultBatchPauseMax
	}
	return p
}

func (p *randomPacer) uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo + time.Duration(p.rng.Int63n(int64(hi-lo)+1))
}

func (p *randomPacer) NextSendDelay() time.Duration  { return p.uniform(p.sendMin, p.sendMax) }
func (p *randomPacer) NextBatchPause() time.Duration { return p.uniform(p.pauseMin, p.pauseMax) }
func (p *randomPacer) BatchSize() int                { return p.batchSize }

func (p *randomPacer) EstimateRemaining(itemsLeft, pausesLeft int) time.Duration {
	if itemsLeft < 0 {
		itemsLeft = 0
	}
	if pausesLeft < 0 {
		pausesLeft = 0
	}
	avgSend := (p.sendMin + p.sendMax) / 2
	avgPause := (p.pauseMin + p.pauseMax) / 2
	return time.Duration(itemsLeft)*avgSend + time.Duration(pausesLeft)*avgPause
}
