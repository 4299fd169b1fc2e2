package translator

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/knights-analytics/knnmt/util/safeconv"
)

type timings struct {
	NumCalls uint64
	TotalNS  uint64
}

func (t *timings) record(start time.Time) {
	atomic.AddUint64(&t.NumCalls, 1)
	atomic.AddUint64(&t.TotalNS, safeconv.DurationToU64(time.Since(start)))
}

// Statistics summarizes the time spent tokenizing and running the translator graph.
type Statistics struct {
	TokenizerTotalTime      time.Duration
	TokenizerExecutionCount uint64
	TokenizerAvgQueryTime   time.Duration
	OnnxTotalTime           time.Duration
	OnnxExecutionCount      uint64
	OnnxAvgQueryTime        time.Duration
	FeatureCalls            uint64
	TranslateCalls          uint64
}

func (s *Statistics) computeTokenizerStatistics(t *timings) {
	numCalls := atomic.LoadUint64(&t.NumCalls)
	totalNS := atomic.LoadUint64(&t.TotalNS)
	s.TokenizerTotalTime = safeconv.U64ToDuration(totalNS)
	s.TokenizerExecutionCount = numCalls
	s.TokenizerAvgQueryTime = time.Duration(float64(totalNS) / math.Max(1, float64(numCalls)))
}

func (s *Statistics) computeOnnxStatistics(t *timings) {
	numCalls := atomic.LoadUint64(&t.NumCalls)
	totalNS := atomic.LoadUint64(&t.TotalNS)
	s.OnnxTotalTime = safeconv.U64ToDuration(totalNS)
	s.OnnxExecutionCount = numCalls
	s.OnnxAvgQueryTime = time.Duration(float64(totalNS) / math.Max(1, float64(numCalls)))
}

// String renders the statistics as indented json.
func (s Statistics) String() string {
	jsonData, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err.Error()
	}
	return string(jsonData)
}
