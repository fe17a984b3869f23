package stats

import (
	"sync"
	"testing"
	"time"
)

func TestCollector_TrackOperation(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperation(OpStage)
	collector.TrackOperation(OpStage)
	collector.TrackOperation(OpTxCommit)

	stats := collector.GetStats()

	if stats["stage_ops"].(uint64) != 2 {
		t.Errorf("Expected 2 stage operations, got %v", stats["stage_ops"])
	}

	if stats["tx_commit_ops"].(uint64) != 1 {
		t.Errorf("Expected 1 commit operation, got %v", stats["tx_commit_ops"])
	}

	if _, exists := stats["last_stage_time"]; !exists {
		t.Errorf("Expected last_stage_time to exist in stats")
	}

	if collector.Count(OpTxCancel) != 0 {
		t.Errorf("Expected no cancel operations, got %d", collector.Count(OpTxCancel))
	}
}

func TestCollector_TrackOperationWithLatency(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperationWithLatency(OpMutation, 100)
	collector.TrackOperationWithLatency(OpMutation, 200)
	collector.TrackOperationWithLatency(OpMutation, 300)

	stats := collector.GetStats()

	latencyStats, ok := stats["mutation_latency"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected mutation_latency to be a map, got %T", stats["mutation_latency"])
	}

	if count := latencyStats["count"].(uint64); count != 3 {
		t.Errorf("Expected 3 latency records, got %v", count)
	}
	if avg := latencyStats["avg_ns"].(uint64); avg != 200 {
		t.Errorf("Expected average latency 200ns, got %v", avg)
	}
	if min := latencyStats["min_ns"].(uint64); min != 100 {
		t.Errorf("Expected min latency 100ns, got %v", min)
	}
	if max := latencyStats["max_ns"].(uint64); max != 300 {
		t.Errorf("Expected max latency 300ns, got %v", max)
	}
}

func TestCollector_TrackError(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackError("mutation_failed")
	collector.TrackError("mutation_failed")
	collector.TrackError("mutation_panic")

	errors := collector.GetStats()["errors"].(map[string]uint64)
	if errors["mutation_failed"] != 2 {
		t.Errorf("Expected 2 mutation_failed errors, got %d", errors["mutation_failed"])
	}
	if errors["mutation_panic"] != 1 {
		t.Errorf("Expected 1 mutation_panic error, got %d", errors["mutation_panic"])
	}
}

func TestCollector_GetStatsFiltered(t *testing.T) {
	collector := NewAtomicCollector()

	collector.TrackOperation(OpTxBegin)
	collector.TrackOperation(OpTxCommit)
	collector.TrackOperation(OpStage)

	filtered := collector.GetStatsFiltered("tx_")
	if _, ok := filtered["tx_begin_ops"]; !ok {
		t.Error("Expected tx_begin_ops in filtered stats")
	}
	if _, ok := filtered["stage_ops"]; ok {
		t.Error("Did not expect stage_ops in filtered stats")
	}
}

func TestCollector_ConcurrentAccess(t *testing.T) {
	collector := NewAtomicCollector()

	const workers = 10
	const perWorker = 100

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				collector.TrackOperationWithLatency(OpMutation, time.Microsecond)
				collector.TrackOperation(OpStage)
			}
		}()
	}
	wg.Wait()

	if got := collector.Count(OpStage); got != workers*perWorker {
		t.Errorf("Expected %d stage operations, got %d", workers*perWorker, got)
	}
	if got := collector.Count(OpMutation); got != workers*perWorker {
		t.Errorf("Expected %d mutation operations, got %d", workers*perWorker, got)
	}
}
