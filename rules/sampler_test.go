package rules

import (
	"fmt"
	"testing"
)

func TestHashSampler_Deterministic(t *testing.T) {
	s := HashSampler{}
	for i := 0; i < 100; i++ {
		entity := fmt.Sprintf("SHP-%d", i)
		first := s.Admit("rule-1", entity, 37)
		for j := 0; j < 5; j++ {
			if s.Admit("rule-1", entity, 37) != first {
				t.Fatalf("Admit for %s changed between calls", entity)
			}
		}
	}
}

func TestHashSampler_Bounds(t *testing.T) {
	s := HashSampler{}
	for i := 0; i < 200; i++ {
		entity := fmt.Sprintf("TND-%d", i)
		if s.Admit("rule-1", entity, 0) {
			t.Errorf("Expected 0%% to admit nothing, admitted %s", entity)
		}
		if !s.Admit("rule-1", entity, 100) {
			t.Errorf("Expected 100%% to admit everything, rejected %s", entity)
		}
		if b := Bucket("rule-1", entity); b < 0 || b >= 100 {
			t.Errorf("Bucket out of range: %d", b)
		}
	}
}

func TestHashSampler_Monotonic(t *testing.T) {
	s := HashSampler{}
	for i := 0; i < 200; i++ {
		entity := fmt.Sprintf("INV-%d", i)
		admittedAt := -1
		for pct := 0; pct <= 100; pct++ {
			admitted := s.Admit("rule-7", entity, pct)
			if admitted && admittedAt < 0 {
				admittedAt = pct
			}
			if !admitted && admittedAt >= 0 {
				t.Fatalf("%s admitted at %d%% but rejected at %d%%", entity, admittedAt, pct)
			}
		}
	}
}

func TestHashSampler_Distribution(t *testing.T) {
	s := HashSampler{}
	admitted := 0
	for i := 0; i < 1000; i++ {
		if s.Admit("rule-1", fmt.Sprintf("SHP-%d", i), 50) {
			admitted++
		}
	}
	if admitted < 400 || admitted > 600 {
		t.Errorf("Expected roughly half of 1000 entities admitted at 50%%, got %d", admitted)
	}
}

func TestHashSampler_RuleSalted(t *testing.T) {
	differs := 0
	for i := 0; i < 100; i++ {
		entity := fmt.Sprintf("SHP-%d", i)
		if Bucket("rule-a", entity) != Bucket("rule-b", entity) {
			differs++
		}
	}
	if differs < 50 {
		t.Errorf("Expected rule ID to change most buckets, only %d of 100 differ", differs)
	}
}
