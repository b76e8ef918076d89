package arbitration

import (
	"testing"
	"time"

	"github.com/tonsurance/escrow-engine/internal/models"
)

func vote(arbiter, option string, amount *int64) models.Vote {
	return models.Vote{ArbiterAddress: arbiter, Option: option, Amount: amount, Confidence: 100}
}

func i64(v int64) *int64 { return &v }

func TestQuorumSize(t *testing.T) {
	tests := []struct {
		quorum, assigned, want int
	}{
		{0, 3, 2},
		{0, 4, 3},
		{0, 5, 3},
		{0, 1, 1},
		{0, 0, 0},
		{3, 5, 3},
		{7, 5, 5},
	}
	for _, tt := range tests {
		p := Policy{Quorum: tt.quorum}
		if got := p.QuorumSize(tt.assigned); got != tt.want {
			t.Errorf("QuorumSize(quorum=%d, assigned=%d) = %d, want %d", tt.quorum, tt.assigned, got, tt.want)
		}
	}
}

func TestHasQuorumIgnoresAbstentions(t *testing.T) {
	p := DefaultPolicy()
	votes := []models.Vote{vote("a", models.VoteApprove, nil), vote("b", models.VoteAbstain, nil)}
	if p.HasQuorum(3, votes) {
		t.Fatal("one counted vote should not reach 2-of-3")
	}
	votes = append(votes, vote("c", models.VoteAbstain, nil))
	if !p.Deadlocked(3, votes) {
		t.Fatal("all voted without quorum should be deadlocked")
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name   string
		votes  []models.Vote
		reps   map[string]int
		amount int64
		want   int
		ok     bool
	}{
		{
			name:   "equal weights partial",
			votes:  []models.Vote{vote("a", models.VotePartialApprove, i64(40000)), vote("b", models.VotePartialApprove, i64(40000))},
			reps:   map[string]int{"a": 1000, "b": 1000},
			amount: 100000,
			want:   40,
			ok:     true,
		},
		{
			name:   "reputation weighted",
			votes:  []models.Vote{vote("a", models.VoteApprove, nil), vote("b", models.VoteDeny, nil)},
			reps:   map[string]int{"a": 3000, "b": 1000},
			amount: 100,
			want:   75,
			ok:     true,
		},
		{
			name:   "abstain excluded",
			votes:  []models.Vote{vote("a", models.VoteDeny, nil), vote("b", models.VoteAbstain, nil)},
			reps:   map[string]int{"a": 1000, "b": 5000},
			amount: 100,
			want:   0,
			ok:     true,
		},
		{
			name:   "partial clamped",
			votes:  []models.Vote{vote("a", models.VotePartialApprove, i64(500))},
			reps:   map[string]int{"a": 1000},
			amount: 100,
			want:   100,
			ok:     true,
		},
		{
			name:   "zero reputation falls back to mean",
			votes:  []models.Vote{vote("a", models.VoteApprove, nil), vote("b", models.VoteDeny, nil)},
			reps:   map[string]int{},
			amount: 100,
			want:   50,
			ok:     true,
		},
		{
			name:  "only abstentions",
			votes: []models.Vote{vote("a", models.VoteAbstain, nil)},
			reps:  map[string]int{"a": 1000},
			ok:    false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Aggregate(tt.votes, tt.reps, tt.amount)
			if ok != tt.ok || (ok && got != tt.want) {
				t.Errorf("Aggregate = (%d, %v), want (%d, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestAggregateConfidenceWeighting(t *testing.T) {
	withConf := func(v models.Vote, conf int) models.Vote {
		v.Confidence = conf
		return v
	}
	reps := map[string]int{"a": 1000, "b": 1000}
	tests := []struct {
		name  string
		votes []models.Vote
		want  int
	}{
		// 100*500 + 0*1000 over 1500
		{"half confidence", []models.Vote{withConf(vote("a", models.VoteApprove, nil), 50), vote("b", models.VoteDeny, nil)}, 33},
		{"zero confidence carries no weight", []models.Vote{vote("a", models.VoteApprove, nil), withConf(vote("b", models.VoteDeny, nil), 0)}, 100},
		{"confidence above 100 is capped", []models.Vote{withConf(vote("a", models.VoteApprove, nil), 250), vote("b", models.VoteDeny, nil)}, 50},
		{"all zero confidence falls back to the plain mean", []models.Vote{withConf(vote("a", models.VoteApprove, nil), 0), withConf(vote("b", models.VoteDeny, nil), 0)}, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Aggregate(tt.votes, reps, 100)
			if !ok || got != tt.want {
				t.Errorf("Aggregate = (%d, %v), want %d", got, ok, tt.want)
			}
		})
	}
}

func TestReputationDeltas(t *testing.T) {
	p := DefaultPolicy()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d := &models.DisputeAggregate{
		Assignments: []models.ArbiterAssignment{{ArbiterAddress: "close"}, {ArbiterAddress: "far"}, {ArbiterAddress: "mid"}, {ArbiterAddress: "abstain"}, {ArbiterAddress: "silent"}},
		Votes: []models.Vote{
			vote("close", models.VotePartialApprove, i64(45)),
			vote("far", models.VoteApprove, nil),
			vote("mid", models.VotePartialApprove, i64(70)),
			vote("abstain", models.VoteAbstain, nil),
		},
	}

	deltas := p.ReputationDeltas(d, 40, 100, now)
	want := map[string]int{"close": 10, "far": -20, "mid": 0, "abstain": 0, "silent": 0}
	if len(deltas) != len(want) {
		t.Fatalf("got %d deltas, want %d", len(deltas), len(want))
	}
	for _, dl := range deltas {
		if dl.ReputationDelta != want[dl.Address] {
			t.Errorf("%s reputation delta = %d, want %d", dl.Address, dl.ReputationDelta, want[dl.Address])
		}
		if dl.DisputesResolved != 1 {
			t.Errorf("%s disputes resolved delta = %d, want 1", dl.Address, dl.DisputesResolved)
		}
		voted := dl.Address != "silent"
		if voted && !dl.At.Equal(now) {
			t.Errorf("%s at = %v, want %v", dl.Address, dl.At, now)
		}
		if !voted && !dl.At.IsZero() {
			t.Errorf("%s never voted but at = %v", dl.Address, dl.At)
		}
	}
}

func TestSelectArbiters(t *testing.T) {
	candidates := []models.Arbiter{
		{Address: "low", Reputation: 900, Active: true},
		{Address: "top", Reputation: 1500, Active: true},
		{Address: "inactive", Reputation: 5000, Active: false},
		{Address: "payer", Reputation: 4000, Active: true},
		{Address: "mid", Reputation: 1200, Active: true},
	}
	got := SelectArbiters(candidates, 2, "payer")
	if len(got) != 2 || got[0].Address != "top" || got[1].Address != "mid" {
		t.Errorf("SelectArbiters = %v, want [top mid]", got)
	}
}
