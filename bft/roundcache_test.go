package bft

import (
	"testing"

	"github.com/veilnet/node/consensus"
)

func committeeOf(n int) DevCommittee {
	members := make([]consensus.ValidatorAddress, n)
	for i := 0; i < n; i++ {
		members[i] = validatorAt(i)
	}
	return DevCommittee{Validators: members}
}

func validatorAt(i int) consensus.ValidatorAddress {
	var addr consensus.ValidatorAddress
	addr.X[0] = byte(i)
	addr.X[1] = byte(i >> 8)
	return addr
}

// TestRoundCacheQuorumWalk is §8 scenario 5: 200 equal-stake validators,
// round-robin updates for r=1..999 (r < 1000), expect the frontier to stop
// at 866.
func TestRoundCacheQuorumWalk(t *testing.T) {
	committee := committeeOf(200)
	rc := NewRoundCache()

	var last uint64
	for r := uint64(1); r < 1000; r++ {
		validator := validatorAt(int(r % 200))
		got, err := rc.Update(r, validator, committee)
		if err != nil {
			t.Fatalf("update(%d): %v", r, err)
		}
		if got < last {
			t.Fatalf("round cache regressed at r=%d: %d < %d", r, got, last)
		}
		last = got
	}
	if last != 866 {
		t.Fatalf("last_highest_round = %d, want 866", last)
	}
	if rc.NumTracked() > committee.NumMembers() {
		t.Fatalf("tracked %d exceeds committee size %d", rc.NumTracked(), committee.NumMembers())
	}
}

// TestRoundCacheStuckAtZero is §8 scenario 6: only one validator ever
// advances, so quorum is never reached and the frontier stays at 0.
func TestRoundCacheStuckAtZero(t *testing.T) {
	committee := committeeOf(200)
	rc := NewRoundCache()
	v0 := validatorAt(0)

	for r := uint64(1); r <= 1000; r++ {
		got, err := rc.Update(r, v0, committee)
		if err != nil {
			t.Fatalf("update(%d): %v", r, err)
		}
		if got != 0 {
			t.Fatalf("last_highest_round = %d at r=%d, want 0", got, r)
		}
	}
}

// TestRoundCacheRepeatSameValidatorNoChange: incrementing the same
// validator repeatedly beyond its already-recorded round never changes
// last_highest_round.
func TestRoundCacheRepeatSameValidatorNoChange(t *testing.T) {
	committee := committeeOf(3)
	rc := NewRoundCache()
	v0 := validatorAt(0)

	first, err := rc.Update(5, v0, committee)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	for i := 0; i < 10; i++ {
		got, err := rc.Update(6+uint64(i), v0, committee)
		if err != nil {
			t.Fatalf("update repeat: %v", err)
		}
		if got != first {
			t.Fatalf("last_highest_round changed on repeat: %d != %d", got, first)
		}
	}
}

// TestRoundCacheNonMemberFails: a validator outside the committee is
// rejected and state is unchanged.
func TestRoundCacheNonMemberFails(t *testing.T) {
	committee := committeeOf(3)
	rc := NewRoundCache()
	outsider := validatorAt(99)

	before := rc.LastHighestRoundWithQuorum()
	_, err := rc.Update(1, outsider, committee)
	if err == nil {
		t.Fatal("expected error for non-member validator")
	}
	if rc.LastHighestRoundWithQuorum() != before {
		t.Fatal("state changed on rejected update")
	}
	if rc.NumTracked() != 0 {
		t.Fatal("non-member should not be tracked")
	}
}
