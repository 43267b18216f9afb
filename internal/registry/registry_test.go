package registry

import "testing"

func TestAddAssignsUniqueUID(t *testing.T) {
	r := New()
	a := r.Add()
	b := r.Add()
	if a == b {
		t.Fatalf("expected distinct UIDs, got %q twice", a)
	}
	if r.Count() != 2 {
		t.Fatalf("expected 2 registered clients, got %d", r.Count())
	}
}

func TestSetPlayStatePosAndSimID(t *testing.T) {
	r := New()
	uid := r.Add()

	if !r.SetPlayState(uid, Playing) {
		t.Fatalf("SetPlayState on known uid should succeed")
	}
	if !r.SetPos(uid, 4096) {
		t.Fatalf("SetPos on known uid should succeed")
	}
	if !r.SetSimID(uid, "live") {
		t.Fatalf("SetSimID on known uid should succeed")
	}

	c, ok := r.Get(uid)
	if !ok {
		t.Fatalf("expected client to be present")
	}
	if c.PlayState != Playing || c.PlaybackPos != 4096 || c.SimID != "live" {
		t.Fatalf("unexpected client state: %+v", c)
	}
}

func TestUnknownUIDOperationsFail(t *testing.T) {
	r := New()
	if r.SetPlayState("ghost", Playing) {
		t.Fatalf("expected failure for unknown uid")
	}
	if r.SetPos("ghost", 1) {
		t.Fatalf("expected failure for unknown uid")
	}
	if _, ok := r.Get("ghost"); ok {
		t.Fatalf("expected Get to report absence for unknown uid")
	}
}

func TestHeartbeatMissCountingAndReset(t *testing.T) {
	r := New()
	uid := r.Add()

	for i := 0; i < 3; i++ {
		if _, ok := r.MarkExpired(uid); !ok {
			t.Fatalf("MarkExpired should find known uid")
		}
	}
	c, _ := r.Get(uid)
	if c.MissedHeartbeats != 3 {
		t.Fatalf("expected 3 missed heartbeats, got %d", c.MissedHeartbeats)
	}

	r.RegisterHeartbeat(uid)
	c, _ = r.Get(uid)
	if c.MissedHeartbeats != 0 {
		t.Fatalf("expected heartbeat to reset miss counter, got %d", c.MissedHeartbeats)
	}
}

func TestSweepExpiredForceClosesPastThreshold(t *testing.T) {
	r := New()
	stale := r.Add()
	fresh := r.Add()

	for i := 0; i < maxMissedHeartbeats+1; i++ {
		r.MarkExpired(stale)
	}
	r.MarkExpired(fresh)

	expired := r.SweepExpired()
	if len(expired) != 1 || expired[0] != stale {
		t.Fatalf("expected only %q to be swept, got %v", stale, expired)
	}
	if _, ok := r.Get(stale); ok {
		t.Fatalf("expected stale client to be removed from registry")
	}
	if _, ok := r.Get(fresh); !ok {
		t.Fatalf("expected fresh client to remain registered")
	}
}

func TestActiveStreamersExcludesStoppedAndFinished(t *testing.T) {
	r := New()
	playing := r.Add()
	stopped := r.Add()
	finished := r.Add()

	r.SetSimID(playing, "live")
	r.SetSimID(stopped, "live")
	r.SetSimID(finished, "live")

	r.SetPlayState(playing, Playing)
	r.SetPlayState(stopped, Stopped)
	r.SetPlayState(finished, Finished)

	active := r.ActiveStreamers("live")
	if len(active) != 1 || active[0] != playing {
		t.Fatalf("expected only %q to be active, got %v", playing, active)
	}
}

func TestRemoveDeletesClient(t *testing.T) {
	r := New()
	uid := r.Add()
	r.Remove(uid)
	if _, ok := r.Get(uid); ok {
		t.Fatalf("expected client to be gone after Remove")
	}
	if r.Count() != 0 {
		t.Fatalf("expected empty registry after Remove, got %d", r.Count())
	}
}
