package hub //nolint:testpackage // internal white-box tests need access to unexported fields

import "testing"

func regEntry(id string, projects ...string) *workerEntry {
	return &workerEntry{id: id, hostname: "h-" + id, projects: projects}
}

func TestWorkerEntry_ClaimRelease(t *testing.T) {
	t.Parallel()
	w := regEntry("w-1", "api")

	if !w.claim("t-1") {
		t.Fatal("claim on idle worker failed")
	}
	if w.claim("t-2") {
		t.Fatal("second claim succeeded while slot held")
	}
	if w.taskID() != "t-1" {
		t.Errorf("slot holds %q, want t-1", w.taskID())
	}

	w.release()
	if w.taskID() != "" {
		t.Errorf("slot not empty after release: %q", w.taskID())
	}
	w.release() // releasing an empty slot is a no-op
	if !w.claim("t-3") {
		t.Error("claim after release failed")
	}
}

func TestRegistry_FindIdleFor(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	r.add(regEntry("w-1", "api"))
	r.add(regEntry("w-2", "api", "web"))
	r.add(regEntry("w-3", "web"))

	tests := []struct {
		name     string
		project  string
		busyIDs  []string
		wantID   string
		wantBusy bool
	}{
		{name: "first match wins", project: "api", wantID: "w-1"},
		{name: "skips busy", project: "api", busyIDs: []string{"w-1"}, wantID: "w-2", wantBusy: true},
		{name: "all capable busy", project: "api", busyIDs: []string{"w-1", "w-2"}, wantBusy: true},
		{name: "no capable worker", project: "mobile"},
		{name: "second project slot", project: "web", wantID: "w-2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, id := range r.order {
				r.entries[id].release()
			}
			for _, id := range tt.busyIDs {
				r.entries[id].claim("busy-task")
			}

			w, busy := r.findIdleFor(tt.project)
			gotID := ""
			if w != nil {
				gotID = w.id
			}
			if gotID != tt.wantID || busy != tt.wantBusy {
				t.Errorf("findIdleFor(%s) = %q, busy=%v; want %q, busy=%v",
					tt.project, gotID, busy, tt.wantID, tt.wantBusy)
			}
		})
	}
}

func TestRegistry_RemovePreservesOrder(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	r.add(regEntry("w-1"))
	r.add(regEntry("w-2"))
	r.add(regEntry("w-3"))

	removed := r.remove("w-2")
	if removed == nil || removed.id != "w-2" {
		t.Fatalf("remove returned %+v", removed)
	}
	if r.remove("w-2") != nil {
		t.Error("second remove returned an entry")
	}

	all := r.all()
	if len(all) != 2 || all[0].id != "w-1" || all[1].id != "w-3" {
		t.Errorf("unexpected order after remove: %+v", all)
	}
	if r.first().id != "w-1" {
		t.Errorf("first() = %s", r.first().id)
	}
	if r.len() != 2 {
		t.Errorf("len() = %d", r.len())
	}
}

func TestRegistry_First(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	if r.first() != nil {
		t.Fatal("first() on empty registry should be nil")
	}
	r.add(regEntry("w-1"))
	r.add(regEntry("w-2"))
	if r.first().id != "w-1" {
		t.Errorf("first() = %s, want w-1", r.first().id)
	}
	r.remove("w-1")
	if r.first().id != "w-2" {
		t.Errorf("first() after remove = %s, want w-2", r.first().id)
	}
}

func TestRegistry_ByTask(t *testing.T) {
	t.Parallel()
	r := newRegistry()
	w1 := regEntry("w-1", "api")
	w2 := regEntry("w-2", "api")
	r.add(w1)
	r.add(w2)
	w2.claim("t-7")

	if got := r.byTask("t-7"); got != w2 {
		t.Errorf("byTask(t-7) = %+v", got)
	}
	if got := r.byTask("t-unknown"); got != nil {
		t.Errorf("byTask miss returned %+v", got)
	}
}
