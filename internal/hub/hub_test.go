package hub

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lei/woodhouse/internal/models"
	"github.com/lei/woodhouse/pkg/logger"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	return New(logger.Discard(), nil)
}

func TestCreateBuildNumbering(t *testing.T) {
	h := newTestHub(t)

	if _, err := h.CreateBuild("missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("CreateBuild(missing) error = %v, want %v", err, ErrUnknownJob)
	}

	h.RegisterJob("build-app")
	for want := 1; want <= 3; want++ {
		b, err := h.CreateBuild("build-app")
		if err != nil {
			t.Fatalf("CreateBuild() error = %v", err)
		}
		if b.Number != want {
			t.Errorf("build number = %d, want %d", b.Number, want)
		}
		if b.Status() != models.StatusPending {
			t.Errorf("new build status = %q, want pending", b.Status())
		}
	}

	builds, _ := h.Builds("build-app")
	if len(builds) != 3 || builds[0].Number != 3 || builds[2].Number != 1 {
		t.Errorf("Builds() not newest first: %v", builds)
	}
}

func TestBuildLookup(t *testing.T) {
	h := newTestHub(t)
	h.RegisterJob("build-app")

	if _, err := h.LatestBuild("build-app"); !errors.Is(err, ErrUnknownBuild) {
		t.Errorf("LatestBuild() with no builds error = %v, want %v", err, ErrUnknownBuild)
	}

	first, _ := h.CreateBuild("build-app")
	second, _ := h.CreateBuild("build-app")

	tests := []struct {
		name    string
		jobID   string
		number  int
		want    *Build
		wantErr error
	}{
		{"first", "build-app", 1, first, nil},
		{"second", "build-app", 2, second, nil},
		{"missing build", "build-app", 3, nil, ErrUnknownBuild},
		{"zero", "build-app", 0, nil, ErrUnknownBuild},
		{"missing job", "deploy", 1, nil, ErrUnknownJob},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.Build(tt.jobID, tt.number)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Build() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Build() = %v, want %v", got, tt.want)
			}
		})
	}

	latest, err := h.LatestBuild("build-app")
	if err != nil || latest != second {
		t.Errorf("LatestBuild() = %v, %v, want build 2", latest, err)
	}
}

func TestSetBuildStatusFollowsLatest(t *testing.T) {
	h := newTestHub(t)
	h.RegisterJob("build-app")

	old, _ := h.CreateBuild("build-app")
	h.SetBuildStatus(old, models.StatusRunning)

	current, _ := h.CreateBuild("build-app")
	h.SetBuildStatus(current, models.StatusRunning)

	h.SetBuildStatus(old, models.StatusFailed)
	if st, _ := h.Statuses().Get("build-app"); st != models.StatusRunning {
		t.Errorf("job status = %q after old build finished, want running", st)
	}
	if old.Status() != models.StatusFailed {
		t.Errorf("old build status = %q, want failed", old.Status())
	}

	h.SetBuildStatus(current, models.StatusSucceeded)
	if st, _ := h.Statuses().Get("build-app"); st != models.StatusSucceeded {
		t.Errorf("job status = %q, want succeeded", st)
	}
}

func TestSnapshot(t *testing.T) {
	h := newTestHub(t)
	h.RegisterJob("build-app")
	b, _ := h.CreateBuild("build-app")
	b.Output.Append([]byte("hello"))

	snap := b.Snapshot()
	if snap.Finished || snap.FinishedAt != nil || snap.OutputLength != 5 {
		t.Errorf("running snapshot = %+v", snap)
	}

	b.Output.MarkFinished(models.ResultSuccess)
	h.SetBuildStatus(b, models.StatusSucceeded)

	snap = b.Snapshot()
	if !snap.Finished || snap.Result != models.ResultSuccess || snap.FinishedAt == nil || snap.Status != models.StatusSucceeded {
		t.Errorf("finished snapshot = %+v", snap)
	}
}

func TestRegisterRelease(t *testing.T) {
	h := newTestHub(t)
	target := BuildTarget("build-app", 1)

	reg, ctx, err := h.Register(context.Background(), target)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if h.Sessions() != 1 || h.SessionsFor(target) != 1 || h.SessionsFor(StatusTarget()) != 0 {
		t.Fatalf("session counts wrong after Register")
	}

	reg.Release()
	reg.Release()

	if h.Sessions() != 0 {
		t.Errorf("Sessions() = %d after Release, want 0", h.Sessions())
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("session context not cancelled by Release")
	}
}

func TestCloseReleasesSessions(t *testing.T) {
	h := newTestHub(t)

	_, ctx1, _ := h.Register(context.Background(), StatusTarget())
	_, ctx2, _ := h.Register(context.Background(), BuildTarget("build-app", 2))

	h.Close()

	for i, ctx := range []context.Context{ctx1, ctx2} {
		select {
		case <-ctx.Done():
		default:
			t.Errorf("session %d not cancelled by Close", i)
		}
	}
	if h.Sessions() != 0 {
		t.Errorf("Sessions() = %d after Close, want 0", h.Sessions())
	}
	if _, _, err := h.Register(context.Background(), StatusTarget()); !errors.Is(err, ErrClosed) {
		t.Errorf("Register() after Close error = %v, want %v", err, ErrClosed)
	}
}

func TestSweep(t *testing.T) {
	h := newTestHub(t)
	h.RegisterJob("build-app")

	var builds []*Build
	for i := 0; i < 5; i++ {
		b, _ := h.CreateBuild("build-app")
		builds = append(builds, b)
	}
	// Builds 1-3 finished, 4 still running, 5 finished.
	for _, i := range []int{0, 1, 2, 4} {
		builds[i].Output.MarkFinished(models.ResultSuccess)
	}

	// Someone is still reading build 2.
	reg, _, _ := h.Register(context.Background(), BuildTarget("build-app", 2))
	defer reg.Release()

	later := time.Now().Add(2 * time.Hour)
	if removed := h.Sweep(later, time.Hour, 1); removed != 2 {
		t.Fatalf("Sweep() removed %d, want 2", removed)
	}

	for _, tt := range []struct {
		number int
		kept   bool
	}{
		{1, false}, {2, true}, {3, false}, {4, true}, {5, true},
	} {
		_, err := h.Build("build-app", tt.number)
		if kept := err == nil; kept != tt.kept {
			t.Errorf("build %d kept = %v, want %v", tt.number, kept, tt.kept)
		}
	}

	// Numbering continues after a sweep.
	next, _ := h.CreateBuild("build-app")
	if next.Number != 6 {
		t.Errorf("next build number = %d, want 6", next.Number)
	}

	if removed := h.Sweep(time.Now(), time.Hour, 0); removed != 0 {
		t.Errorf("Sweep() of recent builds removed %d, want 0", removed)
	}
}
