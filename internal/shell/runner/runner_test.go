package runner

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upstack-io/upstack/internal/core/plan"
	"github.com/upstack-io/upstack/internal/core/run"
	"github.com/upstack-io/upstack/internal/core/stack"
	"github.com/upstack-io/upstack/internal/shell/docker"
)

// =============================================================================
// Fake Engine Client
// =============================================================================

// fakeClient is an in-memory docker.Client. Health, failing streak and status
// reports are scripted per service: each inspect pops the next value, the
// last value repeats.
type fakeClient struct {
	mu sync.Mutex

	created []docker.ContainerSpec
	started []string
	stopped []string
	removed []string

	networks       []docker.NetworkSpec
	networksGone   []string
	volumes        []docker.VolumeSpec
	volumesGone    []string
	pulled         []string
	existingImages map[string]bool

	healthSeq map[string][]string // service name -> health values
	healthPos map[string]int
	streakSeq map[string][]int // service name -> failing streaks
	streakPos map[string]int
	statusSeq map[string][]docker.ContainerStatus
	statusPos map[string]int
	exitCode  map[string]int

	listed []docker.ContainerInfo
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		existingImages: map[string]bool{},
		healthSeq:      map[string][]string{},
		healthPos:      map[string]int{},
		streakSeq:      map[string][]int{},
		streakPos:      map[string]int{},
		statusSeq:      map[string][]docker.ContainerStatus{},
		statusPos:      map[string]int{},
		exitCode:       map[string]int{},
	}
}

func (f *fakeClient) CreateContainer(spec docker.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, spec)
	return "ctr-" + spec.Labels[docker.LabelService], nil
}

func (f *fakeClient) StartContainer(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeClient) StopContainer(id string, _ *time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeClient) RemoveContainer(id string, _ docker.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeClient) InspectContainer(id string) (*docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	svc := strings.TrimPrefix(id, "ctr-")
	health := ""
	if seq, ok := f.healthSeq[svc]; ok && len(seq) > 0 {
		pos := f.healthPos[svc]
		if pos >= len(seq) {
			pos = len(seq) - 1
		}
		health = seq[pos]
		f.healthPos[svc]++
	}

	streak := 0
	if seq, ok := f.streakSeq[svc]; ok && len(seq) > 0 {
		pos := f.streakPos[svc]
		if pos >= len(seq) {
			pos = len(seq) - 1
		}
		streak = seq[pos]
		f.streakPos[svc]++
	}

	status := docker.ContainerStatusRunning
	if seq, ok := f.statusSeq[svc]; ok && len(seq) > 0 {
		pos := f.statusPos[svc]
		if pos >= len(seq) {
			pos = len(seq) - 1
		}
		status = seq[pos]
		f.statusPos[svc]++
	}

	return &docker.ContainerInfo{
		ID:           id,
		Name:         id,
		Status:       status,
		Health:       health,
		HealthStreak: streak,
		ExitCode:     f.exitCode[svc],
	}, nil
}

func (f *fakeClient) ListContainers(_ docker.ListOptions) ([]docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listed, nil
}

func (f *fakeClient) ContainerLogs(id string, _ docker.LogOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("log line from " + id)), nil
}

func (f *fakeClient) CreateNetwork(spec docker.NetworkSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks = append(f.networks, spec)
	return "net-" + spec.Name, nil
}

func (f *fakeClient) RemoveNetwork(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networksGone = append(f.networksGone, id)
	return nil
}

func (f *fakeClient) CreateVolume(spec docker.VolumeSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes = append(f.volumes, spec)
	return spec.Name, nil
}

func (f *fakeClient) RemoveVolume(name string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumesGone = append(f.volumesGone, name)
	return nil
}

func (f *fakeClient) PullImage(image string, _ docker.PullOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, image)
	return nil
}

func (f *fakeClient) ImageExists(image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existingImages[image], nil
}

func (f *fakeClient) Ping() error  { return nil }
func (f *fakeClient) Close() error { return nil }

// =============================================================================
// Fixtures
// =============================================================================

// fastPolicy keeps gate polling in the microsecond range.
func fastProbe(retries int) *stack.HealthCheck {
	return &stack.HealthCheck{
		Test:     []string{"CMD", "mysqladmin", "ping", "-h", "localhost"},
		Interval: time.Millisecond,
		Timeout:  time.Millisecond,
		Retries:  retries,
	}
}

func gatedStack(retries int) *stack.Stack {
	return &stack.Stack{
		Name: "web",
		Services: []stack.Service{
			{
				Name:  "app",
				Image: "app:1",
				Ports: []stack.Port{{Target: 5000, Published: 5000}},
				DependsOn: []stack.Dependency{
					{Service: "db", Condition: stack.ConditionHealthy},
				},
			},
			{
				Name:        "db",
				Image:       "mysql:5.7",
				Ports:       []stack.Port{{Target: 3306, Published: 32000}},
				HealthCheck: fastProbe(retries),
			},
		},
	}
}

func upArgs(st *stack.Stack) (*plan.StartPlan, *run.Run) {
	return plan.Build(st), run.New(st.Name)
}

// completedStack gates app on a one-shot migrate job. The job's probe policy
// bounds how long the gate waits for it to exit.
func completedStack(retries int) *stack.Stack {
	return &stack.Stack{
		Name: "web",
		Services: []stack.Service{
			{
				Name:  "app",
				Image: "app:1",
				DependsOn: []stack.Dependency{
					{Service: "migrate", Condition: stack.ConditionCompleted},
				},
			},
			{
				Name:        "migrate",
				Image:       "migrate:1",
				HealthCheck: fastProbe(retries),
			},
		},
	}
}

// =============================================================================
// Up Tests
// =============================================================================

func TestUp_HealthGateClears(t *testing.T) {
	fake := newFakeClient()
	fake.existingImages["app:1"] = true
	fake.healthSeq["db"] = []string{"starting", "starting", "healthy"}

	st := gatedStack(10)
	p, r := upArgs(st)

	rn := NewRunner(fake, nil, t.TempDir())
	err := rn.Up(context.Background(), st, p, r)
	require.NoError(t, err)

	assert.Equal(t, run.StatusRunning, r.Status)
	require.Len(t, fake.created, 2)
	assert.Equal(t, "db", fake.created[0].Labels[docker.LabelService])
	assert.Equal(t, "app", fake.created[1].Labels[docker.LabelService])

	// mysql:5.7 is not local, so it gets pulled; app:1 is
	assert.Equal(t, []string{"mysql:5.7"}, fake.pulled)

	dbState := r.Service("db")
	require.NotNil(t, dbState)
	assert.Equal(t, "ctr-db", dbState.ContainerID)
}

func TestUp_GateExhausted_DependentNeverStarts(t *testing.T) {
	fake := newFakeClient()
	fake.existingImages["app:1"] = true
	fake.existingImages["mysql:5.7"] = true
	fake.healthSeq["db"] = []string{"starting"} // never becomes healthy

	st := gatedStack(2)
	p, r := upArgs(st)

	rn := NewRunner(fake, nil, t.TempDir())
	err := rn.Up(context.Background(), st, p, r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGateFailed)

	assert.Equal(t, run.StatusFailed, r.Status)
	assert.NotEmpty(t, r.Error)

	// Only db was ever created; the gated dependent never starts
	require.Len(t, fake.created, 1)
	assert.Equal(t, "db", fake.created[0].Labels[docker.LabelService])

	// Partial resources are torn down
	assert.Contains(t, fake.removed, "ctr-db")
	assert.NotEmpty(t, fake.networksGone)
}

func TestUp_UnhealthyDependencyFailsRun(t *testing.T) {
	fake := newFakeClient()
	fake.existingImages["app:1"] = true
	fake.existingImages["mysql:5.7"] = true
	fake.healthSeq["db"] = []string{"unhealthy"}

	st := gatedStack(10)
	p, r := upArgs(st)

	rn := NewRunner(fake, nil, t.TempDir())
	err := rn.Up(context.Background(), st, p, r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unhealthy")
	assert.Equal(t, run.StatusFailed, r.Status)
	require.Len(t, fake.created, 1)
}

func TestUp_ProbeFailureStreakFailsGate(t *testing.T) {
	fake := newFakeClient()
	fake.existingImages["app:1"] = true
	fake.existingImages["mysql:5.7"] = true
	// The engine keeps reporting "starting" while the failing streak grows
	fake.healthSeq["db"] = []string{"starting"}
	fake.streakSeq["db"] = []int{0, 1, 2, 3}

	st := gatedStack(3)
	// Generous timeout so the streak, not the budget, ends the wait
	st.Services[1].HealthCheck.Timeout = 250 * time.Millisecond

	p, r := upArgs(st)

	rn := NewRunner(fake, nil, t.TempDir())
	err := rn.Up(context.Background(), st, p, r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGateFailed)
	assert.Contains(t, err.Error(), "consecutive probe failures")

	assert.Equal(t, run.StatusFailed, r.Status)
	require.Len(t, fake.created, 1)
	assert.Equal(t, "db", fake.created[0].Labels[docker.LabelService])
}

func TestUp_CompletedGateWaitsForExit(t *testing.T) {
	fake := newFakeClient()
	fake.existingImages["app:1"] = true
	fake.existingImages["migrate:1"] = true
	fake.statusSeq["migrate"] = []docker.ContainerStatus{
		docker.ContainerStatusRunning,
		docker.ContainerStatusRunning,
		docker.ContainerStatusExited,
	}

	st := completedStack(10)
	p, r := upArgs(st)

	rn := NewRunner(fake, nil, t.TempDir())
	require.NoError(t, rn.Up(context.Background(), st, p, r))

	assert.Equal(t, run.StatusRunning, r.Status)
	require.Len(t, fake.created, 2)
	assert.Equal(t, "migrate", fake.created[0].Labels[docker.LabelService])
	assert.Equal(t, "app", fake.created[1].Labels[docker.LabelService])
}

func TestUp_CompletedGateFailsOnNonzeroExit(t *testing.T) {
	fake := newFakeClient()
	fake.existingImages["app:1"] = true
	fake.existingImages["migrate:1"] = true
	fake.statusSeq["migrate"] = []docker.ContainerStatus{
		docker.ContainerStatusRunning,
		docker.ContainerStatusExited,
	}
	fake.exitCode["migrate"] = 1

	st := completedStack(10)
	p, r := upArgs(st)

	rn := NewRunner(fake, nil, t.TempDir())
	err := rn.Up(context.Background(), st, p, r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGateFailed)
	assert.Contains(t, err.Error(), "exited with code 1")
	require.Len(t, fake.created, 1)
}

func TestUp_CompletedGateBoundedWhenJobNeverExits(t *testing.T) {
	fake := newFakeClient()
	fake.existingImages["app:1"] = true
	fake.existingImages["migrate:1"] = true
	// migrate never exits; the default status is running

	st := completedStack(2)
	p, r := upArgs(st)

	rn := NewRunner(fake, nil, t.TempDir())
	err := rn.Up(context.Background(), st, p, r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGateFailed)
	assert.Contains(t, err.Error(), "expected it to exit")

	assert.Equal(t, run.StatusFailed, r.Status)
	require.Len(t, fake.created, 1)
	assert.Contains(t, fake.removed, "ctr-migrate")
}

func TestUp_BuildServiceRequiresLocalImage(t *testing.T) {
	fake := newFakeClient()

	st := &stack.Stack{
		Name: "web",
		Services: []stack.Service{
			{Name: "app", Build: &stack.BuildConfig{Context: "."}},
		},
	}
	p, r := upArgs(st)

	rn := NewRunner(fake, nil, t.TempDir())
	err := rn.Up(context.Background(), st, p, r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrImageRequired)
	assert.Contains(t, err.Error(), "upstack_web_app:latest")
	assert.Equal(t, run.StatusFailed, r.Status)
	assert.Empty(t, fake.pulled)
}

func TestUp_CreatesRunScopedResources(t *testing.T) {
	fake := newFakeClient()
	fake.existingImages["app:1"] = true
	fake.existingImages["mysql:5.7"] = true
	fake.healthSeq["db"] = []string{"healthy"}

	st := gatedStack(3)
	st.Volumes = []stack.Volume{{Name: "dbdata"}}
	p, r := upArgs(st)

	rn := NewRunner(fake, nil, t.TempDir())
	require.NoError(t, rn.Up(context.Background(), st, p, r))

	require.Len(t, fake.networks, 1)
	assert.Equal(t, NetworkName(r.ID), fake.networks[0].Name)
	assert.Equal(t, r.ID, fake.networks[0].Labels[docker.LabelRun])

	require.Len(t, fake.volumes, 1)
	assert.Equal(t, VolumeName(r.ID, "dbdata"), fake.volumes[0].Name)

	// Containers carry the run labels and a service DNS alias
	for _, spec := range fake.created {
		assert.Equal(t, "true", spec.Labels[docker.LabelManaged])
		assert.Equal(t, r.ID, spec.Labels[docker.LabelRun])
		aliases := spec.Aliases[NetworkName(r.ID)]
		assert.Equal(t, []string{spec.Labels[docker.LabelService]}, aliases)
	}
}

// =============================================================================
// Container Spec Tests
// =============================================================================

func TestBuildContainerSpec_RendersProbeFromEnvFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("MYSQL_USER=u\nMYSQL_PASSWORD=p\n"), 0644))

	svc := stack.Service{
		Name:     "db",
		Image:    "mysql:5.7",
		EnvFiles: []string{".env"},
		HealthCheck: &stack.HealthCheck{
			Test:    []string{"CMD", "mysqladmin", "ping", "-h", "localhost", "-u", "${MYSQL_USER}", "-p${MYSQL_PASSWORD}"},
			Timeout: 20 * time.Second,
			Retries: 10,
		},
	}

	rn := NewRunner(newFakeClient(), nil, dir)
	r := run.New("web")
	spec, err := rn.buildContainerSpec(r, svc, NetworkName(r.ID))
	require.NoError(t, err)

	require.NotNil(t, spec.HealthCheck)
	assert.Equal(t,
		[]string{"CMD", "mysqladmin", "ping", "-h", "localhost", "-u", "u", "-pp"},
		spec.HealthCheck.Test)
	assert.Equal(t, 20*time.Second, spec.HealthCheck.Timeout)
	assert.Equal(t, 10, spec.HealthCheck.Retries)

	assert.Equal(t, "u", spec.Env["MYSQL_USER"])
	assert.Equal(t, "p", spec.Env["MYSQL_PASSWORD"])
}

func TestBuildContainerSpec_BindMountResolvedAgainstWorkDir(t *testing.T) {
	dir := t.TempDir()
	svc := stack.Service{
		Name:  "db",
		Image: "mysql:5.7",
		Volumes: []stack.VolumeMount{
			{Type: stack.VolumeMountTypeBind, Source: "./db", Target: "/docker-entrypoint-initdb.d/"},
			{Type: stack.VolumeMountTypeVolume, Source: "dbdata", Target: "/var/lib/mysql"},
		},
	}

	rn := NewRunner(newFakeClient(), nil, dir)
	r := run.New("web")
	spec, err := rn.buildContainerSpec(r, svc, NetworkName(r.ID))
	require.NoError(t, err)

	require.Len(t, spec.Mounts, 2)
	assert.Equal(t, filepath.Join(dir, "db"), spec.Mounts[0].Source)
	assert.Equal(t, VolumeName(r.ID, "dbdata"), spec.Mounts[1].Source)
}

// =============================================================================
// Down Tests
// =============================================================================

func TestDown_StopsAndRemovesEverything(t *testing.T) {
	fake := newFakeClient()
	r := run.New("web")
	require.NoError(t, r.Transition(run.StatusStarting))
	require.NoError(t, r.Transition(run.StatusRunning))

	fake.listed = []docker.ContainerInfo{
		{ID: "ctr-app", Status: docker.ContainerStatusRunning, Labels: map[string]string{docker.LabelService: "app"}},
		{ID: "ctr-db", Status: docker.ContainerStatusExited, Labels: map[string]string{docker.LabelService: "db"}},
	}

	st := &stack.Stack{Name: "web", Volumes: []stack.Volume{{Name: "dbdata"}}}

	rn := NewRunner(fake, nil, t.TempDir())
	require.NoError(t, rn.Down(context.Background(), r, st))

	assert.Equal(t, run.StatusStopped, r.Status)
	assert.Equal(t, []string{"ctr-app"}, fake.stopped) // exited one is not stopped again
	assert.ElementsMatch(t, []string{"ctr-app", "ctr-db"}, fake.removed)
	assert.Contains(t, fake.networksGone, NetworkName(r.ID))
	assert.Contains(t, fake.volumesGone, VolumeName(r.ID, "dbdata"))
}

// =============================================================================
// Naming Tests
// =============================================================================

func TestNaming(t *testing.T) {
	id := "0f0e7a5c-1234-5678-9abc-def012345678"
	assert.Equal(t, "upstack_0f0e7a5c", NetworkName(id))
	assert.Equal(t, "upstack_0f0e7a5c_db", ContainerName(id, "db"))
	assert.Equal(t, "upstack_0f0e7a5c_dbdata", VolumeName(id, "dbdata"))
	assert.Equal(t, "upstack_web_app:latest", LocalImageName("web", "app"))
}

func TestLogs(t *testing.T) {
	rn := NewRunner(newFakeClient(), nil, t.TempDir())
	out, err := rn.Logs(context.Background(), "ctr-db", "100")
	require.NoError(t, err)
	assert.Equal(t, "log line from ctr-db", out)
}
