package statemachine

import "github.com/simplesurance/runledger/internal/model"

type builder struct {
	m *Machine
}

// newBuilder creates a machine where every status in order can transition
// to every later status in order and every non-final status can transition
// to every final status.
func newBuilder(stage model.Stage, order []model.Status, final []model.Status) *builder {
	m := Machine{
		stage:   stage,
		initial: order[0],
		edges:   map[model.Status]map[model.Status]struct{}{},
		final:   map[model.Status]struct{}{},
	}

	for _, s := range final {
		m.final[s] = struct{}{}
	}

	b := builder{m: &m}

	for i, from := range order {
		m.edges[from] = map[model.Status]struct{}{}

		for _, to := range order[i+1:] {
			b.edge(from, to)
		}

		for _, to := range final {
			b.edge(from, to)
		}
	}

	return &b
}

func (b *builder) edge(from, to model.Status) *builder {
	if _, exist := b.m.edges[from]; !exist {
		b.m.edges[from] = map[model.Status]struct{}{}
	}

	b.m.edges[from][to] = struct{}{}

	return b
}

// loop adds a status that can be entered from every status in sources and
// that can transition to every status in targets.
func (b *builder) loop(s model.Status, sources, targets []model.Status) *builder {
	for _, src := range sources {
		b.edge(src, s)
	}

	for _, to := range targets {
		b.edge(s, to)
	}

	return b
}

func (b *builder) finalTargets(s model.Status) *builder {
	for to := range b.m.final {
		b.edge(s, to)
	}

	return b
}

var buildOrder = []model.Status{
	model.StatusWaitingForSRPM,
	model.StatusPending,
	model.StatusRunning,
}

var buildFinal = []model.Status{
	model.StatusSuccess,
	model.StatusFailure,
	model.StatusError,
	model.StatusCanceled,
}

func buildMachine(stage model.Stage) *Machine {
	return newBuilder(stage, buildOrder, buildFinal).m
}

func testRunMachine() *Machine {
	order := []model.Status{
		model.StatusNew,
		model.StatusQueued,
		model.StatusRunning,
	}

	b := newBuilder(
		model.StageTestRun,
		order,
		[]model.Status{
			model.StatusPassed,
			model.StatusFailed,
			model.StatusSkipped,
			model.StatusError,
			model.StatusNeedsInspection,
			model.StatusCanceled,
		},
	)

	b.loop(model.StatusRetry, order, order).finalTargets(model.StatusRetry)
	b.loop(
		model.StatusCancelRequested,
		append(append([]model.Status{}, order...), model.StatusRetry),
		nil,
	).finalTargets(model.StatusCancelRequested)

	return b.m
}

func vmImageMachine() *Machine {
	return newBuilder(
		model.StageVMImageBuild,
		[]model.Status{
			model.StatusPending,
			model.StatusBuilding,
			model.StatusUploading,
			model.StatusDistributing,
		},
		[]model.Status{
			model.StatusSuccess,
			model.StatusFailure,
			model.StatusError,
		},
	).m
}

func bodhiUpdateMachine() *Machine {
	order := []model.Status{
		model.StatusQueued,
		model.StatusRunning,
	}

	b := newBuilder(
		model.StageBodhiUpdate,
		order,
		[]model.Status{
			model.StatusSuccess,
			model.StatusError,
		},
	)
	b.loop(model.StatusRetry, order, order).finalTargets(model.StatusRetry)

	return b.m
}

func oshScanMachine() *Machine {
	return newBuilder(
		model.StageOSHScan,
		[]model.Status{
			model.StatusPending,
			model.StatusRunning,
		},
		[]model.Status{
			model.StatusSucceeded,
			model.StatusFailed,
			model.StatusCanceled,
			model.StatusError,
		},
	).m
}

func syncReleaseMachine() *Machine {
	order := []model.Status{
		model.StatusQueued,
		model.StatusRunning,
	}

	b := newBuilder(
		model.StageSyncRelease,
		order,
		[]model.Status{
			model.StatusSubmitted,
			model.StatusSkipped,
			model.StatusError,
		},
	)
	b.loop(model.StatusRetry, order, order).finalTargets(model.StatusRetry)

	return b.m
}

var machines = map[model.Stage]*Machine{
	model.StageSRPM:         buildMachine(model.StageSRPM),
	model.StageCoprBuild:    buildMachine(model.StageCoprBuild),
	model.StageKojiBuild:    buildMachine(model.StageKojiBuild),
	model.StageTestRun:      testRunMachine(),
	model.StageVMImageBuild: vmImageMachine(),
	model.StageBodhiUpdate:  bodhiUpdateMachine(),
	model.StageOSHScan:      oshScanMachine(),
	model.StageSyncRelease:  syncReleaseMachine(),
}
