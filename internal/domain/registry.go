package domain

import "fmt"

// Ref describes a foreign key from one entity type to another. Locally the
// field holds the parent's local id; on the wire it holds the parent's
// global id.
type Ref struct {
	Field    string
	Column   string
	Parent   EntityType
	Required bool
}

// Descriptor ties an entity type to its local table and remote resource.
type Descriptor struct {
	Type     EntityType
	Table    string
	Resource string
	Refs     []Ref
	New      func() Entity
}

// Registry is the dispatch table used by the recorder, the sync engine and
// the reference backend.
type Registry struct {
	ordered    []Descriptor
	byType     map[EntityType]Descriptor
	byResource map[string]Descriptor
}

// NewRegistry builds a registry. Descriptors must be listed parents first.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{
		byType:     make(map[EntityType]Descriptor, len(descs)),
		byResource: make(map[string]Descriptor, len(descs)),
	}
	for _, d := range descs {
		if _, dup := r.byType[d.Type]; dup {
			return nil, fmt.Errorf("duplicate entity type %q", d.Type)
		}
		for _, ref := range d.Refs {
			if _, ok := r.byType[ref.Parent]; !ok {
				return nil, fmt.Errorf("%s.%s references %s before it is registered", d.Type, ref.Field, ref.Parent)
			}
		}
		r.ordered = append(r.ordered, d)
		r.byType[d.Type] = d
		r.byResource[d.Resource] = d
	}
	return r, nil
}

// Lookup returns the descriptor for t.
func (r *Registry) Lookup(t EntityType) (Descriptor, error) {
	d, ok := r.byType[t]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrUnknownEntityType, t)
	}
	return d, nil
}

// ByResource returns the descriptor serving a remote resource path.
func (r *Registry) ByResource(resource string) (Descriptor, bool) {
	d, ok := r.byResource[resource]
	return d, ok
}

// Ordered lists descriptors with parents before children.
func (r *Registry) Ordered() []Descriptor {
	out := make([]Descriptor, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Children returns every reference pointing at parent, with the descriptor
// that owns it.
func (r *Registry) Children(parent EntityType) []ChildRef {
	var out []ChildRef
	for _, d := range r.ordered {
		for _, ref := range d.Refs {
			if ref.Parent == parent {
				out = append(out, ChildRef{Descriptor: d, Ref: ref})
			}
		}
	}
	return out
}

// ChildRef pairs a referencing descriptor with the reference.
type ChildRef struct {
	Descriptor Descriptor
	Ref        Ref
}

// DefaultRegistry describes the fitness entities.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		Descriptor{
			Type:     TypeExercise,
			Table:    "exercises",
			Resource: "exercises",
			New:      func() Entity { return &Exercise{} },
		},
		Descriptor{
			Type:     TypeWorkoutTemplate,
			Table:    "workout_templates",
			Resource: "workoutTemplates",
			New:      func() Entity { return &WorkoutTemplate{} },
		},
		Descriptor{
			Type:     TypeWorkout,
			Table:    "workouts",
			Resource: "workouts",
			Refs: []Ref{
				{Field: "templateId", Column: "template_id", Parent: TypeWorkoutTemplate},
			},
			New: func() Entity { return &Workout{} },
		},
		Descriptor{
			Type:     TypeBodyMeasurement,
			Table:    "body_measurements",
			Resource: "bodyMeasurements",
			New:      func() Entity { return &BodyMeasurement{} },
		},
		Descriptor{
			Type:     TypeWeekSchedule,
			Table:    "week_schedules",
			Resource: "weekSchedules",
			New:      func() Entity { return &WeekSchedule{} },
		},
		Descriptor{
			Type:     TypeScheduledWorkout,
			Table:    "scheduled_workouts",
			Resource: "scheduledWorkouts",
			Refs: []Ref{
				{Field: "weekScheduleId", Column: "week_schedule_id", Parent: TypeWeekSchedule, Required: true},
				{Field: "templateId", Column: "template_id", Parent: TypeWorkoutTemplate},
			},
			New: func() Entity { return &ScheduledWorkout{} },
		},
	)
	if err != nil {
		panic(err)
	}
	return r
}
