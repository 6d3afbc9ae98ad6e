// Package domain defines the fitness entities, the mutation log records and
// the registry that maps entity types to tables and remote resources.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrEntityNotFound is returned when a local entity row cannot be located.
	ErrEntityNotFound = errors.New("entity not found")
	// ErrUnknownEntityType is returned for tags missing from the registry.
	ErrUnknownEntityType = errors.New("unknown entity type")
	// ErrMissingRecordID is returned for a remote record without an id.
	ErrMissingRecordID = errors.New("remote record without id")
)

// EntityType tags which domain table a record or queue entry belongs to.
type EntityType string

const (
	TypeExercise         EntityType = "exercise"
	TypeWorkoutTemplate  EntityType = "workoutTemplate"
	TypeWorkout          EntityType = "workout"
	TypeBodyMeasurement  EntityType = "bodyMeasurement"
	TypeWeekSchedule     EntityType = "weekSchedule"
	TypeScheduledWorkout EntityType = "scheduledWorkout"
)

// Entity is implemented by every syncable record.
type Entity interface {
	EntityType() EntityType
}

// Exercise is a movement the user can log.
type Exercise struct {
	Name        string `json:"name" validate:"required,max=120"`
	MuscleGroup string `json:"muscleGroup,omitempty" validate:"max=60"`
	Equipment   string `json:"equipment,omitempty" validate:"max=60"`
	Notes       string `json:"notes,omitempty"`
}

// WorkoutTemplate is a reusable plan that workouts and schedules point at.
type WorkoutTemplate struct {
	Name             string `json:"name" validate:"required,max=120"`
	EstimatedMinutes int    `json:"estimatedMinutes,omitempty" validate:"gte=0"`
	Notes            string `json:"notes,omitempty"`
}

// Workout is a completed training session.
type Workout struct {
	TemplateID      *int64    `json:"templateId,omitempty"`
	Title           string    `json:"title" validate:"required,max=120"`
	StartedAt       time.Time `json:"startedAt" validate:"required"`
	DurationMinutes int       `json:"durationMinutes" validate:"gte=0"`
	Notes           string    `json:"notes,omitempty"`
}

// BodyMeasurement captures body composition at a point in time.
type BodyMeasurement struct {
	MeasuredAt time.Time `json:"measuredAt" validate:"required"`
	WeightKg   float64   `json:"weightKg,omitempty" validate:"gte=0"`
	BodyFatPct float64   `json:"bodyFatPct,omitempty" validate:"gte=0,lte=100"`
	WaistCm    float64   `json:"waistCm,omitempty" validate:"gte=0"`
}

// WeekSchedule groups planned workouts for one week.
type WeekSchedule struct {
	Name      string `json:"name" validate:"required,max=120"`
	WeekStart string `json:"weekStart" validate:"required,datetime=2006-01-02"`
}

// ScheduledWorkout places a template on a day of a week schedule.
type ScheduledWorkout struct {
	WeekScheduleID *int64 `json:"weekScheduleId" validate:"required"`
	TemplateID     *int64 `json:"templateId,omitempty"`
	DayOfWeek      int    `json:"dayOfWeek" validate:"gte=0,lte=6"`
	Title          string `json:"title,omitempty" validate:"max=120"`
}

func (Exercise) EntityType() EntityType         { return TypeExercise }
func (WorkoutTemplate) EntityType() EntityType  { return TypeWorkoutTemplate }
func (Workout) EntityType() EntityType          { return TypeWorkout }
func (BodyMeasurement) EntityType() EntityType  { return TypeBodyMeasurement }
func (WeekSchedule) EntityType() EntityType     { return TypeWeekSchedule }
func (ScheduledWorkout) EntityType() EntityType { return TypeScheduledWorkout }

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the entity's field constraints.
func Validate(e Entity) error {
	if e == nil {
		return fmt.Errorf("%w: nil entity", ErrUnknownEntityType)
	}
	return validate.Struct(e)
}
